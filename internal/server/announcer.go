package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultHostStartDelay = time.Second
	defaultHostInterval   = 2 * time.Second
	hostClosingMessage    = "💬 You can now start chatting! Good luck everyone!"
)

var defaultHostScript = []string{
	"🎮 Welcome to Market Maker!",
}

type AnnouncerOptions struct {
	StartDelay time.Duration
	Interval   time.Duration
	Script     []string
	Closing    string
}

// Announcer plays the host script into a room. Each step is scheduled
// relative to the previous emission. Emissions carry the room generation
// the chain was started for, so a chain that outlives its room is dropped
// by the receiver. Scripts are never stored as chat history.
type Announcer struct {
	log     zerolog.Logger
	emit    func(code string, gen uint64, msg *ServerMessage)
	opts    AnnouncerOptions
	mu      sync.Mutex
	pending map[string]*hostChain
	stopped bool
}

type hostChain struct {
	gen   uint64
	timer *time.Timer
}

func NewAnnouncer(logger zerolog.Logger, emit func(string, uint64, *ServerMessage), opts AnnouncerOptions) *Announcer {
	if opts.StartDelay <= 0 {
		opts.StartDelay = defaultHostStartDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultHostInterval
	}
	if opts.Script == nil {
		opts.Script = defaultHostScript
	}
	if opts.Closing == "" {
		opts.Closing = hostClosingMessage
	}

	return &Announcer{
		log:     logger.With().Str("module", "announcer").Logger(),
		emit:    emit,
		opts:    opts,
		pending: make(map[string]*hostChain),
	}
}

// Start schedules the script for generation gen of room code. It returns
// false if a chain for that generation is already running. A chain left
// over from an older generation is replaced.
func (a *Announcer) Start(code string, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return false
	}
	if ch, ok := a.pending[code]; ok {
		if ch.gen == gen {
			return false
		}
		ch.timer.Stop()
	}

	ch := &hostChain{gen: gen}
	ch.timer = time.AfterFunc(a.opts.StartDelay, func() {
		if !a.current(code, ch) {
			return
		}
		a.emit(code, gen, NewServerMessage(EventHostExplanationStarted, nil))
		a.step(code, ch, 0)
	})
	a.pending[code] = ch

	a.log.Debug().Str("room", code).Uint64("gen", gen).Msg("host script scheduled")
	return true
}

func (a *Announcer) current(code string, ch *hostChain) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.stopped && a.pending[code] == ch
}

func (a *Announcer) step(code string, ch *hostChain, i int) {
	if !a.current(code, ch) {
		return
	}

	if i < len(a.opts.Script) {
		a.emit(code, ch.gen, hostMessage(a.opts.Script[i]))
		a.schedule(code, ch, func() { a.step(code, ch, i+1) })
		return
	}

	a.emit(code, ch.gen, hostMessage(a.opts.Closing))
	a.emit(code, ch.gen, NewServerMessage(EventHostExplanationFinished, nil))

	a.mu.Lock()
	if a.pending[code] == ch {
		delete(a.pending, code)
	}
	a.mu.Unlock()
	a.log.Debug().Str("room", code).Msg("host script finished")
}

func (a *Announcer) schedule(code string, ch *hostChain, f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped || a.pending[code] != ch {
		return
	}
	ch.timer = time.AfterFunc(a.opts.Interval, f)
}

// Running reports whether a script is in progress for code.
func (a *Announcer) Running(code string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.pending[code]
	return ok
}

// Cancel drops the chain of code, if any. Steps already handed to emit are
// not recalled.
func (a *Announcer) Cancel(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.pending[code]; ok {
		ch.timer.Stop()
		delete(a.pending, code)
		a.log.Debug().Str("room", code).Uint64("gen", ch.gen).Msg("host script cancelled")
	}
}

// Stop cancels every pending step. It is only used on server shutdown.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	for code, ch := range a.pending {
		ch.timer.Stop()
		delete(a.pending, code)
	}
}

func hostMessage(content string) *ServerMessage {
	return NewServerMessage(EventHostMessage, HostMessage{Content: content, Timestamp: Now()})
}
