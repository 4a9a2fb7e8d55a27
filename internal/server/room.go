package server

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultIdleRoomTimeout = 30 * time.Second
	roomQueueSize          = 256
)

// roomWorker executes every room-scoped task for one room code in FIFO
// order. Broadcasts are only issued from tasks, which gives all members of
// a room the same event order.
type roomWorker struct {
	code  string
	cs    *ChatServer
	tasks chan func()
	log   zerolog.Logger
	// killTimer unloads the worker once it is idle with no bound members
	killTimer *time.Timer
	done      chan struct{}
}

func newRoomWorker(code string, cs *ChatServer) *roomWorker {
	return &roomWorker{
		code:  code,
		cs:    cs,
		tasks: make(chan func(), roomQueueSize),
		log:   cs.log.With().Str("room", code).Logger(),
		done:  make(chan struct{}),
	}
}

func (w *roomWorker) start() {
	w.log.Debug().Msg("starting room worker")
	w.killTimer = time.NewTimer(w.cs.idleTimeout)
	defer func() {
		w.killTimer.Stop()
		w.log.Debug().Msg("room worker exited")
		close(w.done)
	}()

	for {
		select {
		case task := <-w.tasks:
			w.killTimer.Stop()
			w.run(task)
			w.killTimer.Reset(w.cs.idleTimeout)
		case <-w.killTimer.C:
			if w.cs.unloadRoom(w) {
				return
			}
			w.killTimer.Reset(w.cs.idleTimeout)
		case <-w.cs.stop:
			return
		}
	}
}

// run executes task, keeping the worker alive if it panics.
func (w *roomWorker) run(task func()) {
	defer func() {
		if err := recover(); err != nil {
			w.log.Error().Interface("panic", err).Msg("room task panicked")
		}
	}()
	task()
}

// idle reports whether the worker may be unloaded. Callers hold roomsLock,
// which also guards submission, so no task can arrive concurrently.
func (w *roomWorker) idle() bool {
	return len(w.tasks) == 0 && w.cs.presence.Count(w.code) == 0
}
