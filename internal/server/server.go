package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/lobbyd/internal/repository"
	"github.com/npezzotti/lobbyd/internal/stats"
	"github.com/npezzotti/lobbyd/internal/types"
	"github.com/puzpuzpuz/xsync"
	"github.com/rs/zerolog"
)

const defaultOpTimeout = 5 * time.Second

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrShuttingDown        = errors.New("server is shutting down")
	errQueueFull           = errors.New("room queue is full")
)

type Options struct {
	// OpTimeout bounds the store calls made for a single intent.
	OpTimeout    time.Duration
	IdleTimeout  time.Duration
	HistoryLimit int
	Host         AnnouncerOptions
	Client       ClientOptions
}

// ChatServer is the connection hub. It tracks live connections, owns one
// roomWorker per active room and routes inbound events to them.
type ChatServer struct {
	log          zerolog.Logger
	repo         repository.Repository
	stats        stats.StatsProvider
	presence     *Presence
	lifecycle    *Lifecycle
	announcer    *Announcer
	clients      *xsync.MapOf[string, *Client]
	rooms        map[string]*roomWorker
	roomsLock    sync.Mutex
	stopped      bool
	opTimeout    time.Duration
	idleTimeout  time.Duration
	historyLimit int
	clientOpts   ClientOptions
	stopOnce     sync.Once
	stop         chan struct{}
	done         chan struct{}
}

func NewChatServer(logger zerolog.Logger, repo repository.Repository, su stats.StatsProvider, opts Options) *ChatServer {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleRoomTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = repository.DefaultHistoryLimit
	}

	for _, name := range []string{
		stats.NumConnections,
		stats.NumActiveRooms,
		stats.NumBoundConnections,
		stats.NumMessages,
		stats.NumRoomsDeleted,
	} {
		su.RegisterMetric(name)
	}

	cs := &ChatServer{
		log:          logger.With().Str("module", "hub").Logger(),
		repo:         repo,
		stats:        su,
		presence:     NewPresence(),
		clients:      xsync.NewMapOf[*Client](),
		rooms:        make(map[string]*roomWorker),
		opTimeout:    opts.OpTimeout,
		idleTimeout:  opts.IdleTimeout,
		historyLimit: opts.HistoryLimit,
		clientOpts:   opts.Client,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	cs.announcer = NewAnnouncer(cs.log, cs.emit, opts.Host)
	cs.lifecycle = NewLifecycle(cs.log, repo, cs.presence, cs.announcer, cs.broadcast, su)

	return cs
}

// Run blocks until Shutdown is called, then stops every room worker and
// releases the durable membership of connections that are still bound.
func (cs *ChatServer) Run() {
	<-cs.stop

	cs.roomsLock.Lock()
	cs.stopped = true
	workers := make([]*roomWorker, 0, len(cs.rooms))
	for _, w := range cs.rooms {
		workers = append(workers, w)
	}
	cs.roomsLock.Unlock()

	for _, w := range workers {
		cs.log.Debug().Str("room", w.code).Msg("shutting down room")
		<-w.done
	}

	cs.announcer.Stop()
	cs.releaseAll()
	close(cs.done)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")
	cs.stopOnce.Do(func() {
		close(cs.stop)
	})

	cs.clients.Range(func(_ string, c *Client) bool {
		c.stopClient()
		return true
	})

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) releaseAll() {
	for _, b := range cs.presence.All() {
		cs.presence.Unbind(b.client.id)

		ctx, cancel := cs.opContext()
		if _, err := cs.repo.RemoveUser(ctx, b.client.id); err != nil {
			cs.log.Warn().Err(err).Str("conn", b.client.id).Msg("release membership on shutdown")
		} else if _, err := cs.repo.TouchRoomInfo(ctx, b.RoomCode); err != nil {
			cs.log.Warn().Err(err).Str("room", b.RoomCode).Msg("touch room on shutdown")
		}
		cancel()
	}
}

// Register adds a live connection. Connection ids must be unique.
func (cs *ChatServer) Register(c *Client) error {
	if _, loaded := cs.clients.LoadOrStore(c.id, c); loaded {
		return ErrDuplicateConnection
	}
	cs.stats.Incr(stats.NumConnections)
	cs.log.Debug().Str("conn", c.id).Msg("registered connection")
	return nil
}

func (cs *ChatServer) unregister(c *Client) {
	if existing, ok := cs.clients.Load(c.id); ok && existing == c {
		cs.clients.Delete(c.id)
		cs.stats.Decr(stats.NumConnections)
	}
}

// NewClient creates a client for conn using the server's connection options.
func (cs *ChatServer) NewClient(id string, conn *websocket.Conn) *Client {
	return NewClient(id, conn, cs, cs.log, cs.clientOpts)
}

func (cs *ChatServer) NumConnections() int {
	return cs.clients.Size()
}

// BoundConnections returns the number of live connections bound to code.
func (cs *ChatServer) BoundConnections(code string) int {
	return cs.presence.Count(code)
}

func (cs *ChatServer) RoomPhase(code string) types.Phase {
	return cs.lifecycle.Phase(code)
}

func (cs *ChatServer) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.opTimeout)
}

// submit queues task on the worker for code, starting one if needed. It
// never blocks.
func (cs *ChatServer) submit(code string, task func()) error {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.stopped {
		return ErrShuttingDown
	}

	w, ok := cs.rooms[code]
	if !ok {
		w = newRoomWorker(code, cs)
		cs.rooms[code] = w
		cs.stats.Incr(stats.NumActiveRooms)
		go w.start()
	}

	select {
	case w.tasks <- task:
		return nil
	default:
		w.log.Warn().Msg("room queue full")
		return errQueueFull
	}
}

// submitWait queues task and waits for it to finish, so a connection's
// intents are handled one at a time.
func (cs *ChatServer) submitWait(code string, task func()) error {
	done := make(chan struct{})
	if err := cs.submit(code, func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-done:
	case <-cs.stop:
	}
	return nil
}

func (cs *ChatServer) unloadRoom(w *roomWorker) bool {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.rooms[w.code] != w || !w.idle() || cs.announcer.Running(w.code) {
		return false
	}

	delete(cs.rooms, w.code)
	cs.lifecycle.Forget(w.code)
	cs.stats.Decr(stats.NumActiveRooms)
	w.log.Debug().Msg("unloaded idle room")
	return true
}

func (cs *ChatServer) activeRooms() int {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	return len(cs.rooms)
}

// broadcast delivers msg to every connection bound to code, including the
// initiator. It must be called from the room's worker.
func (cs *ChatServer) broadcast(code string, msg *ServerMessage) {
	members := cs.presence.Members(code)
	cs.log.Debug().Str("room", code).Str("event", msg.Event).Int("members", len(members)).Msg("broadcast")
	for _, c := range members {
		c.queueMessage(msg)
	}
}

// emit broadcasts from outside the room worker by queueing the broadcast
// as a task. The event is dropped if the room was deleted or unloaded since
// gen was taken.
func (cs *ChatServer) emit(code string, gen uint64, msg *ServerMessage) {
	task := func() {
		if cs.lifecycle.Generation(code) != gen {
			cs.log.Debug().Str("room", code).Str("event", msg.Event).Msg("dropped event of previous room")
			return
		}
		cs.broadcast(code, msg)
	}
	if err := cs.submit(code, task); err != nil {
		cs.log.Warn().Err(err).Str("room", code).Str("event", msg.Event).Msg("dropped room event")
	}
}
