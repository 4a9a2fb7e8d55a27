package server

import (
	"context"
	"sync"

	"github.com/npezzotti/lobbyd/internal/repository"
	"github.com/npezzotti/lobbyd/internal/stats"
	"github.com/npezzotti/lobbyd/internal/types"
	"github.com/rs/zerolog"
)

const roomDeletedMessage = "Room has been deleted"

// Lifecycle moves rooms from lobby to active and runs the deletion
// protocol. Its methods are called from the room's worker.
type Lifecycle struct {
	log       zerolog.Logger
	repo      repository.Repository
	presence  *Presence
	announcer *Announcer
	broadcast func(code string, msg *ServerMessage)
	stats     stats.StatsProvider
	mu        sync.Mutex
	phases    map[string]types.Phase
	// gens identifies the current incarnation of each room; a deleted room
	// that is created again gets a new generation
	gens    map[string]uint64
	lastGen uint64
}

func NewLifecycle(logger zerolog.Logger, repo repository.Repository, p *Presence, a *Announcer,
	broadcast func(string, *ServerMessage), su stats.StatsProvider) *Lifecycle {
	return &Lifecycle{
		log:       logger.With().Str("module", "lifecycle").Logger(),
		repo:      repo,
		presence:  p,
		announcer: a,
		broadcast: broadcast,
		stats:     su,
		phases:    make(map[string]types.Phase),
		gens:      make(map[string]uint64),
	}
}

// Phase reports lobby for rooms that were never started.
func (l *Lifecycle) Phase(code string) types.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.phases[code]; ok {
		return p
	}
	return types.PhaseLobby
}

func (l *Lifecycle) setPhase(code string, p types.Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases[code] = p
}

// Generation returns the current generation of code, assigning a fresh one
// if the room has none. Generations are never reused.
func (l *Lifecycle) Generation(code string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.gens[code]; ok {
		return g
	}
	l.lastGen++
	l.gens[code] = l.lastGen
	return l.lastGen
}

// Forget drops the in-memory state of code. The next use of the room starts
// in the lobby phase under a new generation.
func (l *Lifecycle) Forget(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.phases, code)
	delete(l.gens, code)
}

func (l *Lifecycle) RoomCreated(code string) {
	l.setPhase(code, types.PhaseLobby)
}

// StartGame marks the room active, tells every member and starts the host
// script. A room whose script is still running does not get a second one.
func (l *Lifecycle) StartGame(ctx context.Context, code, startedBy string) {
	l.setPhase(code, types.PhaseActive)

	l.broadcast(code, NewServerMessage(EventGameStarted, GameStarted{
		RoomCode:  code,
		StartedBy: startedBy,
		Timestamp: Now(),
	}))

	if !l.announcer.Start(code, l.Generation(code)) {
		l.log.Info().Str("room", code).Msg("host script already running")
	}

	if _, err := l.repo.TouchRoomInfo(ctx, code); err != nil {
		l.log.Error().Err(err).Str("room", code).Msg("touch room info")
	}

	l.log.Info().Str("room", code).Str("user", startedBy).Msg("game started")
}

// DeleteRoom runs the deletion saga: notify members, detach them without
// closing their connections, then purge the durable namespace. The purge is
// not atomic with the first two steps; a failure there is logged and the
// leftover keys expire with the room retention.
func (l *Lifecycle) DeleteRoom(ctx context.Context, code string) {
	l.broadcast(code, NewServerMessage(EventRoomDeleted, RoomDeleted{
		RoomCode:  code,
		Message:   roomDeletedMessage,
		Timestamp: Now(),
	}))

	detached := l.presence.UnbindRoom(code)
	for range detached {
		l.stats.Decr(stats.NumBoundConnections)
	}
	l.announcer.Cancel(code)
	l.Forget(code)

	n, err := l.repo.DeleteRoom(ctx, code)
	if err != nil {
		l.log.Error().Err(types.NewPartialFailureError("purge room", err)).
			Str("room", code).Int("detached", len(detached)).Msg("room deleted with leftover keys")
		return
	}

	l.stats.Incr(stats.NumRoomsDeleted)
	l.log.Info().Str("room", code).Int("detached", len(detached)).Int("keys", n).Msg("room deleted")
}
