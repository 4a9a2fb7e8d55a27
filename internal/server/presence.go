package server

import (
	"sync"

	"github.com/npezzotti/lobbyd/internal/types"
)

var ErrAlreadyBound = types.NewConflictError("User already in another room")

// Binding is the room a live connection currently represents a user in.
type Binding struct {
	User     types.User
	RoomCode string
	client   *Client
}

// Presence maps live connections to their room and keeps the per-room
// broadcast groups in step with those bindings. It is process-local and
// never persisted.
type Presence struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	groups   map[string]map[string]*Client
}

func NewPresence() *Presence {
	return &Presence{
		bindings: make(map[string]Binding),
		groups:   make(map[string]map[string]*Client),
	}
}

// Bind associates c with user in roomCode. Rebinding to the same room is a
// no-op; binding to a different room fails with ErrAlreadyBound.
func (p *Presence) Bind(c *Client, user types.User, roomCode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.bindings[c.id]; ok {
		if b.RoomCode != roomCode {
			return ErrAlreadyBound
		}
		return nil
	}

	p.bindings[c.id] = Binding{User: user, RoomCode: roomCode, client: c}
	group, ok := p.groups[roomCode]
	if !ok {
		group = make(map[string]*Client)
		p.groups[roomCode] = group
	}
	group[c.id] = c

	return nil
}

func (p *Presence) Unbind(connectionId string) (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.unbindLocked(connectionId)
}

func (p *Presence) unbindLocked(connectionId string) (Binding, bool) {
	b, ok := p.bindings[connectionId]
	if !ok {
		return Binding{}, false
	}

	delete(p.bindings, connectionId)
	if group, ok := p.groups[b.RoomCode]; ok {
		delete(group, connectionId)
		if len(group) == 0 {
			delete(p.groups, b.RoomCode)
		}
	}

	return b, true
}

// UnbindRoom detaches every connection bound to roomCode and returns their
// bindings.
func (p *Presence) UnbindRoom(roomCode string) []Binding {
	p.mu.Lock()
	defer p.mu.Unlock()

	group := p.groups[roomCode]
	unbound := make([]Binding, 0, len(group))
	for id := range group {
		if b, ok := p.unbindLocked(id); ok {
			unbound = append(unbound, b)
		}
	}

	return unbound
}

func (p *Presence) Lookup(connectionId string) (Binding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	b, ok := p.bindings[connectionId]
	return b, ok
}

// Members returns the connections currently bound to roomCode.
func (p *Presence) Members(roomCode string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	group := p.groups[roomCode]
	members := make([]*Client, 0, len(group))
	for _, c := range group {
		members = append(members, c)
	}

	return members
}

func (p *Presence) Count(roomCode string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.groups[roomCode])
}

// All returns every binding, used to release durable membership on shutdown.
func (p *Presence) All() []Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := make([]Binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		all = append(all, b)
	}

	return all
}
