package server

import (
	"errors"
	"strings"

	"github.com/npezzotti/lobbyd/internal/stats"
	"github.com/npezzotti/lobbyd/internal/types"
	"golang.org/x/sync/errgroup"
)

// handle routes an inbound event. Room-scoped events run on the room's
// worker; the call returns once the event has been handled.
func (cs *ChatServer) handle(msg *ClientMessage) {
	c := msg.client

	switch msg.Event {
	case EventPing:
		c.queueMessage(NewServerMessage(EventPong, Pong{Timestamp: Now()}))
	case EventJoin:
		cs.setIdentity(msg)
	case EventCreateRoom:
		var p CreateRoom
		if err := msg.decode(&p); err != nil {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		code := strings.TrimSpace(p.RoomCode)
		if code == "" {
			c.queueMessage(ErrMessage("Room code is required"))
			return
		}
		cs.dispatch(c, code, func() { cs.createRoom(c, code) })
	case EventJoinRoom:
		var p JoinRoom
		if err := msg.decode(&p); err != nil {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		name := strings.TrimSpace(p.User)
		if name == "" {
			name = c.getName()
		}
		code := strings.TrimSpace(p.RoomCode)
		if name == "" {
			c.queueMessage(ErrMessage("User is required"))
			return
		}
		if code == "" {
			c.queueMessage(ErrMessage("Room code is required"))
			return
		}
		cs.dispatch(c, code, func() { cs.joinRoom(c, name, code) })
	case EventSendMessage:
		var p SendMessage
		if err := msg.decode(&p); err != nil {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		content := strings.TrimSpace(p.Content)
		if content == "" {
			c.queueMessage(ErrMessage("Message content is required"))
			return
		}
		cs.dispatchBound(c, func(b Binding) { cs.sendMessage(c, b, content) })
	case EventGetMessages:
		var p GetMessages
		if err := msg.decode(&p); err != nil {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		cs.dispatchBound(c, func(b Binding) { cs.getMessages(c, b, p.Limit) })
	case EventGetRoomInfo:
		cs.dispatchBound(c, func(b Binding) { cs.getRoomInfo(c, b) })
	case EventStartGame:
		cs.dispatchBound(c, func(b Binding) {
			ctx, cancel := cs.opContext()
			defer cancel()
			cs.lifecycle.StartGame(ctx, b.RoomCode, b.User.DisplayName)
		})
	case EventLeaveRoom:
		cs.dispatchBound(c, func(b Binding) {
			if cs.leave(c) {
				c.queueMessage(NewServerMessage(EventRoomLeft, RoomLeft{RoomCode: b.RoomCode, Timestamp: Now()}))
			} else {
				c.queueMessage(ErrNotInRoom())
			}
		})
	case EventDeleteRoom:
		var p DeleteRoom
		if err := msg.decode(&p); err != nil {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		code := strings.TrimSpace(p.RoomCode)
		if code == "" {
			cs.log.Warn().Str("conn", c.id).Msg("delete_room without room code")
			return
		}
		cs.dispatch(c, code, func() {
			ctx, cancel := cs.opContext()
			defer cancel()
			cs.lifecycle.DeleteRoom(ctx, code)
		})
	default:
		c.log.Debug().Str("event", msg.Event).Msg("unknown event")
		c.queueMessage(ErrMessage("Unknown event: " + msg.Event))
	}
}

func (cs *ChatServer) dispatch(c *Client, code string, task func()) {
	if err := cs.submitWait(code, task); err != nil {
		c.queueMessage(ErrServiceUnavailable())
	}
}

// dispatchBound runs task on the worker of the room c is bound to. The
// binding is checked again on the worker since a deletion may have detached
// the connection in between.
func (cs *ChatServer) dispatchBound(c *Client, task func(Binding)) {
	b, ok := cs.presence.Lookup(c.id)
	if !ok {
		c.queueMessage(ErrNotInRoom())
		return
	}

	cs.dispatch(c, b.RoomCode, func() {
		current, ok := cs.presence.Lookup(c.id)
		if !ok || current.RoomCode != b.RoomCode {
			c.queueMessage(ErrNotInRoom())
			return
		}
		task(current)
	})
}

func (cs *ChatServer) setIdentity(msg *ClientMessage) {
	c := msg.client

	var p Join
	if err := msg.decode(&p); err != nil {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	name := strings.TrimSpace(p.User)
	if name == "" {
		c.queueMessage(ErrMessage("User is required"))
		return
	}

	c.setName(name)
	c.queueMessage(NewServerMessage(EventJoined, Joined{User: name, ConnectionId: c.id, Timestamp: Now()}))
	c.log.Info().Str("user", name).Msg("identity set")
}

func (cs *ChatServer) createRoom(c *Client, code string) {
	ctx, cancel := cs.opContext()
	defer cancel()

	if _, err := cs.repo.CreateRoomIfAbsent(ctx, code); err != nil {
		cs.log.Info().Err(err).Str("room", code).Msg("create room rejected")
		c.queueMessage(ErrFromError(err, "Failed to create room"))
		return
	}

	cs.lifecycle.RoomCreated(code)
	c.queueMessage(NewServerMessage(EventRoomCreated, RoomCreated{RoomCode: code, Timestamp: Now()}))
	cs.log.Info().Str("room", code).Str("conn", c.id).Msg("room created")
}

func (cs *ChatServer) joinRoom(c *Client, name, code string) {
	ctx, cancel := cs.opContext()
	defer cancel()

	if b, ok := cs.presence.Lookup(c.id); ok {
		if b.RoomCode == code {
			c.queueMessage(ErrMessage("User already in this room"))
		} else {
			c.queueMessage(ErrFromError(ErrAlreadyBound, "Failed to join room"))
		}
		return
	}

	user := types.User{
		DisplayName:  name,
		ConnectionId: c.id,
		RoomCode:     code,
		JoinedAt:     Now(),
	}

	if err := cs.presence.Bind(c, user, code); err != nil {
		c.queueMessage(ErrFromError(err, "Failed to join room"))
		return
	}

	if err := cs.repo.AddUser(ctx, user); err != nil {
		cs.presence.Unbind(c.id)
		cs.log.Info().Err(err).Str("room", code).Str("user", name).Msg("join rejected")
		c.queueMessage(ErrFromError(err, "Failed to join room"))
		return
	}
	cs.stats.Incr(stats.NumBoundConnections)

	info, touchErr := cs.repo.TouchRoomInfo(ctx, code)
	if touchErr != nil {
		cs.log.Error().Err(touchErr).Str("room", code).Msg("touch room info")
	}

	messages, err := cs.repo.ListMessages(ctx, code, cs.historyLimit)
	if err != nil {
		cs.log.Error().Err(err).Str("room", code).Msg("load message history")
	}

	users, err := cs.repo.ListUsers(ctx, code)
	if err != nil {
		cs.log.Error().Err(err).Str("room", code).Msg("list users")
	}

	c.queueMessage(NewServerMessage(EventRoomJoined, RoomJoined{
		User:         name,
		ConnectionId: c.id,
		RoomCode:     code,
		Timestamp:    Now(),
		Messages:     messages,
		Users:        users,
	}))

	total := totalUsers(info, touchErr, users)
	cs.broadcastUsers(code, users, total)
	cs.log.Info().Str("room", code).Str("user", name).Int("total", total).Msg("user joined room")
}

func (cs *ChatServer) sendMessage(c *Client, b Binding, content string) {
	ctx, cancel := cs.opContext()
	defer cancel()

	ts := Now()
	msg := types.Message{
		MessageId: newMessageId(ts),
		Content:   content,
		Author:    b.User.DisplayName,
		RoomCode:  b.RoomCode,
		Timestamp: ts,
	}

	if err := cs.repo.AppendMessage(ctx, msg); err != nil {
		cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("append message")
		c.queueMessage(ErrFromError(err, "Failed to send message"))
		return
	}
	cs.stats.Incr(stats.NumMessages)

	if _, err := cs.repo.TouchRoomInfo(ctx, b.RoomCode); err != nil {
		cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("touch room info")
	}

	cs.broadcast(b.RoomCode, NewServerMessage(EventNewMessage, msg))
}

func (cs *ChatServer) getMessages(c *Client, b Binding, limit int) {
	ctx, cancel := cs.opContext()
	defer cancel()

	if limit <= 0 {
		limit = cs.historyLimit
	}

	messages, err := cs.repo.ListMessages(ctx, b.RoomCode, limit)
	if err != nil {
		cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("list messages")
	}

	c.queueMessage(NewServerMessage(EventMessageHistory, MessageHistory{Messages: messages, RoomCode: b.RoomCode}))
}

func (cs *ChatServer) getRoomInfo(c *Client, b Binding) {
	ctx, cancel := cs.opContext()
	defer cancel()

	var (
		users    []types.User
		info     *types.RoomInfo
		messages []types.Message
	)

	// each read degrades on its own, so the group never fails
	var g errgroup.Group
	g.Go(func() error {
		var err error
		if users, err = cs.repo.ListUsers(ctx, b.RoomCode); err != nil {
			cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("list users")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if info, err = cs.repo.RoomInfo(ctx, b.RoomCode); err != nil {
			cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("get room info")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if messages, err = cs.repo.ListMessages(ctx, b.RoomCode, cs.historyLimit); err != nil {
			cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("list messages")
		}
		return nil
	})
	g.Wait()

	if users == nil {
		users = []types.User{}
	}
	if messages == nil {
		messages = []types.Message{}
	}

	c.queueMessage(NewServerMessage(EventRoomInfo, RoomInfo{
		RoomCode:   b.RoomCode,
		Users:      users,
		TotalUsers: len(users),
		CurrentUser: CurrentUser{
			User:         b.User.DisplayName,
			ConnectionId: c.id,
			RoomCode:     b.RoomCode,
		},
		RoomInfo: info,
		Messages: messages,
		Phase:    cs.lifecycle.Phase(b.RoomCode),
	}))
}

// leave detaches c from its room, removes its durable membership and tells
// the remaining members. It reports false when c was not bound.
func (cs *ChatServer) leave(c *Client) bool {
	b, ok := cs.presence.Unbind(c.id)
	if !ok {
		return false
	}
	cs.stats.Decr(stats.NumBoundConnections)

	ctx, cancel := cs.opContext()
	defer cancel()

	if _, err := cs.repo.RemoveUser(ctx, c.id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			cs.log.Debug().Str("room", b.RoomCode).Str("conn", c.id).Msg("membership already removed")
		} else {
			cs.log.Error().Err(err).Str("room", b.RoomCode).Str("conn", c.id).Msg("remove user")
		}
	}

	info, touchErr := cs.repo.TouchRoomInfo(ctx, b.RoomCode)
	if touchErr != nil {
		cs.log.Error().Err(touchErr).Str("room", b.RoomCode).Msg("touch room info")
	}

	users, err := cs.repo.ListUsers(ctx, b.RoomCode)
	if err != nil {
		cs.log.Error().Err(err).Str("room", b.RoomCode).Msg("list users")
	}

	total := totalUsers(info, touchErr, users)
	cs.broadcastUsers(b.RoomCode, users, total)
	cs.log.Info().Str("room", b.RoomCode).Str("user", b.User.DisplayName).Int("remaining", total).Msg("user left room")
	return true
}

// disconnect is called once when a connection's read pump exits.
func (cs *ChatServer) disconnect(c *Client) {
	defer cs.unregister(c)

	b, ok := cs.presence.Lookup(c.id)
	if !ok {
		c.log.Debug().Msg("anonymous connection closed")
		return
	}

	if err := cs.submit(b.RoomCode, func() { cs.leave(c) }); err != nil {
		// the worker cannot take it, release the membership here
		c.log.Warn().Err(err).Str("room", b.RoomCode).Msg("handling disconnect outside room worker")
		cs.leave(c)
	}
}

func (cs *ChatServer) broadcastUsers(code string, users []types.User, total int) {
	if users == nil {
		users = []types.User{}
	}
	cs.broadcast(code, NewServerMessage(EventRoomUsersUpdated, RoomUsersUpdated{
		RoomCode:   code,
		Users:      users,
		TotalUsers: total,
		Timestamp:  Now(),
	}))
}

// totalUsers prefers the recomputed room info and falls back to the listed
// members when the touch failed.
func totalUsers(info types.RoomInfo, touchErr error, users []types.User) int {
	if touchErr != nil {
		return len(users)
	}
	return info.UserCount
}
