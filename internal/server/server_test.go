package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/lobbyd/internal/repository"
	"github.com/npezzotti/lobbyd/internal/stats"
	"github.com/npezzotti/lobbyd/internal/testutil"
	"github.com/npezzotti/lobbyd/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// joinAs joins c to code as name and consumes the joiner's own replies.
func joinAs(t *testing.T, c *Client, name, code string) RoomUsersUpdated {
	t.Helper()
	send(c, EventJoinRoom, fmt.Sprintf(`{"user":%q,"roomCode":%q}`, name, code))
	joined := expectEvent(t, c, EventRoomJoined).(RoomJoined)
	assert.Equal(t, name, joined.User)
	assert.Equal(t, code, joined.RoomCode)
	return expectEvent(t, c, EventRoomUsersUpdated).(RoomUsersUpdated)
}

func userNames(users []types.User) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.DisplayName)
	}
	return names
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Times(5)

	repo := &repository.MockRepository{}
	cs := NewChatServer(testutil.TestLogger(t), repo, su, Options{})
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, repo, cs.repo, "expected repository to be set")
	assert.Equal(t, defaultOpTimeout, cs.opTimeout)
	assert.Equal(t, defaultIdleRoomTimeout, cs.idleTimeout)
	assert.Equal(t, repository.DefaultHistoryLimit, cs.historyLimit)
	assert.NotNil(t, cs.presence, "expected presence to be initialized")
	assert.NotNil(t, cs.lifecycle, "expected lifecycle to be initialized")
	assert.NotNil(t, cs.announcer, "expected announcer to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := NewChatServer(testutil.TestLogger(t), newMemoryRepo(t), newMockStats(), testOptions)
		go cs.Run()

		c := newTestClient(t, cs, "c1")
		require.NoError(t, cs.Register(c))
		joinAs(t, c, "Alice", "AB12")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}

		users, err := cs.repo.ListUsers(context.Background(), "AB12")
		require.NoError(t, err)
		assert.Empty(t, users, "expected durable membership to be released")

		assert.ErrorIs(t, cs.submit("AB12", func() {}), ErrShuttingDown)
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := NewChatServer(testutil.TestLogger(t), newMemoryRepo(t), newMockStats(), testOptions)
		// Run is not started so shutdown never completes

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func Test_Register(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo(t))

	c := newTestClient(t, cs, "c1")
	require.NoError(t, cs.Register(c))
	assert.Equal(t, 1, cs.NumConnections())

	dup := newTestClient(t, cs, "c1")
	assert.ErrorIs(t, cs.Register(dup), ErrDuplicateConnection)
	assert.Equal(t, 1, cs.NumConnections())

	cs.unregister(dup)
	assert.Equal(t, 1, cs.NumConnections(), "expected a rejected duplicate not to remove the original")

	cs.disconnect(c)
	assert.Zero(t, cs.NumConnections())
}

func Test_roomWorker(t *testing.T) {
	t.Run("unloads when idle", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))

		ran := make(chan struct{})
		require.NoError(t, cs.submit("AB12", func() { close(ran) }))
		<-ran
		assert.Equal(t, 1, cs.activeRooms())

		assert.Eventually(t, func() bool { return cs.activeRooms() == 0 }, testTimeout, pollInterval)
	})

	t.Run("stays loaded with bound members", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")
		joinAs(t, c, "Alice", "AB12")

		time.Sleep(3 * testOptions.IdleTimeout)
		assert.Equal(t, 1, cs.activeRooms())

		cs.disconnect(c)
		assert.Eventually(t, func() bool { return cs.activeRooms() == 0 }, testTimeout, pollInterval)
	})

	t.Run("tasks run in order", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))

		var (
			mu  sync.Mutex
			got []int
		)
		for i := 0; i < 50; i++ {
			require.NoError(t, cs.submit("AB12", func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			}))
		}
		require.NoError(t, cs.submitWait("AB12", func() {}))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 50)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	})

	t.Run("survives a panicking task", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))

		require.NoError(t, cs.submitWait("AB12", func() { panic("boom") }))
		ran := false
		require.NoError(t, cs.submitWait("AB12", func() { ran = true }))
		assert.True(t, ran)
	})
}

func Test_createRoom(t *testing.T) {
	t.Run("requires room code", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")

		send(c, EventCreateRoom, `{"roomCode":" "}`)
		expectError(t, c, "Room code is required")
	})

	t.Run("creates once", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")

		send(c, EventCreateRoom, `{"roomCode":"AB12"}`)
		created := expectEvent(t, c, EventRoomCreated).(RoomCreated)
		assert.Equal(t, "AB12", created.RoomCode)
		assert.NotZero(t, created.Timestamp)

		send(c, EventCreateRoom, `{"roomCode":"AB12"}`)
		expectError(t, c, "Room code already exists")
	})

	t.Run("concurrent creates admit exactly one", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))

		clients := make([]*Client, 10)
		var wg sync.WaitGroup
		for i := range clients {
			clients[i] = newTestClient(t, cs, fmt.Sprintf("c%d", i))
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				send(c, EventCreateRoom, `{"roomCode":"RACE"}`)
			}(clients[i])
		}
		wg.Wait()

		created, conflicts := 0, 0
		for _, c := range clients {
			msg := nextMessage(t, c)
			switch msg.Event {
			case EventRoomCreated:
				created++
			case EventError:
				assert.Equal(t, Error{Message: "Room code already exists"}, msg.Data)
				conflicts++
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, 9, conflicts)
	})

	t.Run("store unavailable", func(t *testing.T) {
		repo := &repository.MockRepository{}
		repo.On("CreateRoomIfAbsent", mock.Anything, "AB12").
			Return(types.RoomInfo{}, types.NewUnavailableError("create room", errors.New("dial tcp")))
		cs := newTestChatServer(t, repo)
		c := newTestClient(t, cs, "c1")

		send(c, EventCreateRoom, `{"roomCode":"AB12"}`)
		expectError(t, c, "Failed to create room")
		repo.AssertExpectations(t)
	})
}

func Test_joinRoom(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")

		send(c, EventJoinRoom, `{"roomCode":"AB12"}`)
		expectError(t, c, "User is required")

		send(c, EventJoinRoom, `{"user":"Alice"}`)
		expectError(t, c, "Room code is required")

		send(c, EventJoinRoom, `{"user":5}`)
		expectError(t, c, "invalid message format")

		_, bound := cs.presence.Lookup("c1")
		assert.False(t, bound, "expected no binding after rejected joins")
	})

	t.Run("falls back to identity from join", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")

		send(c, EventJoin, `{"user":"Alice"}`)
		expectEvent(t, c, EventJoined)

		send(c, EventJoinRoom, `{"roomCode":"AB12"}`)
		joined := expectEvent(t, c, EventRoomJoined).(RoomJoined)
		assert.Equal(t, "Alice", joined.User)
	})

	t.Run("members converge on the user list", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		alice := newTestClient(t, cs, "c1")
		bob := newTestClient(t, cs, "c2")

		update := joinAs(t, alice, "Alice", "AB12")
		assert.Equal(t, 1, update.TotalUsers)

		send(bob, EventJoinRoom, `{"user":"Bob","roomCode":"AB12"}`)
		joined := expectEvent(t, bob, EventRoomJoined).(RoomJoined)
		assert.Equal(t, "c2", joined.ConnectionId)
		assert.ElementsMatch(t, []string{"Alice", "Bob"}, userNames(joined.Users))

		for _, c := range []*Client{alice, bob} {
			update := expectEvent(t, c, EventRoomUsersUpdated).(RoomUsersUpdated)
			assert.Equal(t, 2, update.TotalUsers)
			assert.ElementsMatch(t, []string{"Alice", "Bob"}, userNames(update.Users))
		}
	})

	t.Run("duplicate name conflicts until the owner disconnects", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		alice := newTestClient(t, cs, "c1")
		impostor := newTestClient(t, cs, "c2")

		joinAs(t, alice, "Alice", "AB12")

		send(impostor, EventJoinRoom, `{"user":"Alice","roomCode":"AB12"}`)
		expectError(t, impostor, "User already in this room")
		expectNoMessage(t, alice)

		users, err := cs.repo.ListUsers(context.Background(), "AB12")
		require.NoError(t, err)
		assert.Len(t, users, 1, "expected membership to be unchanged")
		_, bound := cs.presence.Lookup("c2")
		assert.False(t, bound, "expected rejected join to leave no binding")

		cs.disconnect(alice)

		update := joinAs(t, impostor, "Alice", "AB12")
		assert.Equal(t, 1, update.TotalUsers)
	})

	t.Run("already bound", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")
		joinAs(t, c, "Alice", "AB12")

		send(c, EventJoinRoom, `{"user":"Alice","roomCode":"AB12"}`)
		expectError(t, c, "User already in this room")

		send(c, EventJoinRoom, `{"user":"Alice","roomCode":"CD34"}`)
		expectError(t, c, "User already in another room")
	})

	t.Run("store unavailable", func(t *testing.T) {
		repo := &repository.MockRepository{}
		repo.On("AddUser", mock.Anything, mock.MatchedBy(func(u types.User) bool {
			return u.DisplayName == "Alice" && u.RoomCode == "AB12" && u.ConnectionId == "c1"
		})).Return(types.NewUnavailableError("add user", errors.New("dial tcp")))
		cs := newTestChatServer(t, repo)
		c := newTestClient(t, cs, "c1")

		send(c, EventJoinRoom, `{"user":"Alice","roomCode":"AB12"}`)
		expectError(t, c, "Failed to join room")

		_, bound := cs.presence.Lookup("c1")
		assert.False(t, bound, "expected binding to be undone")
		repo.AssertExpectations(t)
	})
}

func Test_userCountTracksMembership(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo(t))
	ctx := context.Background()

	clients := make([]*Client, 6)
	for i := range clients {
		clients[i] = newTestClient(t, cs, fmt.Sprintf("c%d", i))
	}

	check := func() {
		t.Helper()
		info, err := cs.repo.TouchRoomInfo(ctx, "AB12")
		require.NoError(t, err)
		users, err := cs.repo.ListUsers(ctx, "AB12")
		require.NoError(t, err)
		assert.Equal(t, len(users), info.UserCount)
		assert.Equal(t, cs.presence.Count("AB12"), info.UserCount)
	}

	for i, c := range clients {
		joinAs(t, c, fmt.Sprintf("user%d", i), "AB12")
		check()
	}
	for _, i := range []int{1, 4, 0} {
		cs.disconnect(clients[i])
		require.NoError(t, cs.submitWait("AB12", func() {}))
		check()
	}
	send(clients[2], EventLeaveRoom, "")
	check()
}

func Test_sendMessage(t *testing.T) {
	t.Run("not in room", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")

		send(c, EventSendMessage, `{"content":"hello"}`)
		expectError(t, c, "User not in any room")

		messages, err := cs.repo.ListMessages(context.Background(), "AB12", 0)
		require.NoError(t, err)
		assert.Empty(t, messages, "expected no timeline entry")
	})

	t.Run("empty content", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		c := newTestClient(t, cs, "c1")
		joinAs(t, c, "Alice", "AB12")

		send(c, EventSendMessage, `{"content":"   "}`)
		expectError(t, c, "Message content is required")
	})

	t.Run("broadcast to every member", func(t *testing.T) {
		cs := newTestChatServer(t, newMemoryRepo(t))
		alice := newTestClient(t, cs, "c1")
		bob := newTestClient(t, cs, "c2")
		joinAs(t, alice, "Alice", "AB12")
		joinAs(t, bob, "Bob", "AB12")
		expectEvent(t, alice, EventRoomUsersUpdated)

		send(alice, EventSendMessage, `{"content":"  hello  "}`)
		var ids []string
		for _, c := range []*Client{alice, bob} {
			msg := expectEvent(t, c, EventNewMessage).(types.Message)
			assert.Equal(t, "hello", msg.Content)
			assert.Equal(t, "Alice", msg.Author)
			assert.Equal(t, "AB12", msg.RoomCode)
			ids = append(ids, msg.MessageId)
		}
		assert.Equal(t, ids[0], ids[1])

		send(bob, EventGetMessages, `{"limit":10}`)
		history := expectEvent(t, bob, EventMessageHistory).(MessageHistory)
		assert.Equal(t, "AB12", history.RoomCode)
		require.Len(t, history.Messages, 1)
		assert.Equal(t, ids[0], history.Messages[0].MessageId)
	})

	t.Run("store unavailable", func(t *testing.T) {
		repo := &repository.MockRepository{}
		repo.On("AddUser", mock.Anything, mock.Anything).Return(nil)
		repo.On("TouchRoomInfo", mock.Anything, "AB12").Return(types.RoomInfo{RoomCode: "AB12", UserCount: 1}, nil)
		repo.On("ListMessages", mock.Anything, "AB12", mock.Anything).Return([]types.Message{}, nil)
		repo.On("ListUsers", mock.Anything, "AB12").Return([]types.User{{DisplayName: "Alice"}}, nil)
		repo.On("AppendMessage", mock.Anything, mock.Anything).Return(types.NewUnavailableError("append message", errors.New("timeout")))
		repo.On("RemoveUser", mock.Anything, "c1").Return(&types.User{DisplayName: "Alice"}, nil).Maybe()
		cs := newTestChatServer(t, repo)
		c := newTestClient(t, cs, "c1")
		joinAs(t, c, "Alice", "AB12")

		send(c, EventSendMessage, `{"content":"hello"}`)
		expectError(t, c, "Failed to send message")
	})
}

func Test_getRoomInfo(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo(t))
	c := newTestClient(t, cs, "c1")

	send(c, EventGetRoomInfo, "")
	expectError(t, c, "User not in any room")

	send(c, EventCreateRoom, `{"roomCode":"AB12"}`)
	expectEvent(t, c, EventRoomCreated)
	joinAs(t, c, "Alice", "AB12")
	send(c, EventSendMessage, `{"content":"hello"}`)
	expectEvent(t, c, EventNewMessage)

	send(c, EventGetRoomInfo, "")
	info := expectEvent(t, c, EventRoomInfo).(RoomInfo)
	assert.Equal(t, "AB12", info.RoomCode)
	assert.Equal(t, 1, info.TotalUsers)
	assert.Equal(t, []string{"Alice"}, userNames(info.Users))
	assert.Equal(t, CurrentUser{User: "Alice", ConnectionId: "c1", RoomCode: "AB12"}, info.CurrentUser)
	require.NotNil(t, info.RoomInfo)
	assert.Equal(t, 1, info.RoomInfo.UserCount)
	require.Len(t, info.Messages, 1)
	assert.Equal(t, types.PhaseLobby, info.Phase)

	send(c, EventStartGame, "")
	expectEvent(t, c, EventGameStarted)
	expectEvent(t, c, EventHostExplanationStarted)
	expectEvent(t, c, EventHostMessage)
	expectEvent(t, c, EventHostMessage)
	expectEvent(t, c, EventHostExplanationFinished)

	send(c, EventGetRoomInfo, "")
	info = expectEvent(t, c, EventRoomInfo).(RoomInfo)
	assert.Equal(t, types.PhaseActive, info.Phase)
}

func Test_leaveRoom(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo(t))
	alice := newTestClient(t, cs, "c1")
	bob := newTestClient(t, cs, "c2")
	joinAs(t, alice, "Alice", "AB12")
	joinAs(t, bob, "Bob", "AB12")
	expectEvent(t, alice, EventRoomUsersUpdated)

	send(bob, EventLeaveRoom, "")
	left := expectEvent(t, bob, EventRoomLeft).(RoomLeft)
	assert.Equal(t, "AB12", left.RoomCode)
	expectNoMessage(t, bob)

	update := expectEvent(t, alice, EventRoomUsersUpdated).(RoomUsersUpdated)
	assert.Equal(t, 1, update.TotalUsers)
	assert.Equal(t, []string{"Alice"}, userNames(update.Users))

	send(bob, EventLeaveRoom, "")
	expectError(t, bob, "User not in any room")

	joinAs(t, bob, "Bob", "CD34")
}

func Test_deleteRoom(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo(t))
	alice := newTestClient(t, cs, "c1")
	bob := newTestClient(t, cs, "c2")
	outsider := newTestClient(t, cs, "c3")

	send(alice, EventCreateRoom, `{"roomCode":"AB12"}`)
	expectEvent(t, alice, EventRoomCreated)
	joinAs(t, alice, "Alice", "AB12")
	joinAs(t, bob, "Bob", "AB12")
	expectEvent(t, alice, EventRoomUsersUpdated)
	send(alice, EventSendMessage, `{"content":"hello"}`)
	expectEvent(t, alice, EventNewMessage)
	expectEvent(t, bob, EventNewMessage)

	send(outsider, EventDeleteRoom, `{"roomCode":"AB12"}`)
	expectNoMessage(t, outsider)

	for _, c := range []*Client{alice, bob} {
		deleted := expectEvent(t, c, EventRoomDeleted).(RoomDeleted)
		assert.Equal(t, "AB12", deleted.RoomCode)
		expectNoMessage(t, c)

		send(c, EventSendMessage, `{"content":"still here?"}`)
		expectError(t, c, "User not in any room")
	}

	ctx := context.Background()
	users, err := cs.repo.ListUsers(ctx, "AB12")
	require.NoError(t, err)
	assert.Empty(t, users)
	messages, err := cs.repo.ListMessages(ctx, "AB12", 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	// connections stay usable
	send(alice, EventCreateRoom, `{"roomCode":"AB12"}`)
	expectEvent(t, alice, EventRoomCreated)
	joinAs(t, alice, "Alice", "AB12")
}

func Test_deleteRoom_hostScriptDoesNotOutliveRoom(t *testing.T) {
	opts := testOptions
	opts.Host = AnnouncerOptions{
		StartDelay: 10 * time.Millisecond,
		Interval:   100 * time.Millisecond,
	}
	cs := newTestChatServerWith(t, newMemoryRepo(t), opts)
	alice := newTestClient(t, cs, "c1")

	send(alice, EventCreateRoom, `{"roomCode":"AB12"}`)
	expectEvent(t, alice, EventRoomCreated)
	joinAs(t, alice, "Alice", "AB12")

	send(alice, EventStartGame, "")
	expectEvent(t, alice, EventGameStarted)
	expectEvent(t, alice, EventHostExplanationStarted)
	expectEvent(t, alice, EventHostMessage)
	staleGen := cs.lifecycle.Generation("AB12")

	send(alice, EventDeleteRoom, `{"roomCode":"AB12"}`)
	expectEvent(t, alice, EventRoomDeleted)

	send(alice, EventCreateRoom, `{"roomCode":"AB12"}`)
	expectEvent(t, alice, EventRoomCreated)
	joinAs(t, alice, "Alice", "AB12")

	// the rest of the old script would have arrived by now
	time.Sleep(2 * opts.Host.Interval)
	expectNoMessage(t, alice)

	cs.emit("AB12", staleGen, hostMessage("late"))
	expectNoMessage(t, alice)

	send(alice, EventStartGame, "")
	expectEvent(t, alice, EventGameStarted)
	expectEvent(t, alice, EventHostExplanationStarted)
	expectEvent(t, alice, EventHostMessage)
	expectEvent(t, alice, EventHostMessage)
	expectEvent(t, alice, EventHostExplanationFinished)
}

func Test_unloadRoom_forgetsPhase(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo(t))
	alice := newTestClient(t, cs, "c1")

	joinAs(t, alice, "Alice", "AB12")
	send(alice, EventStartGame, "")
	expectEvent(t, alice, EventGameStarted)
	expectEvent(t, alice, EventHostExplanationStarted)
	expectEvent(t, alice, EventHostMessage)
	expectEvent(t, alice, EventHostMessage)
	expectEvent(t, alice, EventHostExplanationFinished)
	assert.Equal(t, types.PhaseActive, cs.RoomPhase("AB12"))

	cs.disconnect(alice)
	require.Eventually(t, func() bool { return cs.activeRooms() == 0 }, testTimeout, pollInterval)

	assert.Equal(t, types.PhaseLobby, cs.RoomPhase("AB12"))
	cs.lifecycle.mu.Lock()
	_, tracked := cs.lifecycle.phases["AB12"]
	cs.lifecycle.mu.Unlock()
	assert.False(t, tracked, "expected an unloaded room to drop its phase")
}
