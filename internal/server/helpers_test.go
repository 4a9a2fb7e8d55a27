package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/lobbyd/internal/repository"
	"github.com/npezzotti/lobbyd/internal/stats"
	"github.com/npezzotti/lobbyd/internal/store"
	"github.com/npezzotti/lobbyd/internal/testutil"
	"github.com/stretchr/testify/mock"
)

func newMockStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	return su
}

func newMemoryRepo(t *testing.T) *repository.RoomRepository {
	return repository.NewRoomRepository(store.NewMemoryStore(), testutil.TestLogger(t), repository.Options{})
}

const (
	testTimeout  = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

var testOptions = Options{
	IdleTimeout: 50 * time.Millisecond,
	Host: AnnouncerOptions{
		StartDelay: 10 * time.Millisecond,
		Interval:   20 * time.Millisecond,
	},
}

// newTestChatServer starts a ChatServer that is shut down when the test ends.
func newTestChatServer(t *testing.T, repo repository.Repository) *ChatServer {
	t.Helper()
	return newTestChatServerWith(t, repo, testOptions)
}

func newTestChatServerWith(t *testing.T, repo repository.Repository, opts Options) *ChatServer {
	t.Helper()

	cs := NewChatServer(testutil.TestLogger(t), repo, newMockStats(), opts)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})
	return cs
}

// newTestClient returns a client without a websocket; handlers only touch
// its id and send queue.
func newTestClient(t *testing.T, cs *ChatServer, id string) *Client {
	return &Client{
		id:         id,
		chatServer: cs,
		log:        testutil.TestLogger(t),
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

func send(c *Client, event string, data string) {
	msg := &ClientMessage{Event: event, client: c}
	if data != "" {
		msg.Data = []byte(data)
	}
	c.chatServer.handle(msg)
}

func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message on %s", c.id)
		return nil
	}
}

func expectEvent(t *testing.T, c *Client, event string) any {
	t.Helper()
	msg := nextMessage(t, c)
	if msg.Event != event {
		t.Fatalf("expected %q on %s, got %q: %+v", event, c.id, msg.Event, msg.Data)
	}
	return msg.Data
}

func expectError(t *testing.T, c *Client, text string) {
	t.Helper()
	data := expectEvent(t, c, EventError)
	if e, ok := data.(Error); !ok || e.Message != text {
		t.Fatalf("expected error %q on %s, got %+v", text, c.id, data)
	}
}

func expectNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no message on %s, got %q: %+v", c.id, msg.Event, msg.Data)
	case <-time.After(20 * time.Millisecond):
	}
}
