package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/campuslink/realtime/internal/stats"
	"github.com/campuslink/realtime/internal/testutil"
	"github.com/campuslink/realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, su *stats.MockStatsUpdater, opts ...Option) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, NewDirectory(), su, opts...)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

// permissiveStats accepts any counter update.
func permissiveStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	return su
}

func newTestClient(t *testing.T, cs *ChatServer, userId, connId string) *Client {
	return &Client{
		id:         connId,
		chatServer: cs,
		user:       types.User{Id: userId},
		send:       make(chan *ServerMessage, 16),
		stop:       make(chan struct{}),
		log:        testutil.TestLogger(t),
		stats:      cs.stats,
	}
}

// drain returns every message queued to c so far.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func rosters(msgs []*ServerMessage) []Roster {
	var out []Roster
	for _, m := range msgs {
		if m.OnlineUsers != nil {
			out = append(out, *m.OnlineUsers)
		}
	}
	return out
}

func newMessages(msgs []*ServerMessage) []types.Message {
	var out []types.Message
	for _, m := range msgs {
		if m.NewMessage != nil {
			out = append(out, *m.NewMessage)
		}
	}
	return out
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", "NumActiveClients").Once()
	su.On("RegisterMetric", "NumOnlineUsers").Once()
	su.On("RegisterMetric", "NumFannedOutMessages").Once()
	su.On("RegisterMetric", "NumDroppedEvents").Once()

	logger := testutil.TestLogger(t)
	dir := NewDirectory()
	cs, err := NewChatServer(logger, dir, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Same(t, dir, cs.directory, "expected injected directory to be used")
	assert.NotNil(t, cs.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, cs.deRegisterChan, "expected deRegisterChan to be initialized")
	assert.NotNil(t, cs.clientMsgChan, "expected clientMsgChan to be initialized")
	assert.NotNil(t, cs.fanOutChan, "expected fanOutChan to be initialized")
	assert.NotNil(t, cs.seenChan, "expected seenChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.Nil(t, cs.mirror, "expected no presence mirror by default")
}

func TestNewChatServer_requiresDirectory(t *testing.T) {
	_, err := NewChatServer(testutil.TestLogger(t), nil, &stats.MockStatsUpdater{})
	assert.Error(t, err)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done) // Signal that shutdown is complete
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// do not close req.done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	t.Run("successful shutdown with no clients", func(t *testing.T) {
		cs := newTestChatServer(t, &stats.MockStatsUpdater{})
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("shutdown stops connected clients", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		go cs.Run()

		c := newTestClient(t, cs, "u1", "c1")
		require.NoError(t, cs.RegisterClient(c))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx))

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped on shutdown")
		}

		assert.ErrorIs(t, cs.RegisterClient(newTestClient(t, cs, "u2", "c2")), ErrServerStopped)
		assert.ErrorIs(t, cs.DeRegisterClient(c), ErrServerStopped)
		assert.ErrorIs(t, cs.FanOut(types.Message{}, "u1", "u2", nil), ErrServerStopped)
	})
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", "NumActiveClients").Once()
	su.On("Decr", "NumActiveClients").Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, su)
	client := newTestClient(t, cs, "u1", "c1")

	cs.addClient(client)
	assert.Len(t, cs.clients, 1, "expected 1 client after adding")
	assert.Contains(t, cs.clients, client, "expected client to be added to clients map")

	assert.True(t, cs.removeClient(client))
	assert.Len(t, cs.clients, 0, "expected 0 client after removing")
	assert.False(t, cs.removeClient(client), "expected second removal to be a no-op")
}

// Registering u1 delivers a roster containing u1 to every session,
// including u1's own.
func TestChatServer_handleRegister_broadcastsRoster(t *testing.T) {
	cs := newTestChatServer(t, permissiveStats())
	c1 := newTestClient(t, cs, "u1", "c1")
	c2 := newTestClient(t, cs, "u2", "c2")

	cs.handleRegister(c2)
	drain(c2)
	cs.handleRegister(c1)

	for _, c := range []*Client{c1, c2} {
		got := rosters(drain(c))
		require.Len(t, got, 1, "expected exactly one roster for %s", c.id)
		assert.Equal(t, Roster{"u1", "u2"}, got[0])
	}
}

func TestChatServer_handleRegister_stats(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", "NumActiveClients").Twice()
	su.On("Incr", "NumOnlineUsers").Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, su)
	cs.handleRegister(newTestClient(t, cs, "u1", "c1"))
	cs.handleRegister(newTestClient(t, cs, "u1", "c2"))
}

func TestChatServer_handleRegister_overwrite(t *testing.T) {
	cs := newTestChatServer(t, permissiveStats())
	first := newTestClient(t, cs, "u1", "c1")
	second := newTestClient(t, cs, "u1", "c2")

	cs.handleRegister(first)
	drain(first)
	cs.handleRegister(second)

	got, ok := cs.directory.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, got, "expected last writer to win")

	assert.Len(t, rosters(drain(first)), 1, "expected overwritten session to still receive the roster")
	assert.Len(t, rosters(drain(second)), 1)

	// The overwritten session disconnecting must not evict the live one.
	cs.handleDeRegister(first)
	assert.Empty(t, drain(second), "expected no roster when the directory did not change")
	assert.Equal(t, []string{"u1"}, cs.OnlineUsers())
}

func TestChatServer_handleRegister_emptyUserId(t *testing.T) {
	cs := newTestChatServer(t, &stats.MockStatsUpdater{})
	c := newTestClient(t, cs, "", "c1")

	cs.handleRegister(c)

	assert.Empty(t, cs.clients, "expected session to be rejected")
	assert.Equal(t, 0, cs.directory.Len())
	select {
	case <-c.stop:
	default:
		t.Error("expected rejected client to be stopped")
	}
}

// Disconnecting u1 removes its entry and broadcasts a roster without it.
func TestChatServer_handleDeRegister(t *testing.T) {
	su := permissiveStats()
	cs := newTestChatServer(t, su)
	c1 := newTestClient(t, cs, "u1", "c1")
	c2 := newTestClient(t, cs, "u2", "c2")
	cs.handleRegister(c1)
	cs.handleRegister(c2)
	drain(c1)
	drain(c2)

	cs.handleDeRegister(c1)

	_, ok := cs.directory.Lookup("u1")
	assert.False(t, ok, "expected u1 to be removed")
	assert.NotContains(t, cs.clients, c1)

	got := rosters(drain(c2))
	require.Len(t, got, 1)
	assert.Equal(t, Roster{"u2"}, got[0])
	assert.Empty(t, drain(c1), "expected disconnected session to receive nothing")

	su.AssertCalled(t, "Decr", "NumOnlineUsers")
	su.AssertCalled(t, "Decr", "NumActiveClients")
}

func TestChatServer_typing(t *testing.T) {
	t.Run("absent recipient is dropped silently", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		c3 := newTestClient(t, cs, "u3", "c3")
		cs.handleRegister(c1)
		cs.handleRegister(c3)
		drain(c1)
		drain(c3)

		assert.NotPanics(t, func() {
			cs.handleClientMessage(&ClientMessage{Typing: &Typing{To: "u2"}, UserId: "u1", client: c1})
		})

		assert.Empty(t, drain(c1), "expected no error response to the sender")
		assert.Empty(t, drain(c3))
	})

	t.Run("present recipient gets exactly one notice", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		c3 := newTestClient(t, cs, "u3", "c3")
		for _, c := range []*Client{c1, c2, c3} {
			cs.handleRegister(c)
		}
		for _, c := range []*Client{c1, c2, c3} {
			drain(c)
		}

		cs.handleClientMessage(&ClientMessage{Typing: &Typing{To: "u2"}, UserId: "u1", client: c1})

		got := drain(c2)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].Typing)
		assert.Equal(t, "u1", got[0].Typing.From)
		assert.Empty(t, drain(c1))
		assert.Empty(t, drain(c3))
	})
}

func TestChatServer_handleFanOut(t *testing.T) {
	m := types.Message{Id: "m1", Sender: "u1", Receiver: "u2", Message: "hi"}

	t.Run("delivers to receiver and echoes to origin", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		drain(c1)
		drain(c2)

		cs.handleFanOut(&fanOutReq{message: m, to: "u2", from: "u1", origin: c1})

		assert.Equal(t, []types.Message{m}, newMessages(drain(c2)))
		assert.Equal(t, []types.Message{m}, newMessages(drain(c1)))
	})

	t.Run("unregistered receiver only gets the echo", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		cs.handleRegister(c1)
		drain(c1)

		assert.NotPanics(t, func() {
			cs.handleFanOut(&fanOutReq{message: m, to: "u2", from: "u1", origin: c1})
		})

		assert.Equal(t, []types.Message{m}, newMessages(drain(c1)))
	})

	t.Run("nil origin falls back to the sender's session", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		drain(c1)
		drain(c2)

		cs.handleFanOut(&fanOutReq{message: m, to: "u2", from: "u1"})

		assert.Len(t, newMessages(drain(c2)), 1)
		assert.Len(t, newMessages(drain(c1)), 1)
	})

	t.Run("fan-out is not idempotent", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		drain(c1)
		drain(c2)

		cs.handleFanOut(&fanOutReq{message: m, to: "u2", from: "u1", origin: c1})
		cs.handleFanOut(&fanOutReq{message: m, to: "u2", from: "u1", origin: c1})

		assert.Equal(t, []types.Message{m, m}, newMessages(drain(c2)), "expected two deliveries")
		assert.Len(t, newMessages(drain(c1)), 2)
	})

	t.Run("counts fanned out messages", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "NumFannedOutMessages").Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, su)
		cs.handleFanOut(&fanOutReq{message: m, to: "u2", from: "u1"})
	})
}

func TestChatServer_sendMessageEvent(t *testing.T) {
	m := types.Message{Id: "m1", Sender: "u1", Receiver: "u2", Message: "hi"}

	t.Run("verified sender is fanned out", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		drain(c1)
		drain(c2)

		cs.handleClientMessage(&ClientMessage{
			SendMessage: &SendMessage{Message: m, To: "u2", From: "u1"},
			UserId:      "u1",
			client:      c1,
		})

		assert.Len(t, newMessages(drain(c2)), 1)
		assert.Len(t, newMessages(drain(c1)), 1)
	})

	t.Run("spoofed sender is dropped", func(t *testing.T) {
		logger, logs := testutil.ObservedLogger()
		cs := newTestChatServer(t, permissiveStats())
		cs.log = logger

		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		drain(c1)
		drain(c2)

		cs.handleClientMessage(&ClientMessage{
			SendMessage: &SendMessage{Message: m, To: "u2", From: "u3"},
			UserId:      "u1",
			client:      c1,
		})

		assert.Empty(t, drain(c2))
		assert.Empty(t, drain(c1))
		assert.Equal(t, 1, logs.FilterMessage("dropping send_message with mismatched sender").Len())
	})

	t.Run("forged message sender is dropped", func(t *testing.T) {
		logger, logs := testutil.ObservedLogger()
		cs := newTestChatServer(t, permissiveStats())
		cs.log = logger

		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		drain(c1)
		drain(c2)

		forged := types.Message{Id: "fake", Sender: "victim", Receiver: "u2", Message: "hi"}
		cs.handleClientMessage(&ClientMessage{
			SendMessage: &SendMessage{Message: forged, To: "u2"},
			UserId:      "u1",
			client:      c1,
		})

		assert.Empty(t, newMessages(drain(c2)), "expected no new_message for the receiver")
		assert.Empty(t, drain(c1))
		assert.Equal(t, 1, logs.FilterMessage("dropping send_message with mismatched sender").Len())
	})

	t.Run("receiver differing from to is dropped", func(t *testing.T) {
		logger, logs := testutil.ObservedLogger()
		cs := newTestChatServer(t, permissiveStats())
		cs.log = logger

		c1 := newTestClient(t, cs, "u1", "c1")
		c2 := newTestClient(t, cs, "u2", "c2")
		c3 := newTestClient(t, cs, "u3", "c3")
		cs.handleRegister(c1)
		cs.handleRegister(c2)
		cs.handleRegister(c3)
		drain(c1)
		drain(c2)
		drain(c3)

		cs.handleClientMessage(&ClientMessage{
			SendMessage: &SendMessage{Message: m, To: "u3", From: "u1"},
			UserId:      "u1",
			client:      c1,
		})

		assert.Empty(t, drain(c3))
		assert.Empty(t, drain(c2))
		assert.Empty(t, drain(c1))
		assert.Equal(t, 1, logs.FilterMessage("dropping send_message with mismatched receiver").Len())
	})
}

func TestChatServer_handleSeen(t *testing.T) {
	upto := Now()

	t.Run("notifies the sender", func(t *testing.T) {
		cs := newTestChatServer(t, permissiveStats())
		sender := newTestClient(t, cs, "u1", "c1")
		cs.handleRegister(sender)
		drain(sender)

		cs.handleSeen(&seenReq{by: "u2", sender: "u1", upto: upto})

		got := drain(sender)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].MessagesSeen)
		assert.Equal(t, "u2", got[0].MessagesSeen.By)
		assert.Equal(t, upto, got[0].MessagesSeen.Upto)
	})

	t.Run("offline sender is dropped silently", func(t *testing.T) {
		cs := newTestChatServer(t, &stats.MockStatsUpdater{})

		assert.NotPanics(t, func() {
			cs.handleSeen(&seenReq{by: "u2", sender: "u1", upto: upto})
		})
	})
}

func TestChatServer_enqueue(t *testing.T) {
	t.Run("fan out is queued", func(t *testing.T) {
		cs := newTestChatServer(t, &stats.MockStatsUpdater{})

		err := cs.FanOut(types.Message{Id: "m1"}, "u2", "u1", nil)
		require.NoError(t, err)

		select {
		case req := <-cs.fanOutChan:
			assert.Equal(t, "m1", req.message.Id)
			assert.Equal(t, "u2", req.to)
			assert.Equal(t, "u1", req.from)
			assert.Nil(t, req.origin)
		default:
			t.Error("expected fan-out request to be queued")
		}
	})

	t.Run("seen is queued", func(t *testing.T) {
		cs := newTestChatServer(t, &stats.MockStatsUpdater{})
		upto := Now()

		require.NoError(t, cs.NotifySeen("u2", "u1", upto))

		select {
		case req := <-cs.seenChan:
			assert.Equal(t, &seenReq{by: "u2", sender: "u1", upto: upto}, req)
		default:
			t.Error("expected seen request to be queued")
		}
	})

	t.Run("full queue", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "NumDroppedEvents").Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, su)
		cs.fanOutChan = make(chan *fanOutReq)

		err := cs.FanOut(types.Message{}, "u2", "u1", nil)
		assert.ErrorIs(t, err, ErrQueueFull)
	})
}

func TestChatServer_Run_FanOut(t *testing.T) {
	cs := newTestChatServer(t, permissiveStats())
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c1 := newTestClient(t, cs, "u1", "c1")
	c2 := newTestClient(t, cs, "u2", "c2")
	require.NoError(t, cs.RegisterClient(c1))
	require.NoError(t, cs.RegisterClient(c2))

	assert.Eventually(t, func() bool {
		return len(cs.OnlineUsers()) == 2
	}, time.Second, 10*time.Millisecond)

	m := types.Message{Id: "m1", Sender: "u1", Receiver: "u2", Message: "hi"}
	require.NoError(t, cs.FanOut(m, "u2", "u1", nil))

	for _, c := range []*Client{c1, c2} {
		deadline := time.After(time.Second)
		for found := false; !found; {
			select {
			case msg := <-c.send:
				found = msg.NewMessage != nil && msg.NewMessage.Id == "m1"
			case <-deadline:
				t.Fatalf("expected new_message on %s", c.id)
			}
		}
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	online  map[string]string
	offline []string
}

func (m *recordingMirror) Online(_ context.Context, userId, connId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userId] = connId
	return nil
}

func (m *recordingMirror) Offline(_ context.Context, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userId)
	m.offline = append(m.offline, userId)
	return nil
}

func (m *recordingMirror) snapshot() (map[string]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	online := make(map[string]string, len(m.online))
	for k, v := range m.online {
		online[k] = v
	}
	return online, append([]string(nil), m.offline...)
}

func TestChatServer_presenceMirror(t *testing.T) {
	mirror := &recordingMirror{online: make(map[string]string)}
	cs := newTestChatServer(t, permissiveStats(), WithPresenceMirror(mirror, 20*time.Millisecond))
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c1 := newTestClient(t, cs, "u1", "c1")
	require.NoError(t, cs.RegisterClient(c1))

	assert.Eventually(t, func() bool {
		online, _ := mirror.snapshot()
		return online["u1"] == "c1"
	}, time.Second, 10*time.Millisecond, "expected u1 to be mirrored online")

	require.NoError(t, cs.DeRegisterClient(c1))

	assert.Eventually(t, func() bool {
		online, offline := mirror.snapshot()
		_, stillOnline := online["u1"]
		return !stillOnline && len(offline) == 1
	}, time.Second, 10*time.Millisecond, "expected u1 to be mirrored offline")
}
