package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/config"
	"companion/internal/models"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    atomic.Int32
	closed   atomic.Bool
	writeErr error
	block    chan struct{} // when set, WriteMessage waits on it
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.block != nil {
		<-c.block
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(c.frames[len(c.frames)-1], &m)
	return m
}

func newTestHub() *Hub {
	return New(config.HubConfig{SendBuffer: 8, PingInterval: time.Hour})
}

func waitFrames(t *testing.T, c *fakeConn, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.types()) >= n }, time.Second, 5*time.Millisecond)
	return c.types()
}

func TestRegisterSendsWelcome(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	id := h.Register(c)

	assert.Equal(t, []string{"welcome"}, waitFrames(t, c, 1))
	data := c.last()["data"].(map[string]any)
	assert.Equal(t, id, data["connectionId"])

	_, subscribed := h.Subscription(id)
	assert.False(t, subscribed)
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	h := newTestHub()
	a, b, idle := &fakeConn{}, &fakeConn{}, &fakeConn{}
	ida := h.Register(a)
	idb := h.Register(b)
	h.Register(idle)

	require.NoError(t, h.Subscribe(ida, "S1"))
	require.NoError(t, h.Subscribe(idb, "S2"))

	h.Publish("S1", models.NewEvent(models.BiometricUpdateData{EntityID: "S1"}))

	assert.Equal(t, []string{"welcome", "biometric_update"}, waitFrames(t, a, 2))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"welcome"}, b.types())
	assert.Equal(t, []string{"welcome"}, idle.types())
}

func TestResubscribeReplacesPrevious(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	id := h.Register(c)

	require.NoError(t, h.Subscribe(id, "S1"))
	require.NoError(t, h.Subscribe(id, "S2"))

	h.Publish("S1", models.NewEvent(models.BiometricUpdateData{EntityID: "S1"}))
	h.Publish("S2", models.NewEvent(models.BiometricUpdateData{EntityID: "S2"}))

	assert.Equal(t, []string{"welcome", "biometric_update"}, waitFrames(t, c, 2))
	assert.Equal(t, "S2", c.last()["data"].(map[string]any)["entityId"])
}

func TestBroadcastReachesEveryone(t *testing.T) {
	h := newTestHub()
	conns := []*fakeConn{{}, {}, {}}
	for i, c := range conns {
		id := h.Register(c)
		if i == 0 {
			require.NoError(t, h.Subscribe(id, "S1"))
		}
	}

	h.Broadcast(models.NewEvent(models.AlertNotificationData{Scope: models.ScopeGlobal}))

	for _, c := range conns {
		assert.Equal(t, []string{"welcome", "alert_notification"}, waitFrames(t, c, 2))
	}
}

func TestFailedWriteDropsOnlyThatConnection(t *testing.T) {
	h := newTestHub()
	good := &fakeConn{}
	bad := &fakeConn{writeErr: errors.New("broken pipe")}

	h.Register(good)
	h.Register(bad)

	require.Eventually(t, func() bool { return bad.closed.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Stats().Connections)

	h.Broadcast(models.NewEvent(models.AlertNotificationData{Scope: models.ScopeGlobal}))
	assert.Equal(t, []string{"welcome", "alert_notification"}, waitFrames(t, good, 2))
}

func TestFullQueueDropsSlowConnection(t *testing.T) {
	h := New(config.HubConfig{SendBuffer: 2, PingInterval: time.Hour})
	slow := &fakeConn{block: make(chan struct{})}
	other := &fakeConn{}
	require.NoError(t, h.Subscribe(h.Register(slow), "S1"))
	require.NoError(t, h.Subscribe(h.Register(other), "S2"))

	for i := 0; i < 5; i++ {
		h.Publish("S1", models.NewEvent(models.BiometricUpdateData{EntityID: "S1"}))
	}

	assert.True(t, slow.closed.Load(), "slow connection should be dropped")
	close(slow.block)

	assert.Equal(t, 1, h.Stats().Connections)
	assert.False(t, other.closed.Load())
}

func TestSweepClosesUnansweredConnections(t *testing.T) {
	h := newTestHub()
	answering := &fakeConn{}
	silent := &fakeConn{}
	ida := h.Register(answering)
	h.Register(silent)

	h.Sweep()
	assert.EqualValues(t, 1, answering.pings.Load())
	assert.EqualValues(t, 1, silent.pings.Load())

	h.Touch(ida)
	h.Sweep()

	assert.True(t, silent.closed.Load())
	assert.False(t, answering.closed.Load())
	assert.EqualValues(t, 2, answering.pings.Load())
	assert.Equal(t, 1, h.Stats().Connections)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	id := h.Register(c)

	h.Deregister(id)
	h.Deregister(id)

	assert.True(t, c.closed.Load())
	assert.Equal(t, 0, h.Stats().Connections)
	assert.ErrorIs(t, h.Subscribe(id, "S1"), ErrUnknownConnection)
}

func TestHandleCommand(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	id := h.Register(c)

	h.HandleCommand(id, []byte(`{"type":"subscribe","payload":{"entityId":"S1"}}`))
	waitFrames(t, c, 2)
	assert.Equal(t, "subscribed", c.last()["type"])
	entity, _ := h.Subscription(id)
	assert.Equal(t, "S1", entity)

	h.HandleCommand(id, []byte(`{"type":"subscribe","payload":{"entityId":42}}`))
	waitFrames(t, c, 3)
	entity, _ = h.Subscription(id)
	assert.Equal(t, "42", entity)

	h.HandleCommand(id, []byte(`{"type":"subscribe","payload":{"studentId":"S9"}}`))
	waitFrames(t, c, 4)
	entity, _ = h.Subscription(id)
	assert.Equal(t, "S9", entity)

	h.HandleCommand(id, []byte(`{"type":"unsubscribe"}`))
	waitFrames(t, c, 5)
	assert.Equal(t, "unsubscribed", c.last()["type"])
	_, subscribed := h.Subscription(id)
	assert.False(t, subscribed)

	h.HandleCommand(id, []byte(`{"type":"dance"}`))
	waitFrames(t, c, 6)
	assert.Equal(t, "error", c.last()["type"])

	h.HandleCommand(id, []byte(`not json`))
	waitFrames(t, c, 7)
	assert.Equal(t, "error", c.last()["type"])

	h.HandleCommand(id, []byte(`{"type":"subscribe","payload":{}}`))
	waitFrames(t, c, 8)
	assert.Equal(t, "error", c.last()["type"])

	assert.False(t, c.closed.Load(), "bad commands must not close the connection")
}

func TestAuthorizerScopesSubscriptions(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	id := h.Register(c, WithAuthorizer(func(entityID string) bool { return entityID == "S1" }))

	assert.ErrorIs(t, h.Subscribe(id, "S2"), ErrForbidden)
	assert.NoError(t, h.Subscribe(id, "S1"))

	h.HandleCommand(id, []byte(`{"type":"subscribe","payload":{"entityId":"S3"}}`))
	waitFrames(t, c, 2)
	assert.Equal(t, "error", c.last()["type"])

	entity, _ := h.Subscription(id)
	assert.Equal(t, "S1", entity)
}

func TestConcurrentPublishAndChurn(t *testing.T) {
	h := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := h.Register(&fakeConn{})
				_ = h.Subscribe(id, "S1")
				h.Deregister(id)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish("S1", models.NewEvent(models.BiometricUpdateData{EntityID: "S1"}))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, h.Stats().Connections)
}
