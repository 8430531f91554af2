package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type countingMetrics struct {
	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func (m *countingMetrics) EventPublished(Kind) { m.published.Add(1) }
func (m *countingMetrics) PublishFailed(Kind)  { m.failed.Add(1) }
func (m *countingMetrics) EventDropped(Kind)   { m.dropped.Add(1) }

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDispatchCoversEveryKind(t *testing.T) {
	var got []Kind
	h := HandlerFunc(func(e Event) { got = append(got, e.Kind) })
	for _, kind := range Kinds {
		assert.True(t, Dispatch(h, Event{Channel: "c", Kind: kind}), kind)
	}
	assert.Equal(t, Kinds, got)
	assert.Len(t, Kinds, 14)

	assert.False(t, Dispatch(h, Event{Channel: "c", Kind: "telemetry"}))
	assert.Len(t, got, 14)
	assert.False(t, Dispatch(nil, Event{Channel: "c", Kind: KindEnd}))
}

func TestKindTerminal(t *testing.T) {
	for _, kind := range Kinds {
		want := kind == KindEnd || kind == KindAbort || kind == KindError
		assert.Equal(t, want, kind.Terminal(), kind)
	}
}

func TestNewEventRejectsInvalidInput(t *testing.T) {
	_, err := NewEvent("", KindToken, "x")
	assert.Error(t, err)
	_, err = NewEvent("chat", Kind("bogus"), "x")
	assert.Error(t, err)

	ev, err := NewEvent("chat", KindToken, "hi")
	require.NoError(t, err)
	var text string
	require.NoError(t, ev.Decode(&text))
	assert.Equal(t, "hi", text)
}

func TestRedisBusPublishWithoutSubscriberIsDropped(t *testing.T) {
	_, client := newRedisClient(t)
	metrics := &countingMetrics{}
	bus, err := NewRedisBus(client, nil, WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	bus.Publish(context.Background(), "chat-1", KindToken, "hello")
	assert.EqualValues(t, 1, metrics.published.Load())
	assert.EqualValues(t, 0, metrics.failed.Load())
}

func TestRedisBusPreservesOrderPerChannel(t *testing.T) {
	_, client := newRedisClient(t)
	rec := &recorder{}
	sub, err := NewRedisBus(client, HandlerFunc(rec.handle))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	pub, err := NewRedisBus(client, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sub.Subscribe(ctx, "chat-1"))
	require.NoError(t, sub.Subscribe(ctx, "chat-1"))
	assert.True(t, sub.Subscribed("chat-1"))

	const n = 50
	for i := 0; i < n; i++ {
		pub.Publish(ctx, "chat-1", KindToken, i)
	}
	pub.Publish(ctx, "chat-2", KindToken, "other")
	pub.Publish(ctx, "chat-1", KindEnd, DoneMarker)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == n+1 }, 2*time.Second, 10*time.Millisecond)
	events := rec.snapshot()
	for i := 0; i < n; i++ {
		var got int
		require.NoError(t, events[i].Decode(&got))
		assert.Equal(t, i, got)
		assert.Equal(t, "chat-1", events[i].Channel)
	}
	assert.Equal(t, KindEnd, events[n].Kind)
}

func TestRedisBusUnsubscribeStopsDelivery(t *testing.T) {
	_, client := newRedisClient(t)
	rec := &recorder{}
	bus, err := NewRedisBus(client, HandlerFunc(rec.handle))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	require.NoError(t, bus.Subscribe(ctx, "a"))
	require.NoError(t, bus.Subscribe(ctx, "b"))
	require.NoError(t, bus.Unsubscribe(ctx, "a"))
	require.NoError(t, bus.Unsubscribe(ctx, "a"))

	bus.Publish(ctx, "a", KindToken, "lost")
	bus.Publish(ctx, "b", KindToken, "kept")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Channel)
}

func TestRedisBusSkipsMalformedAndUnknownEvents(t *testing.T) {
	_, client := newRedisClient(t)
	rec := &recorder{}
	bus, err := NewRedisBus(client, HandlerFunc(rec.handle), WithChannelPrefix("t:ev"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()
	require.NoError(t, bus.Subscribe(ctx, "chat"))

	require.NoError(t, client.Publish(ctx, "t:ev:chat", "not json").Err())
	require.NoError(t, client.Publish(ctx, "t:ev:chat", `{"eventType":"telemetry","data":1}`).Err())
	require.NoError(t, client.Publish(ctx, "t:ev:chat", `{"eventType":"end","data":"[DONE]"}`).Err())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := rec.snapshot()[0]
	assert.Equal(t, KindEnd, ev.Kind)
	assert.Equal(t, "chat", ev.Channel)
}

func TestLocalBusDeliversOnlySubscribedChannels(t *testing.T) {
	rec := &recorder{}
	bus := NewLocalBus(HandlerFunc(rec.handle), nil, nil)
	ctx := context.Background()

	bus.Publish(ctx, "chat", KindToken, "early")
	require.NoError(t, bus.Subscribe(ctx, "chat"))
	emitter := NewEmitter(bus, "chat")
	emitter.Start(ctx)
	emitter.Token(ctx, "hi")
	emitter.End(ctx)
	require.NoError(t, bus.Unsubscribe(ctx, "chat"))
	emitter.Token(ctx, "late")

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, []Kind{KindStart, KindToken, KindEnd}, []Kind{events[0].Kind, events[1].Kind, events[2].Kind})
}

func TestWriteSSEFrame(t *testing.T) {
	ev, err := NewEvent("chat", KindToken, "hello")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, ev))
	assert.Equal(t, "event: token\ndata: {\"event\":\"token\",\"data\":\"hello\"}\n\n", buf.String())
}

func TestHubServeStopsAtTerminalEvent(t *testing.T) {
	hub := NewHub(nil, 8, nil)
	client := hub.Register("chat")
	other := hub.Register("other")
	assert.Equal(t, 1, hub.Clients("chat"))

	ctx := context.Background()
	bus := NewLocalBus(hub, nil, nil)
	require.NoError(t, bus.Subscribe(ctx, "chat"))
	emitter := NewEmitter(bus, "chat")
	emitter.Start(ctx)
	emitter.Token(ctx, "a")
	emitter.End(ctx)
	emitter.Token(ctx, "after")

	rec := httptest.NewRecorder()
	kind, err := client.Serve(ctx, rec, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, KindEnd, kind)

	body := rec.Body.String()
	assert.Equal(t, 3, strings.Count(body, "event: "))
	assert.Contains(t, body, "event: start\n")
	assert.Contains(t, body, `"data":"[DONE]"`)
	assert.NotContains(t, body, "after")
	assert.Empty(t, other.Events())

	assert.True(t, hub.Unregister(other))
	assert.Equal(t, 1, hub.Clients("chat"))
	assert.True(t, hub.Unregister(client))
}

func TestHubServeUsesFallbackWhenBusIsSilent(t *testing.T) {
	hub := NewHub(nil, 8, nil)
	client := hub.Register("chat")
	fallback := make(chan Event, 1)
	ev, err := NewEvent("chat", KindError, "worker crashed")
	require.NoError(t, err)
	fallback <- ev

	rec := httptest.NewRecorder()
	kind, err := client.Serve(context.Background(), rec, rec, fallback)
	require.NoError(t, err)
	assert.Equal(t, KindError, kind)

	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	line := strings.Split(rec.Body.String(), "\n")[1]
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
	assert.Equal(t, "error", f.Event)
	assert.JSONEq(t, `"worker crashed"`, string(f.Data))
}

// gatedSubscriber holds Unsubscribe until release is closed.
type gatedSubscriber struct {
	Subscriber
	unsubscribing chan struct{}
	release       chan struct{}
}

func (g *gatedSubscriber) Unsubscribe(ctx context.Context, channel string) error {
	close(g.unsubscribing)
	<-g.release
	return g.Subscriber.Unsubscribe(ctx, channel)
}

func TestHubAttachWaitsForLastDetach(t *testing.T) {
	hub := NewHub(nil, 8, nil)
	bus := NewLocalBus(hub, nil, nil)
	sub := &gatedSubscriber{Subscriber: bus, unsubscribing: make(chan struct{}), release: make(chan struct{})}
	ctx := context.Background()

	first, err := hub.Attach(ctx, sub, "chat")
	require.NoError(t, err)

	detached := make(chan error, 1)
	go func() { detached <- hub.Detach(ctx, sub, first) }()
	<-sub.unsubscribing

	attached := make(chan *Client, 1)
	go func() {
		c, err := hub.Attach(ctx, sub, "chat")
		assert.NoError(t, err)
		attached <- c
	}()
	select {
	case <-attached:
		t.Fatal("attach finished while the last detach was still unsubscribing")
	case <-time.After(50 * time.Millisecond):
	}

	close(sub.release)
	require.NoError(t, <-detached)
	var second *Client
	select {
	case second = <-attached:
	case <-time.After(time.Second):
		t.Fatal("attach did not finish")
	}
	require.NotNil(t, second)

	emitter := NewEmitter(bus, "chat")
	emitter.Token(ctx, "hi")
	emitter.End(ctx)

	rec := httptest.NewRecorder()
	serveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	kind, err := second.Serve(serveCtx, rec, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, KindEnd, kind)
	assert.Contains(t, rec.Body.String(), "event: token\n")
}

func TestHubDetachKeepsSubscriptionForRemainingClients(t *testing.T) {
	hub := NewHub(nil, 8, nil)
	bus := NewLocalBus(hub, nil, nil)
	ctx := context.Background()

	a, err := hub.Attach(ctx, bus, "chat")
	require.NoError(t, err)
	b, err := hub.Attach(ctx, bus, "chat")
	require.NoError(t, err)
	require.NoError(t, hub.Detach(ctx, bus, a))

	bus.Publish(ctx, "chat", KindToken, "still here")
	select {
	case e := <-b.Events():
		assert.Equal(t, KindToken, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("remaining client lost its subscription")
	}

	require.NoError(t, hub.Detach(ctx, bus, b))
	assert.Zero(t, hub.Clients("chat"))
	bus.Publish(ctx, "chat", KindToken, "nobody")
	assert.Empty(t, b.Events())
}

func TestHubSlowClientDoesNotBlockForwarding(t *testing.T) {
	metrics := &countingMetrics{}
	hub := NewHub(nil, 1, metrics)
	slow := hub.Register("chat")

	first, err := NewEvent("chat", KindToken, "a")
	require.NoError(t, err)
	second, err := NewEvent("chat", KindToken, "b")
	require.NoError(t, err)
	end, err := NewEvent("chat", KindEnd, DoneMarker)
	require.NoError(t, err)

	start := time.Now()
	hub.OnToken(first)
	hub.OnToken(second)
	hub.OnEnd(end)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 1, metrics.dropped.Load())

	assert.Equal(t, first, <-slow.Events())
	select {
	case e := <-slow.Events():
		assert.Equal(t, KindEnd, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("terminal event was not delivered once the client caught up")
	}
	assert.EqualValues(t, 1, metrics.dropped.Load())
}

func TestHubCountsTerminalDroppedForStalledClient(t *testing.T) {
	metrics := &countingMetrics{}
	hub := NewHub(nil, 1, metrics)
	hub.Register("chat")

	token, err := NewEvent("chat", KindToken, "a")
	require.NoError(t, err)
	end, err := NewEvent("chat", KindEnd, DoneMarker)
	require.NoError(t, err)
	hub.OnToken(token)
	hub.OnEnd(end)

	require.Eventually(t, func() bool { return metrics.dropped.Load() == 1 },
		terminalSendTimeout+time.Second, 20*time.Millisecond)
}
