package observe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiSink_DeliversToAll(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(name string) Sink {
		return SinkFunc(func(_ context.Context, e Event) error {
			mu.Lock()
			got = append(got, name+":"+e.Name)
			mu.Unlock()
			return nil
		})
	}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("down") })

	sink := NewMultiSink(record("a"), nil, failing, record("b"))
	err := sink.Emit(context.Background(), Event{Name: "job.started"})
	assert.EqualError(t, err, "down")
	assert.Equal(t, []string{"a:job.started", "b:job.started"}, got)

	assert.IsType(t, NoopSink{}, NewMultiSink())
	only := record("x")
	assert.NotNil(t, NewMultiSink(nil, only))
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	count := 0
	s := NewAsyncSink(SinkFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		assert.Equal(t, KindCustom, e.Kind)
		return nil
	}), 64)
	for range 10 {
		require.NoError(t, s.Emit(context.Background(), Event{}))
	}
	s.Close()
	assert.Equal(t, 10, count)
	assert.Zero(t, s.Dropped())
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	s := NewAsyncSink(SinkFunc(func(context.Context, Event) error {
		<-block
		return nil
	}), 1)
	for range 5 {
		_ = s.Emit(context.Background(), Event{})
	}
	assert.Positive(t, s.Dropped())
	close(block)
	s.Close()
}

func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Emit(context.Background(), Event{Name: "job.completed", Kind: KindRun, Status: StatusCompleted, JobID: "j1"}))
	require.NoError(t, sink.Emit(context.Background(), Event{Name: "job.failed", Kind: KindRun, Status: StatusFailed, Error: "boom"}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "j1", entries[0].ContextMap()["job_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestFilterSink_SkipsNamedEvents(t *testing.T) {
	var names []string
	next := SinkFunc(func(_ context.Context, e Event) error {
		names = append(names, e.Name)
		return nil
	})
	sink := NewFilterSink(next, SkipNames("worker.heartbeat"))
	for _, name := range []string{"job.started", "worker.heartbeat", "job.completed"} {
		require.NoError(t, sink.Emit(context.Background(), Event{Name: name}))
	}
	assert.Equal(t, []string{"job.started", "job.completed"}, names)

	assert.IsType(t, NoopSink{}, NewFilterSink(nil, SkipNames("x")))
}
