package distributed

import (
	"context"
	"sync/atomic"

	"github.com/PipeOpsHQ/flowexec/stream"
)

// trackingPublisher remembers whether a terminal event went out so the worker
// can close the stream itself when the consumer did not.
type trackingPublisher struct {
	next     stream.Publisher
	terminal atomic.Bool
}

func newTrackingPublisher(next stream.Publisher) *trackingPublisher {
	return &trackingPublisher{next: next}
}

func (p *trackingPublisher) Publish(ctx context.Context, channel string, kind stream.Kind, data any) {
	if kind.Terminal() {
		p.terminal.Store(true)
	}
	if p.next != nil {
		p.next.Publish(ctx, channel, kind, data)
	}
}

func (p *trackingPublisher) terminated() bool {
	return p.terminal.Load()
}
