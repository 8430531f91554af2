package distributed

import "time"

// RuntimePolicy holds the timing knobs shared by coordinators and workers.
// Zero values fall back to the defaults below, except ClaimBlock where zero
// means a non-blocking claim.
type RuntimePolicy struct {
	// PollInterval is the pause between empty non-blocking claims.
	PollInterval time.Duration
	// ClaimBlock is how long one claim waits on the stream for a job.
	ClaimBlock time.Duration
	// HeartbeatInterval paces the worker.heartbeat telemetry event.
	HeartbeatInterval time.Duration
	// AwaitTimeout bounds how long SubmitAndWait blocks for a result.
	AwaitTimeout time.Duration
	// QueueRefresh is how often the coordinator samples queue counts.
	QueueRefresh time.Duration
}

const (
	defaultPollInterval      = 200 * time.Millisecond
	defaultClaimBlock        = 2 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultAwaitTimeout      = 5 * time.Minute
	defaultQueueRefresh      = 10 * time.Second
)

func DefaultRuntimePolicy() RuntimePolicy {
	return RuntimePolicy{
		PollInterval:      defaultPollInterval,
		ClaimBlock:        defaultClaimBlock,
		HeartbeatInterval: defaultHeartbeatInterval,
		AwaitTimeout:      defaultAwaitTimeout,
		QueueRefresh:      defaultQueueRefresh,
	}
}

// NormalizeRuntimePolicy replaces unset or invalid durations with defaults.
func NormalizeRuntimePolicy(p RuntimePolicy) RuntimePolicy {
	orDefault(&p.PollInterval, defaultPollInterval)
	orDefault(&p.HeartbeatInterval, defaultHeartbeatInterval)
	orDefault(&p.AwaitTimeout, defaultAwaitTimeout)
	orDefault(&p.QueueRefresh, defaultQueueRefresh)
	p.ClaimBlock = max(p.ClaimBlock, 0)
	return p
}

func orDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
