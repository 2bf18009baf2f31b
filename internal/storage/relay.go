package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRelayQueueSize bounds the number of pending durable writes.
const DefaultRelayQueueSize = 1024

// DefaultRelayMaxTries bounds retries per record before loss is logged.
const DefaultRelayMaxTries = 8

// RelayOptions configures a Relay.
type RelayOptions struct {
	QueueSize int
	MaxTries  uint
	// InitialInterval seeds the exponential backoff. Defaults to 500ms;
	// tests shrink it.
	InitialInterval time.Duration
	Logger          *slog.Logger
}

type relayJob struct {
	delta   *DeltaRecord
	segment *SegmentRecord
}

// Relay writes deltas and transcript segments to the durable store off the
// live path. Writes retry with exponential backoff until acknowledged;
// records that exhaust the retry budget or overflow the queue are dropped
// with an explicit loss log, never blocking live delivery.
type Relay struct {
	deltas   DeltaSink
	segments TranscriptSink
	queue    chan relayJob
	maxTries uint
	interval time.Duration
	logger   *slog.Logger
}

// NewRelay creates a Relay in front of the given sinks.
func NewRelay(deltas DeltaSink, segments TranscriptSink, opts RelayOptions) *Relay {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultRelayQueueSize
	}
	maxTries := opts.MaxTries
	if maxTries == 0 {
		maxTries = DefaultRelayMaxTries
	}
	interval := opts.InitialInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		deltas:   deltas,
		segments: segments,
		queue:    make(chan relayJob, queueSize),
		maxTries: maxTries,
		interval: interval,
		logger:   logger,
	}
}

// EnqueueDelta queues one delta for durable write. A full queue drops the
// record and logs the loss.
func (r *Relay) EnqueueDelta(record DeltaRecord) {
	select {
	case r.queue <- relayJob{delta: &record}:
	default:
		r.logger.Error("durable write queue full, delta lost",
			"session_id", record.SessionID,
			"version", record.ToVersion)
	}
}

// EnqueueSegment queues one finalized transcript segment for durable write.
func (r *Relay) EnqueueSegment(record SegmentRecord) {
	select {
	case r.queue <- relayJob{segment: &record}:
	default:
		r.logger.Error("durable write queue full, segment lost",
			"session_id", record.SessionID,
			"segment_id", record.ID)
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever is
// already queued.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case job := <-r.queue:
			r.write(ctx, job)
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		}
	}
}

func (r *Relay) flush() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case job := <-r.queue:
			r.write(flushCtx, job)
		default:
			return
		}
	}
}

func (r *Relay) write(ctx context.Context, job relayJob) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.interval

	operation := func() (struct{}, error) {
		switch {
		case job.delta != nil:
			return struct{}{}, r.deltas.AppendDelta(ctx, *job.delta)
		case job.segment != nil:
			return struct{}{}, r.segments.AppendSegment(ctx, *job.segment)
		default:
			return struct{}{}, nil
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.maxTries))
	if err == nil {
		return
	}

	switch {
	case job.delta != nil:
		r.logger.Error("durable delta write failed, record lost",
			"session_id", job.delta.SessionID,
			"version", job.delta.ToVersion,
			"error", err)
	case job.segment != nil:
		r.logger.Error("durable segment write failed, record lost",
			"session_id", job.segment.SessionID,
			"segment_id", job.segment.ID,
			"error", err)
	}
}
