// Package inject implements C6: the injection controller that takes a
// message addressed to a PTY-wrapped agent and inserts it as synthetic
// terminal input only once the agent is quiescent (spec §4.6).
package inject

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when a session's injection queue has
// no room left. The caller should NACK the sender immediately rather than
// block — higher-level components are responsible for any retry (spec
// §4.6: "Injection retries are not automatic at this layer").
var ErrQueueFull = errors.New("inject: queue full")

// ErrTimeout is returned when a Job's deadline elapses before the session
// reaches quiescence.
var ErrTimeout = errors.New("inject: deadline exceeded waiting for quiescence")

// queueSize bounds each session's FIFO injection queue, mirroring the
// executor's bounded job channel.
const queueSize = 64

// Target is the subset of ptysup.Session the controller needs: a quiescence
// signal, a way to check current state, and a place to write the formatted
// line. Kept as an interface so the controller can be tested without a real
// PTY child.
type Target interface {
	IsQuiescent() bool
	Subscribe() <-chan bool
	Unsubscribe(<-chan bool)
	Write(p []byte) (int, error)
}

// Processing is implemented by conn.Connection: while an injection wait is
// in flight the agent is marked "processing" so its heartbeat timer is
// exempt from timeout (spec §4.6).
type Processing interface {
	SetProcessing(bool)
}

// Job is one pending injection request.
type Job struct {
	Line       string // fully formatted text, including trailing newline
	DeadlineMS int64
	Result     chan<- error // nil, ErrTimeout, or a write error
}

// SessionQueue is the FIFO injection queue for a single PTY session.
type SessionQueue struct {
	name   string
	target Target
	proc   Processing
	queue  chan Job
	logger *zap.Logger

	nowMS func() int64
}

// NewSessionQueue creates a queue bound to target and starts its worker
// goroutine, which runs until ctx is cancelled.
func NewSessionQueue(ctx context.Context, name string, target Target, proc Processing, logger *zap.Logger, nowMS func() int64) *SessionQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowMS == nil {
		nowMS = func() int64 { return time.Now().UnixMilli() }
	}
	q := &SessionQueue{
		name:   name,
		target: target,
		proc:   proc,
		queue:  make(chan Job, queueSize),
		logger: logger.Named("inject").With(zap.String("session", name)),
		nowMS:  nowMS,
	}
	go q.run(ctx)
	return q
}

// Enqueue adds a job to the session's FIFO queue. Non-blocking: returns
// ErrQueueFull immediately rather than backing up the caller.
func (q *SessionQueue) Enqueue(job Job) error {
	select {
	case q.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// run drains the queue one job at a time, in order (spec §4.6's per-session
// FIFO), waiting for quiescence before each write.
func (q *SessionQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.queue:
			err := q.deliver(ctx, job)
			if job.Result != nil {
				job.Result <- err
			}
		}
	}
}

// deliver waits for quiescence (marking the target "processing" for the
// duration) and then performs the single atomic stdin write.
func (q *SessionQueue) deliver(ctx context.Context, job Job) error {
	if !q.target.IsQuiescent() {
		if err := q.waitQuiescent(ctx, job.DeadlineMS); err != nil {
			q.logger.Info("injection deadline exceeded", zap.Error(err))
			return err
		}
	}

	if _, err := q.target.Write([]byte(job.Line)); err != nil {
		return fmt.Errorf("inject: write: %w", err)
	}
	return nil
}

func (q *SessionQueue) waitQuiescent(ctx context.Context, deadlineMS int64) error {
	if q.proc != nil {
		q.proc.SetProcessing(true)
		defer q.proc.SetProcessing(false)
	}

	edges := q.target.Subscribe()
	defer q.target.Unsubscribe(edges)

	// The subscription may have missed a quiescence edge that landed between
	// IsQuiescent's false result and Subscribe's registration; re-check once
	// subscribed before committing to the wait.
	if q.target.IsQuiescent() {
		return nil
	}

	remaining := time.Duration(deadlineMS-q.nowMS()) * time.Millisecond
	if remaining <= 0 {
		return ErrTimeout
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	for {
		select {
		case quiescent := <-edges:
			if quiescent {
				return nil
			}
			// busy edge — keep waiting for the next quiescent edge or timeout.
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
