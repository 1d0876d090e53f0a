package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Handler executes one step kind. A handler must re-read its target entity's
// state first and exit without side effects when the state is not the one it
// expects; that fence is what makes duplicate deliveries harmless. Returned
// errors are treated as transient and retried with backoff.
type Handler func(ctx context.Context, step Step) error

// ExhaustedFunc is invoked when a step has used up its retry budget.
type ExhaustedFunc func(ctx context.Context, step Step, err error)

// Scheduler is a durable delayed task dispatcher backed by a Redis sorted set.
// Due steps are claimed with a ZREM race so only one worker runs each step,
// and the claim parks the step in a processing set under a lease: a worker
// that dies mid-execution never loses the step, the expired lease puts it
// back in the queue. The per-game advisory lock serializes execution against
// answer submissions.
type Scheduler struct {
	client      *redis.Client
	locker      Locker
	retry       RetryPolicy
	poll        time.Duration
	lease       time.Duration
	workers     int
	log         *slog.Logger
	clock       func() time.Time
	handlers    map[string]Handler
	onExhausted ExhaustedFunc
}

type Option func(*Scheduler)

func WithClock(clock func() time.Time) Option { return func(s *Scheduler) { s.clock = clock } }

func WithWorkers(n int) Option { return func(s *Scheduler) { s.workers = n } }

func WithPollInterval(d time.Duration) Option { return func(s *Scheduler) { s.poll = d } }

func WithOnExhausted(fn ExhaustedFunc) Option { return func(s *Scheduler) { s.onExhausted = fn } }

// WithLease sets how long a claimed step may run before another worker may
// reclaim it. Must exceed the slowest handler plus its lock wait.
func WithLease(d time.Duration) Option { return func(s *Scheduler) { s.lease = d } }

func New(client *redis.Client, locker Locker, retry RetryPolicy, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:   client,
		locker:   locker,
		retry:    retry,
		poll:     250 * time.Millisecond,
		lease:    30 * time.Second,
		workers:  8,
		log:      log,
		clock:    time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	dueKey        = "sched:due"
	stepsKey      = "sched:steps"
	processingKey = "sched:processing"
)

// Handle registers the handler for a step kind. Not safe to call after Run.
func (s *Scheduler) Handle(kind string, h Handler) {
	s.handlers[kind] = h
}

// Schedule enqueues a step; it returns immediately and never blocks on
// execution. Scheduling a step with an ID already in the queue replaces it,
// which is how the periodic pool check re-arms itself without piling up.
func (s *Scheduler) Schedule(ctx context.Context, step Step) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stepsKey, step.ID, payload)
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(step.NotBefore.UnixMilli()), Member: step.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue step %s: %w", step.Kind, err)
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				step, ok, err := s.claim(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.log.Error("scheduler claim failed", "err", err)
				}
				if ok {
					s.execute(ctx, step)
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.poll):
				}
			}
		})
	}
	return g.Wait()
}

// DrainOnce claims and executes all currently due steps on the calling
// goroutine. Tests use it together with a fake clock to step through a game
// without real waiting.
func (s *Scheduler) DrainOnce(ctx context.Context) (int, error) {
	n := 0
	for {
		step, ok, err := s.claim(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		s.execute(ctx, step)
		n++
	}
}

// ackScript settles a finished step: out of the processing set, and out of
// the payload hash unless the same ID was re-scheduled while the handler ran
// (the periodic pool check re-arms itself that way).
var ackScript = redis.NewScript(`
redis.call("zrem", KEYS[1], ARGV[1])
if redis.call("zscore", KEYS[2], ARGV[1]) then
	return 0
end
redis.call("hdel", KEYS[3], ARGV[1])
return 1
`)

// claim pops one due step. The ZREM result decides the race between
// concurrent workers: only the caller that removed the member runs the step.
// The winner parks the step in the processing set until it acks or requeues,
// so a crash mid-execution leaves the step recoverable by reapExpired.
func (s *Scheduler) claim(ctx context.Context) (Step, bool, error) {
	now := s.clock()
	if err := s.reapExpired(ctx, now); err != nil {
		return Step{}, false, err
	}
	ids, err := s.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 8,
	}).Result()
	if err != nil {
		return Step{}, false, err
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, dueKey, id).Result()
		if err != nil {
			return Step{}, false, err
		}
		if removed == 0 {
			continue // another worker won this one
		}
		expiry := float64(now.Add(s.lease).UnixMilli())
		if err := s.client.ZAdd(ctx, processingKey, redis.Z{Score: expiry, Member: id}).Err(); err != nil {
			return Step{}, false, err
		}
		raw, err := s.client.HGet(ctx, stepsKey, id).Result()
		if err == redis.Nil {
			_ = s.client.ZRem(ctx, processingKey, id).Err()
			continue
		}
		if err != nil {
			return Step{}, false, err
		}
		var step Step
		if err := json.Unmarshal([]byte(raw), &step); err != nil {
			s.log.Error("scheduler dropping unreadable step", "id", id, "err", err)
			s.ack(ctx, id)
			continue
		}
		return step, true, nil
	}
	return Step{}, false, nil
}

// reapExpired re-enqueues steps whose lease ran out, which means the claiming
// worker died before acking. The ZREM race picks a single reaper per step.
func (s *Scheduler) reapExpired(ctx context.Context, now time.Time) error {
	ids, err := s.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, processingKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		s.log.Warn("reclaiming step with expired lease", "id", id)
		if err := s.client.ZAdd(ctx, dueKey, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) ack(ctx context.Context, id string) {
	if err := ackScript.Run(ctx, s.client, []string{processingKey, dueKey, stepsKey}, id).Err(); err != nil {
		s.log.Error("scheduler ack failed", "id", id, "err", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, step Step) {
	handler, ok := s.handlers[step.Kind]
	if !ok {
		s.log.Error("no handler for step kind", "kind", step.Kind)
		s.ack(ctx, step.ID)
		return
	}

	unlock, err := s.locker.Acquire(ctx, step.LockKey())
	if err != nil {
		s.requeue(ctx, step, fmt.Errorf("acquire lock: %w", err))
		return
	}
	err = handler(ctx, step)
	unlock()

	if err != nil {
		s.requeue(ctx, step, err)
		return
	}
	s.ack(ctx, step.ID)
}

func (s *Scheduler) requeue(ctx context.Context, step Step, cause error) {
	step.Attempt++
	if s.retry.Exhausted(step.Attempt) {
		s.log.Error("step failed permanently", "step", step.String(), "err", cause)
		s.ack(ctx, step.ID)
		if s.onExhausted != nil {
			s.onExhausted(ctx, step, cause)
		}
		return
	}
	delay := s.retry.Backoff(step.Attempt)
	step.NotBefore = s.clock().Add(delay)
	s.log.Warn("step failed, retrying", "step", step.String(), "backoff", delay, "err", cause)
	// Schedule before dropping the lease: a crash in between leaves the step
	// queued twice at worst, never lost.
	if err := s.Schedule(ctx, step); err != nil {
		s.log.Error("re-enqueue failed", "step", step.String(), "err", err)
		return
	}
	if err := s.client.ZRem(ctx, processingKey, step.ID).Err(); err != nil {
		s.log.Error("scheduler lease release failed", "id", step.ID, "err", err)
	}
}
