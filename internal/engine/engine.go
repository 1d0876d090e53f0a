// Package engine advances games, rounds and questions through time. All state
// transitions go through the store's conditional mutators, so every step
// handler is safe to deliver more than once; the scheduler's per-game lock
// serializes steps against answer submissions.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
	"github.com/SpiritWalker84/trivia-bot/internal/store"
	"github.com/SpiritWalker84/trivia-bot/internal/transport"
)

// Step kinds handled by the engine.
const (
	StepGameStart       = "game.start"
	StepRoundStart      = "round.start"
	StepQuestionDisplay = "question.display"
	StepQuestionClose   = "question.close"
	StepBotAnswer       = "bot.answer"
	StepRoundFinish     = "round.finish"
	StepTieBreak        = "game.tiebreak"
	StepGameFinish      = "game.finish"
)

var stepKinds = []string{
	StepGameStart, StepRoundStart, StepQuestionDisplay, StepQuestionClose,
	StepBotAnswer, StepRoundFinish, StepTieBreak, StepGameFinish,
}

// Queue is the slice of the scheduler the engine needs: non-blocking enqueue.
type Queue interface {
	Schedule(ctx context.Context, step sched.Step) error
}

// ScoreFunc converts a correct answer's latency into points. Wrong answers
// always score zero; implementations must decay monotonically with latency.
type ScoreFunc func(latency, limit time.Duration) int

// DefaultScore awards 100 points minus up to 50 for latency.
func DefaultScore(latency, limit time.Duration) int {
	if limit <= 0 {
		return 100
	}
	if latency > limit {
		latency = limit
	}
	if latency < 0 {
		latency = 0
	}
	return 100 - int(50*latency/limit)
}

// Settings are the engine's timing and sizing knobs.
type Settings struct {
	RoundsPerGame      int
	QuestionsPerRound  int
	QuestionTimeLimit  time.Duration
	TieBreakTimeLimit  time.Duration
	PauseBetweenRounds time.Duration
	// QuestionSpacing is the short gap between a closed question and the next
	// display, keeping the pace brisk without racing the close bookkeeping.
	QuestionSpacing time.Duration
}

type Engine struct {
	store  store.Store
	queue  Queue
	locker sched.Locker
	sender transport.Sender
	log    *slog.Logger

	settings Settings
	score    ScoreFunc
	rating   RatingTable
	bots     BotProfiles

	clock func() time.Time

	// afterRatings runs once per game, after the standings and rating deltas
	// are durably written. The server uses it to drop stale cache entries.
	afterRatings func(ctx context.Context, playerIDs []int64)

	rndMu sync.Mutex
	rnd   *rand.Rand

	sends sync.WaitGroup
}

type Option func(*Engine)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithRand injects a seeded random source for reproducible shuffles and bots.
func WithRand(rnd *rand.Rand) Option { return func(e *Engine) { e.rnd = rnd } }

// WithScoreFunc replaces the scoring policy.
func WithScoreFunc(fn ScoreFunc) Option { return func(e *Engine) { e.score = fn } }

// WithAfterRatings installs a hook invoked after a game's ratings are applied,
// with the IDs of every ranked player.
func WithAfterRatings(fn func(ctx context.Context, playerIDs []int64)) Option {
	return func(e *Engine) { e.afterRatings = fn }
}

func New(st store.Store, queue Queue, locker sched.Locker, sender transport.Sender,
	settings Settings, rating RatingTable, bots BotProfiles, log *slog.Logger, opts ...Option) *Engine {
	if settings.QuestionSpacing <= 0 {
		settings.QuestionSpacing = 2 * time.Second
	}
	e := &Engine{
		store:    st,
		queue:    queue,
		locker:   locker,
		sender:   sender,
		log:      log,
		settings: settings,
		score:    DefaultScore,
		rating:   rating,
		bots:     bots,
		clock:    time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register wires every engine step kind into the scheduler.
func (e *Engine) Register(s *sched.Scheduler) {
	for _, kind := range stepKinds {
		s.Handle(kind, e.Dispatch)
	}
}

// Dispatch routes one claimed step to its handler. The caller holds the
// per-game lock.
func (e *Engine) Dispatch(ctx context.Context, step sched.Step) error {
	switch step.Kind {
	case StepGameStart:
		return e.handleGameStart(ctx, step)
	case StepRoundStart:
		return e.handleRoundStart(ctx, step)
	case StepQuestionDisplay:
		return e.handleQuestionDisplay(ctx, step)
	case StepQuestionClose:
		return e.handleQuestionClose(ctx, step)
	case StepBotAnswer:
		return e.handleBotAnswer(ctx, step)
	case StepRoundFinish:
		return e.handleRoundFinish(ctx, step)
	case StepTieBreak:
		return e.handleTieBreak(ctx, step)
	case StepGameFinish:
		return e.handleGameFinish(ctx, step)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// OnExhausted is installed as the scheduler's retry-exhaustion hook. A game
// whose state machine cannot advance is cancelled rather than left stuck;
// the cancellation turns its remaining queued steps into no-ops.
func (e *Engine) OnExhausted(ctx context.Context, step sched.Step, cause error) {
	if step.Kind == StepBotAnswer || step.GameID == 0 {
		return
	}
	e.log.Error("cancelling game after permanent step failure",
		"game", step.GameID, "step", step.Kind, "err", cause)
	if err := e.CancelGame(ctx, step.GameID); err != nil {
		e.log.Error("cancel after failure", "game", step.GameID, "err", err)
	}
}

// CancelGame marks a game cancelled. All of its pending scheduled steps
// become effective no-ops through the state-check fences; nothing needs to be
// dequeued.
func (e *Engine) CancelGame(ctx context.Context, gameID int64) error {
	err := e.store.UpdateGameStatus(ctx, gameID, domain.GameInProgress, domain.GameCancelled)
	if err == domain.ErrSequenceViolation {
		err = e.store.UpdateGameStatus(ctx, gameID, domain.GameForming, domain.GameCancelled)
	}
	if err == domain.ErrSequenceViolation {
		return nil // already finished or cancelled
	}
	return err
}

// Flush waits for in-flight message deliveries. Used by tests and shutdown.
func (e *Engine) Flush() { e.sends.Wait() }

// sequenceError logs a protocol violation with the marker the log tooling
// greps for, and converts it into a handler no-op.
func (e *Engine) sequenceError(step sched.Step, detail string) error {
	e.log.Error("SEQUENCE ERROR: "+detail,
		"step", step.Kind, "game", step.GameID, "round", step.RoundID, "rq", step.RoundQuestionID)
	return nil
}

func (e *Engine) schedule(ctx context.Context, step sched.Step) error {
	if err := e.queue.Schedule(ctx, step); err != nil {
		return fmt.Errorf("schedule %s: %w", step.Kind, err)
	}
	return nil
}

func (e *Engine) randFloat() float64 {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.rnd.Float64()
}

func (e *Engine) randIntn(n int) int {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.rnd.Intn(n)
}

func (e *Engine) randPerm(n int) []int {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.rnd.Perm(n)
}
