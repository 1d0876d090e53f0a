package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
	"github.com/SpiritWalker84/trivia-bot/internal/store"
	"github.com/SpiritWalker84/trivia-bot/internal/store/memory"
	"github.com/SpiritWalker84/trivia-bot/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// fakeQueue collects scheduled steps in memory with the same replace-by-ID
// semantics the Redis queue has.
type fakeQueue struct {
	mu    sync.Mutex
	steps []sched.Step
	seq   int
	order map[string]int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{order: make(map[string]int)}
}

func (q *fakeQueue) Schedule(_ context.Context, step sched.Step) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.steps {
		if s.ID == step.ID {
			q.steps[i] = step
			return nil
		}
	}
	q.seq++
	q.order[step.ID] = q.seq
	q.steps = append(q.steps, step)
	return nil
}

// pop removes the earliest pending step, advancing the clock to its due time.
func (q *fakeQueue) pop(clock *fakeClock) (sched.Step, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steps) == 0 {
		return sched.Step{}, false
	}
	sort.SliceStable(q.steps, func(i, j int) bool {
		if !q.steps[i].NotBefore.Equal(q.steps[j].NotBefore) {
			return q.steps[i].NotBefore.Before(q.steps[j].NotBefore)
		}
		return q.order[q.steps[i].ID] < q.order[q.steps[j].ID]
	})
	step := q.steps[0]
	q.steps = q.steps[1:]
	clock.Set(step.NotBefore)
	return step, true
}

func (q *fakeQueue) pending(kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.steps {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type captureSender struct {
	mu    sync.Mutex
	sends map[int64][]string
}

func newCaptureSender() *captureSender {
	return &captureSender{sends: make(map[int64][]string)}
}

func (s *captureSender) Send(_ context.Context, playerID int64, text string) (transport.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[playerID] = append(s.sends[playerID], text)
	return transport.MessageID(fmt.Sprintf("msg-%d-%d", playerID, len(s.sends[playerID]))), nil
}

func (s *captureSender) count(playerID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends[playerID])
}

type harness struct {
	store  *memory.Store
	clock  *fakeClock
	queue  *fakeQueue
	sender *captureSender
	eng    *Engine
}

func newHarness(t *testing.T, settings Settings, bots BotProfiles, seed int64) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		clock:  newFakeClock(),
		queue:  newFakeQueue(),
		sender: newCaptureSender(),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.eng = New(h.store, h.queue, sched.NopLocker{}, h.sender, settings, DefaultRating, bots, log,
		WithClock(h.clock.Now), WithRand(rand.New(rand.NewSource(seed))))
	return h
}

func smallSettings() Settings {
	return Settings{
		RoundsPerGame:      2,
		QuestionsPerRound:  2,
		QuestionTimeLimit:  10 * time.Second,
		TieBreakTimeLimit:  5 * time.Second,
		PauseBetweenRounds: time.Minute,
		QuestionSpacing:    2 * time.Second,
	}
}

func (h *harness) seedQuestions(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		q := &domain.Question{
			Text:    fmt.Sprintf("question %d", i+1),
			Options: map[string]string{"A": "right", "B": "wrong 1", "C": "wrong 2", "D": "wrong 3"},
			Correct: "A",
			Theme:   "general",
		}
		if err := h.store.AddQuestion(ctx, q); err != nil {
			t.Fatalf("add question: %v", err)
		}
	}
}

func (h *harness) seedGame(t *testing.T, rounds, humans int, tiers ...domain.BotTier) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	game := &domain.Game{
		Type:        domain.GameQuick,
		Status:      domain.GameForming,
		TotalRounds: rounds,
		CreatedAt:   h.clock.Now(),
	}
	if err := h.store.CreateGame(ctx, game); err != nil {
		t.Fatalf("create game: %v", err)
	}
	var ids []int64
	for i := 0; i < humans; i++ {
		p := &domain.Player{ChatID: int64(1000 + i), DisplayName: fmt.Sprintf("human %d", i+1)}
		if err := h.store.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("create player: %v", err)
		}
		ids = append(ids, p.ID)
	}
	for i, tier := range tiers {
		p := &domain.Player{DisplayName: fmt.Sprintf("bot %d", i+1), IsBot: true, Tier: tier}
		if err := h.store.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("create bot: %v", err)
		}
		ids = append(ids, p.ID)
	}
	for i, id := range ids {
		gp := &domain.GamePlayer{GameID: game.ID, PlayerID: id, JoinOrder: i + 1}
		if err := h.store.AddGamePlayer(ctx, gp); err != nil {
			t.Fatalf("add game player: %v", err)
		}
	}
	return game.ID, ids
}

// play pops and dispatches steps in due order until the queue is empty. The
// callback runs after every dispatched step so tests can submit answers.
func (h *harness) play(t *testing.T, after func(step sched.Step)) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		step, ok := h.queue.pop(h.clock)
		if !ok {
			h.eng.Flush()
			return
		}
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("dispatch %s: %v", step.Kind, err)
		}
		if after != nil {
			after(step)
		}
	}
	t.Fatalf("game did not settle within 1000 steps")
}

func (h *harness) wrongOption(t *testing.T, rq *domain.RoundQuestion) string {
	t.Helper()
	for _, pos := range domain.Positions {
		if _, ok := rq.Shuffle[pos]; ok && pos != rq.CorrectShuffled {
			return pos
		}
	}
	t.Fatalf("no wrong option on question %d", rq.ID)
	return ""
}

func TestGameFlowCompletesWithWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice, bob := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start game: %v", err)
	}

	h.play(t, func(step sched.Step) {
		if step.Kind != StepQuestionDisplay {
			return
		}
		rq, err := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
		if err != nil {
			t.Fatalf("load question: %v", err)
		}
		h.clock.Advance(time.Second)
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
			t.Fatalf("alice answer: %v", err)
		}
		h.clock.Advance(time.Second)
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, bob, h.wrongOption(t, rq)); err != nil {
			t.Fatalf("bob answer: %v", err)
		}
	})

	game, err := h.store.GetGame(ctx, gameID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if game.Status != domain.GameCompleted {
		t.Fatalf("expected completed game, got %s", game.Status)
	}
	if !game.RatingsApplied {
		t.Fatalf("expected ratings applied")
	}

	gps, _ := h.store.ListGamePlayers(ctx, gameID)
	byPlayer := make(map[int64]*domain.GamePlayer)
	for _, gp := range gps {
		byPlayer[gp.PlayerID] = gp
	}
	if byPlayer[alice].FinalPlace != 1 || byPlayer[bob].FinalPlace != 2 {
		t.Fatalf("expected alice first and bob second, got %d and %d",
			byPlayer[alice].FinalPlace, byPlayer[bob].FinalPlace)
	}
	if byPlayer[alice].TotalScore <= byPlayer[bob].TotalScore {
		t.Fatalf("expected alice ahead on points: %d vs %d",
			byPlayer[alice].TotalScore, byPlayer[bob].TotalScore)
	}

	p1, _ := h.store.GetPlayer(ctx, alice)
	p2, _ := h.store.GetPlayer(ctx, bob)
	if p1.Rating != DefaultRating.Winner || p1.GamesWon != 1 || p1.GamesPlayed != 1 {
		t.Fatalf("winner rating not applied: %+v", p1)
	}
	if p2.Rating != DefaultRating.Second || p2.GamesWon != 0 {
		t.Fatalf("runner-up rating not applied: %+v", p2)
	}
	if h.sender.count(alice) == 0 {
		t.Fatalf("expected alice to receive messages")
	}
}

func TestDuplicateGameStartIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, _ := h.seedGame(t, 2, 2)

	start := sched.NewStep(StepGameStart, h.clock.Now())
	start.GameID = gameID
	if err := h.eng.Dispatch(ctx, start); err != nil {
		t.Fatalf("first start: %v", err)
	}
	dup := sched.NewStep(StepGameStart, h.clock.Now())
	dup.GameID = gameID
	if err := h.eng.Dispatch(ctx, dup); err != nil {
		t.Fatalf("duplicate start should be a no-op, got %v", err)
	}

	if _, err := h.store.GetRoundByIndex(ctx, gameID, 1); err != nil {
		t.Fatalf("round 1 missing: %v", err)
	}
	if _, err := h.store.GetRoundByIndex(ctx, gameID, 2); err == nil {
		t.Fatalf("duplicate start created a second round")
	}
}

func TestDuplicateDisplayKeepsShuffleAndSchedulesOneClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, _ := h.seedGame(t, 2, 2)

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// game.start, round.start, then the first display.
	var display sched.Step
	for i := 0; i < 3; i++ {
		step, ok := h.queue.pop(h.clock)
		if !ok {
			t.Fatalf("queue drained early")
		}
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("dispatch %s: %v", step.Kind, err)
		}
		if step.Kind == StepQuestionDisplay {
			display = step
		}
	}
	if display.Kind == "" {
		t.Fatalf("no display step seen")
	}

	rq, _ := h.store.GetRoundQuestion(ctx, display.RoundQuestionID)
	shuffleBefore := rq.CorrectShuffled
	closesBefore := h.queue.pending(StepQuestionClose)

	if err := h.eng.Dispatch(ctx, display); err != nil {
		t.Fatalf("redelivered display should no-op, got %v", err)
	}
	rq2, _ := h.store.GetRoundQuestion(ctx, display.RoundQuestionID)
	if rq2.CorrectShuffled != shuffleBefore {
		t.Fatalf("redelivery reshuffled the question")
	}
	if h.queue.pending(StepQuestionClose) != closesBefore {
		t.Fatalf("redelivery scheduled an extra close")
	}
}

func TestOutOfOrderDisplayIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, _ := h.seedGame(t, 2, 2)

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ { // game.start, round.start
		step, _ := h.queue.pop(h.clock)
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	round, err := h.store.GetRoundByIndex(ctx, gameID, 1)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	second, err := h.store.GetRoundQuestionByIndex(ctx, round.ID, 2)
	if err != nil {
		t.Fatalf("question 2: %v", err)
	}

	skip := sched.NewStep(StepQuestionDisplay, h.clock.Now())
	skip.GameID = gameID
	skip.RoundID = round.ID
	skip.RoundQuestionID = second.ID
	if err := h.eng.Dispatch(ctx, skip); err != nil {
		t.Fatalf("out-of-order display should no-op, got %v", err)
	}
	rq, _ := h.store.GetRoundQuestion(ctx, second.ID)
	if rq.Displayed() {
		t.Fatalf("question 2 displayed before question 1")
	}
}

func TestLateAnswerRejectedAndTimeoutRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice, bob := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	var rqID int64
	for rqID == 0 {
		step, ok := h.queue.pop(h.clock)
		if !ok {
			t.Fatalf("no display step")
		}
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if step.Kind == StepQuestionDisplay {
			rqID = step.RoundQuestionID
		}
	}
	rq, _ := h.store.GetRoundQuestion(ctx, rqID)

	h.clock.Advance(time.Second)
	if _, err := h.eng.SubmitAnswer(ctx, rqID, alice, rq.CorrectShuffled); err != nil {
		t.Fatalf("alice answer: %v", err)
	}

	// Let the close step fire at the time limit; bob never answered.
	step, _ := h.queue.pop(h.clock)
	if step.Kind != StepQuestionClose {
		t.Fatalf("expected close, got %s", step.Kind)
	}
	if err := h.eng.Dispatch(ctx, step); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := h.eng.SubmitAnswer(ctx, rqID, bob, rq.CorrectShuffled); err != domain.ErrWindowClosed {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}

	timeout, err := h.store.GetAnswer(ctx, rqID, bob)
	if err != nil {
		t.Fatalf("timeout answer missing: %v", err)
	}
	if timeout.Correct || timeout.Option != "" {
		t.Fatalf("timeout answer should be blank and incorrect: %+v", timeout)
	}
	if timeout.LatencyMs != rq.TimeLimit.Milliseconds() {
		t.Fatalf("timeout latency = %d, want %d", timeout.LatencyMs, rq.TimeLimit.Milliseconds())
	}
}

func TestDuplicateAnswerRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice := players[0]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	var rqID int64
	for rqID == 0 {
		step, _ := h.queue.pop(h.clock)
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if step.Kind == StepQuestionDisplay {
			rqID = step.RoundQuestionID
		}
	}
	rq, _ := h.store.GetRoundQuestion(ctx, rqID)

	first, err := h.eng.SubmitAnswer(ctx, rqID, alice, rq.CorrectShuffled)
	if err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if _, err := h.eng.SubmitAnswer(ctx, rqID, alice, h.wrongOption(t, rq)); err != domain.ErrDuplicateAnswer {
		t.Fatalf("expected ErrDuplicateAnswer, got %v", err)
	}

	kept, _ := h.store.GetAnswer(ctx, rqID, alice)
	if kept.Option != first.Option || !kept.Correct {
		t.Fatalf("second submission overwrote the first: %+v", kept)
	}
}

func TestAnswerJudgedInShuffledCoordinates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 7)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice, bob := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	var rqID int64
	for rqID == 0 {
		step, _ := h.queue.pop(h.clock)
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if step.Kind == StepQuestionDisplay {
			rqID = step.RoundQuestionID
		}
	}
	rq, _ := h.store.GetRoundQuestion(ctx, rqID)
	if rq.CorrectShuffled == "" {
		t.Fatalf("shuffle not persisted on display")
	}
	if got := rq.Shuffle[rq.CorrectShuffled]; got != "A" {
		t.Fatalf("shuffled position %s maps to %s, want canonical A", rq.CorrectShuffled, got)
	}

	a1, err := h.eng.SubmitAnswer(ctx, rqID, alice, rq.CorrectShuffled)
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	if !a1.Correct || a1.Points == 0 {
		t.Fatalf("answer at shuffled correct position must score: %+v", a1)
	}

	// Bob picks the slot where the canonical letter happens to sit; if the
	// shuffle moved the answer that slot is wrong.
	if rq.CorrectShuffled != "A" {
		a2, err := h.eng.SubmitAnswer(ctx, rqID, bob, "A")
		if err != nil {
			t.Fatalf("bob: %v", err)
		}
		if a2.Correct {
			t.Fatalf("canonical position should be wrong after the shuffle")
		}
	}
}

func TestTieBreakRoundSettlesTie(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice, bob := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.play(t, func(step sched.Step) {
		if step.Kind != StepQuestionDisplay {
			return
		}
		rq, _ := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
		round, _ := h.store.GetRound(ctx, rq.RoundID)
		h.clock.Advance(time.Second)
		if round.IsTieBreak {
			// Alice wins the tie-break; bob is slower and wrong.
			if _, err := h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
				t.Fatalf("alice tiebreak: %v", err)
			}
			h.clock.Advance(time.Second)
			if _, err := h.eng.SubmitAnswer(ctx, rq.ID, bob, h.wrongOption(t, rq)); err != nil {
				t.Fatalf("bob tiebreak: %v", err)
			}
			return
		}
		// Identical answers at identical latency keep the totals tied.
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
			t.Fatalf("alice: %v", err)
		}
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, bob, rq.CorrectShuffled); err != nil {
			t.Fatalf("bob: %v", err)
		}
	})

	game, _ := h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCompleted {
		t.Fatalf("expected completed game, got %s", game.Status)
	}
	tb, err := h.store.GetRoundByIndex(ctx, gameID, game.TotalRounds+1)
	if err != nil {
		t.Fatalf("tie-break round missing: %v", err)
	}
	if !tb.IsTieBreak {
		t.Fatalf("extra round not flagged as tie-break")
	}
	rqs, _ := h.store.ListRoundQuestions(ctx, tb.ID)
	if len(rqs) != 1 {
		t.Fatalf("tie-break should have one question, got %d", len(rqs))
	}
	if rqs[0].TimeLimit != 5*time.Second {
		t.Fatalf("tie-break time limit = %s", rqs[0].TimeLimit)
	}

	gps, _ := h.store.ListGamePlayers(ctx, gameID)
	for _, gp := range gps {
		if gp.PlayerID == alice && gp.FinalPlace != 1 {
			t.Fatalf("tie-break winner placed %d", gp.FinalPlace)
		}
		if gp.PlayerID == bob && gp.FinalPlace != 2 {
			t.Fatalf("tie-break loser placed %d", gp.FinalPlace)
		}
	}
}

func TestTieBreakExcludesNonContenders(t *testing.T) {
	ctx := context.Background()
	settings := smallSettings()
	settings.RoundsPerGame = 1
	h := newHarness(t, settings, DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 1, 3)
	alice, bob, carol := players[0], players[1], players[2]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}

	var scoreAtTieBreak map[int64]int
	h.play(t, func(step sched.Step) {
		if step.Kind != StepQuestionDisplay {
			return
		}
		rq, _ := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
		round, _ := h.store.GetRound(ctx, rq.RoundID)
		h.clock.Advance(time.Second)
		if round.IsTieBreak {
			scoreAtTieBreak = make(map[int64]int)
			gps, _ := h.store.ListGamePlayers(ctx, gameID)
			for _, gp := range gps {
				scoreAtTieBreak[gp.PlayerID] = gp.TotalScore
			}
			// Carol finished behind the tied pair; her answer must bounce.
			if _, err := h.eng.SubmitAnswer(ctx, rq.ID, carol, rq.CorrectShuffled); err != domain.ErrNotInTieBreak {
				t.Fatalf("expected ErrNotInTieBreak for carol, got %v", err)
			}
			if _, err := h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
				t.Fatalf("alice tiebreak: %v", err)
			}
			h.clock.Advance(time.Second)
			if _, err := h.eng.SubmitAnswer(ctx, rq.ID, bob, h.wrongOption(t, rq)); err != nil {
				t.Fatalf("bob tiebreak: %v", err)
			}
			return
		}
		// Alice and bob stay tied at identical latency; carol is always wrong.
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
			t.Fatalf("alice: %v", err)
		}
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, bob, rq.CorrectShuffled); err != nil {
			t.Fatalf("bob: %v", err)
		}
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, carol, h.wrongOption(t, rq)); err != nil {
			t.Fatalf("carol: %v", err)
		}
	})

	game, _ := h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCompleted {
		t.Fatalf("expected completed game, got %s", game.Status)
	}
	if scoreAtTieBreak == nil {
		t.Fatalf("tie-break never ran")
	}

	// The tie-break decided the order without touching anyone's total.
	gps, _ := h.store.ListGamePlayers(ctx, gameID)
	byPlayer := make(map[int64]*domain.GamePlayer)
	for _, gp := range gps {
		byPlayer[gp.PlayerID] = gp
	}
	for id, before := range scoreAtTieBreak {
		if byPlayer[id].TotalScore != before {
			t.Fatalf("tie-break changed player %d total: %d -> %d", id, before, byPlayer[id].TotalScore)
		}
	}
	if byPlayer[alice].TotalScore != byPlayer[bob].TotalScore {
		t.Fatalf("tied totals diverged: %d vs %d", byPlayer[alice].TotalScore, byPlayer[bob].TotalScore)
	}
	if byPlayer[alice].FinalPlace != 1 || byPlayer[bob].FinalPlace != 2 || byPlayer[carol].FinalPlace != 3 {
		t.Fatalf("places = %d/%d/%d, want 1/2/3",
			byPlayer[alice].FinalPlace, byPlayer[bob].FinalPlace, byPlayer[carol].FinalPlace)
	}

	// Carol never entered the tie-break grid, not even as a timeout.
	tb, err := h.store.GetRoundByIndex(ctx, gameID, game.TotalRounds+1)
	if err != nil {
		t.Fatalf("tie-break round missing: %v", err)
	}
	answers, _ := h.store.ListAnswersForRound(ctx, tb.ID)
	for _, a := range answers {
		if a.PlayerID == carol {
			t.Fatalf("carol has a tie-break answer record: %+v", a)
		}
	}
}

func TestEarlyVictoryEndsTwoPlayerFinal(t *testing.T) {
	ctx := context.Background()
	settings := smallSettings()
	settings.RoundsPerGame = 1
	settings.QuestionsPerRound = 3
	h := newHarness(t, settings, DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 1, 2)
	alice, bob := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}

	displays := 0
	h.play(t, func(step sched.Step) {
		if step.Kind != StepQuestionDisplay {
			return
		}
		displays++
		rq, _ := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
		h.clock.Advance(time.Second)
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
			t.Fatalf("alice: %v", err)
		}
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, bob, h.wrongOption(t, rq)); err != nil {
			t.Fatalf("bob: %v", err)
		}
	})

	game, _ := h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCompleted {
		t.Fatalf("expected completed game, got %s", game.Status)
	}
	// After two questions the trailing player cannot catch up, so the third
	// question is never shown.
	if displays != 2 {
		t.Fatalf("expected early finish after 2 questions, saw %d displays", displays)
	}
}

func TestRatingsAppliedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice, bob := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.play(t, func(step sched.Step) {
		if step.Kind != StepQuestionDisplay {
			return
		}
		rq, _ := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
		h.clock.Advance(time.Second)
		h.eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled)
		h.eng.SubmitAnswer(ctx, rq.ID, bob, h.wrongOption(t, rq))
	})

	before, _ := h.store.GetPlayer(ctx, alice)

	dup := sched.NewStep(StepGameFinish, h.clock.Now())
	dup.GameID = gameID
	if err := h.eng.Dispatch(ctx, dup); err != nil {
		t.Fatalf("redelivered finish should no-op, got %v", err)
	}
	after, _ := h.store.GetPlayer(ctx, alice)
	if after.Rating != before.Rating || after.GamesPlayed != before.GamesPlayed {
		t.Fatalf("redelivered finish reapplied ratings: %d -> %d", before.Rating, after.Rating)
	}
}

// finishFlakyStore injects a transient failure into the standings write so
// tests can exercise the finish step's retry path.
type finishFlakyStore struct {
	store.Store
	failures int
}

func (s *finishFlakyStore) ApplyStandings(ctx context.Context, gameID int64, standings []domain.Standing) error {
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("transient store outage")
	}
	return s.Store.ApplyStandings(ctx, gameID, standings)
}

func TestFinishRetryAppliesRatingsAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	flaky := &finishFlakyStore{Store: h.store, failures: 1}
	hookCalls := 0
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(flaky, h.queue, sched.NopLocker{}, h.sender, smallSettings(), DefaultRating, DefaultBotProfiles, log,
		WithClock(h.clock.Now), WithRand(rand.New(rand.NewSource(1))),
		WithAfterRatings(func(context.Context, []int64) { hookCalls++ }))

	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 2)
	alice, bob := players[0], players[1]

	if err := eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}

	finishFailures := 0
	for i := 0; i < 1000; i++ {
		step, ok := h.queue.pop(h.clock)
		if !ok {
			break
		}
		err := eng.Dispatch(ctx, step)
		if err != nil {
			if step.Kind != StepGameFinish {
				t.Fatalf("dispatch %s: %v", step.Kind, err)
			}
			finishFailures++
			// The crash landed between completing the game and writing the
			// ratings; the fence must still be down.
			game, _ := h.store.GetGame(ctx, gameID)
			if game.Status != domain.GameCompleted || game.RatingsApplied {
				t.Fatalf("unexpected state after failed finish: status=%s applied=%v",
					game.Status, game.RatingsApplied)
			}
			// Redeliver the same step, as the scheduler would after backoff.
			if err := eng.Dispatch(ctx, step); err != nil {
				t.Fatalf("redelivered finish: %v", err)
			}
			continue
		}
		if step.Kind == StepQuestionDisplay {
			rq, _ := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
			h.clock.Advance(time.Second)
			if _, err := eng.SubmitAnswer(ctx, rq.ID, alice, rq.CorrectShuffled); err != nil {
				t.Fatalf("alice: %v", err)
			}
			if _, err := eng.SubmitAnswer(ctx, rq.ID, bob, h.wrongOption(t, rq)); err != nil {
				t.Fatalf("bob: %v", err)
			}
		}
	}
	eng.Flush()

	if finishFailures != 1 {
		t.Fatalf("expected exactly one failed finish, got %d", finishFailures)
	}
	game, _ := h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCompleted || !game.RatingsApplied {
		t.Fatalf("retry did not settle the game: status=%s applied=%v", game.Status, game.RatingsApplied)
	}
	gps, _ := h.store.ListGamePlayers(ctx, gameID)
	for _, gp := range gps {
		if gp.PlayerID == alice && gp.FinalPlace != 1 {
			t.Fatalf("winner placed %d", gp.FinalPlace)
		}
	}
	winner, _ := h.store.GetPlayer(ctx, alice)
	if winner.Rating != DefaultRating.Winner || winner.GamesPlayed != 1 {
		t.Fatalf("winner rating applied %d times: %+v", winner.GamesPlayed, winner)
	}
	if hookCalls != 1 {
		t.Fatalf("after-ratings hook ran %d times", hookCalls)
	}
}

func TestBotsAnswerThroughTheNormalPath(t *testing.T) {
	ctx := context.Background()
	bots := BotProfiles{
		NoviceAccuracy:  1.0,
		AmateurAccuracy: 1.0,
		ExpertAccuracy:  1.0,
		MinDelay:        2 * time.Second,
		MaxDelay:        4 * time.Second,
	}
	h := newHarness(t, smallSettings(), bots, 1)
	h.seedQuestions(t, 10)
	gameID, players := h.seedGame(t, 2, 1, domain.BotExpert)
	human, bot := players[0], players[1]

	if err := h.eng.StartGame(ctx, gameID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.play(t, func(step sched.Step) {
		if step.Kind != StepQuestionDisplay {
			return
		}
		rq, _ := h.store.GetRoundQuestion(ctx, step.RoundQuestionID)
		h.clock.Advance(time.Second)
		if _, err := h.eng.SubmitAnswer(ctx, rq.ID, human, rq.CorrectShuffled); err != nil {
			t.Fatalf("human: %v", err)
		}
	})

	game, _ := h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCompleted {
		t.Fatalf("expected completed game, got %s", game.Status)
	}
	gps, _ := h.store.ListGamePlayers(ctx, gameID)
	var botScore int
	for _, gp := range gps {
		if gp.PlayerID == bot {
			botScore = gp.TotalScore
		}
	}
	if botScore == 0 {
		t.Fatalf("perfect-accuracy bot scored nothing")
	}
	// Bots never gain persistent rating.
	p, _ := h.store.GetPlayer(ctx, bot)
	if p.Rating != 0 || p.GamesPlayed != 0 {
		t.Fatalf("bot accumulated rating: %+v", p)
	}
	if h.sender.count(bot) != 0 {
		t.Fatalf("bot received %d chat messages", h.sender.count(bot))
	}
}

func TestExhaustedStepCancelsGame(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallSettings(), DefaultBotProfiles, 1)
	h.seedQuestions(t, 10)
	gameID, _ := h.seedGame(t, 2, 2)

	start := sched.NewStep(StepGameStart, h.clock.Now())
	start.GameID = gameID
	if err := h.eng.Dispatch(ctx, start); err != nil {
		t.Fatalf("start: %v", err)
	}

	stuck := sched.NewStep(StepRoundStart, h.clock.Now())
	stuck.GameID = gameID
	h.eng.OnExhausted(ctx, stuck, fmt.Errorf("store unavailable"))

	game, _ := h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCancelled {
		t.Fatalf("expected cancelled game, got %s", game.Status)
	}

	// Remaining queued steps become no-ops against the cancelled game.
	for {
		step, ok := h.queue.pop(h.clock)
		if !ok {
			break
		}
		if err := h.eng.Dispatch(ctx, step); err != nil {
			t.Fatalf("post-cancel step %s errored: %v", step.Kind, err)
		}
	}
	game, _ = h.store.GetGame(ctx, gameID)
	if game.Status != domain.GameCancelled {
		t.Fatalf("cancelled game advanced to %s", game.Status)
	}
}
