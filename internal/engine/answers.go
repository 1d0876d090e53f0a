package engine

import (
	"context"
	"fmt"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
)

// SubmitAnswer validates and records one player's answer. It takes the same
// per-game lock the scheduler uses, so a submission racing the close step
// resolves by whoever holds the lock first: if close wins the submission gets
// ErrWindowClosed, if the submission wins it counts and the close proceeds.
func (e *Engine) SubmitAnswer(ctx context.Context, roundQuestionID, playerID int64, option string) (*domain.Answer, error) {
	rq, err := e.store.GetRoundQuestion(ctx, roundQuestionID)
	if err != nil {
		return nil, err
	}
	round, err := e.store.GetRound(ctx, rq.RoundID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Acquire(ctx, fmt.Sprintf("lock:game:%d", round.GameID))
	if err != nil {
		return nil, fmt.Errorf("acquire game lock: %w", err)
	}
	defer unlock()

	return e.submitLocked(ctx, round, rq.ID, playerID, option)
}

// submitLocked records an answer while the caller holds the game lock. Bot
// submissions arrive here straight from their scheduled step.
func (e *Engine) submitLocked(ctx context.Context, round *domain.Round, roundQuestionID, playerID int64, option string) (*domain.Answer, error) {
	gameID := round.GameID
	// Re-read under the lock: the close step may have run since the caller
	// looked at the question.
	rq, err := e.store.GetRoundQuestion(ctx, roundQuestionID)
	if err != nil {
		return nil, err
	}
	if !rq.Open() {
		return nil, domain.ErrWindowClosed
	}
	if round.IsTieBreak {
		contenders, err := e.tieContenders(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if !contenders[playerID] {
			return nil, domain.ErrNotInTieBreak
		}
	}
	if _, err := e.store.GetAnswer(ctx, rq.ID, playerID); err == nil {
		return nil, domain.ErrDuplicateAnswer
	}

	now := e.clock()
	latency := now.Sub(*rq.DisplayedAt)
	if latency < 0 {
		latency = 0
	}
	// Correctness is judged in shuffled coordinates: the canonical correct
	// option moved when the options were shuffled for this instance.
	correct := option == rq.CorrectShuffled
	points := 0
	if correct {
		points = e.score(latency, rq.TimeLimit)
	}

	answer := &domain.Answer{
		GameID:          gameID,
		RoundID:         rq.RoundID,
		RoundQuestionID: rq.ID,
		PlayerID:        playerID,
		Option:          option,
		Correct:         correct,
		Points:          points,
		LatencyMs:       latency.Milliseconds(),
		SubmittedAt:     now,
	}
	if err := e.store.InsertAnswer(ctx, answer); err != nil {
		return nil, err
	}
	// Tie-break answers decide placement order only; they never touch the
	// running totals the final standings are ranked by.
	if !round.IsTieBreak {
		if err := e.store.AddScore(ctx, gameID, playerID, points, answer.LatencyMs); err != nil {
			return nil, err
		}
	}

	if err := e.afterAnswer(ctx, round, rq); err != nil {
		e.log.Error("post-answer bookkeeping", "game", gameID, "rq", rq.ID, "err", err)
	}
	return answer, nil
}

// afterAnswer closes the window early once every participant has answered and
// checks the early-victory rule for two-player finals.
func (e *Engine) afterAnswer(ctx context.Context, round *domain.Round, rq *domain.RoundQuestion) error {
	gameID := round.GameID
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		return err
	}
	expected := len(players)
	if round.IsTieBreak {
		contenders, err := e.tieContenders(ctx, gameID)
		if err != nil {
			return err
		}
		expected = len(contenders)
	}
	answered, err := e.store.CountAnswers(ctx, rq.ID)
	if err != nil {
		return err
	}
	if answered >= expected {
		closeStep := sched.NewStep(StepQuestionClose, e.clock())
		closeStep.GameID = gameID
		closeStep.RoundID = rq.RoundID
		closeStep.RoundQuestionID = rq.ID
		if err := e.schedule(ctx, closeStep); err != nil {
			return err
		}
	}

	if len(players) == 2 {
		return e.checkEarlyVictory(ctx, gameID, rq.RoundID)
	}
	return nil
}

// tieContenders returns the set of players sharing the current top total
// score. During a tie-break this is stable because tie-break answers do not
// add to the totals.
func (e *Engine) tieContenders(ctx context.Context, gameID int64) (map[int64]bool, error) {
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		return nil, err
	}
	top := 0
	for _, gp := range players {
		if gp.TotalScore > top {
			top = gp.TotalScore
		}
	}
	contenders := make(map[int64]bool)
	for _, gp := range players {
		if gp.TotalScore == top {
			contenders[gp.PlayerID] = true
		}
	}
	return contenders, nil
}

// checkEarlyVictory ends a two-player final round as soon as the trailing
// player can no longer catch the leader even by answering every remaining
// question correctly.
func (e *Engine) checkEarlyVictory(ctx context.Context, gameID, roundID int64) error {
	game, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return err
	}
	if round.Index != game.TotalRounds || round.IsTieBreak {
		return nil
	}

	answers, err := e.store.ListAnswersForRound(ctx, roundID)
	if err != nil {
		return err
	}
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		return err
	}
	if len(players) != 2 {
		return nil
	}

	correctByPlayer := make(map[int64]int, 2)
	answeredQuestions := make(map[int64]bool)
	for _, a := range answers {
		if a.Correct {
			correctByPlayer[a.PlayerID]++
		}
		answeredQuestions[a.RoundQuestionID] = true
	}
	questions, err := e.store.ListRoundQuestions(ctx, roundID)
	if err != nil {
		return err
	}
	remaining := 0
	for _, q := range questions {
		if !answeredQuestions[q.ID] {
			remaining++
		}
	}

	a, b := correctByPlayer[players[0].PlayerID], correctByPlayer[players[1].PlayerID]
	leaderScore, trailingScore := a, b
	if b > a {
		leaderScore, trailingScore = b, a
	}
	if leaderScore == trailingScore {
		return nil
	}
	if trailingScore+remaining >= leaderScore {
		return nil
	}

	e.log.Info("early victory: trailing player cannot catch up",
		"game", gameID, "round", round.Index, "remaining", remaining)
	if err := e.store.UpdateRoundStatus(ctx, roundID, domain.RoundInProgress, domain.RoundCompleted); err != nil && err != domain.ErrSequenceViolation {
		return err
	}
	finish := sched.NewStep(StepGameFinish, e.clock())
	finish.GameID = gameID
	return e.schedule(ctx, finish)
}
