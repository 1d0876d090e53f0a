package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
)

// StartGame enqueues the game.start step for a formed game.
func (e *Engine) StartGame(ctx context.Context, gameID int64) error {
	step := sched.NewStep(StepGameStart, e.clock())
	step.GameID = gameID
	return e.schedule(ctx, step)
}

func (e *Engine) handleGameStart(ctx context.Context, step sched.Step) error {
	game, err := e.store.GetGame(ctx, step.GameID)
	if err != nil {
		return e.sequenceError(step, "game.start for unknown game")
	}
	if err := e.store.UpdateGameStatus(ctx, game.ID, domain.GameForming, domain.GameInProgress); err != nil {
		if err == domain.ErrSequenceViolation {
			return e.sequenceError(step, "game was already started")
		}
		return err
	}

	round, err := e.createRound(ctx, game, 1, false)
	if err != nil {
		return err
	}
	if err := e.store.SetCurrentRound(ctx, game.ID, 1); err != nil {
		return err
	}
	e.log.Info("game started", "game", game.ID, "rounds", game.TotalRounds)

	next := sched.NewStep(StepRoundStart, e.clock())
	next.GameID = game.ID
	next.RoundID = round.ID
	return e.schedule(ctx, next)
}

// createRound creates a pending round and instantiates its questions from the
// bank, excluding questions already used in this game. Shuffles happen later,
// on first display.
func (e *Engine) createRound(ctx context.Context, game *domain.Game, index int, tieBreak bool) (*domain.Round, error) {
	count := e.settings.QuestionsPerRound
	limit := e.settings.QuestionTimeLimit
	if tieBreak {
		count = 1
		limit = e.settings.TieBreakTimeLimit
	}

	questions, err := e.store.PickUnusedQuestions(ctx, game.ID, "", count)
	if err != nil {
		return nil, fmt.Errorf("pick questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions available for game %d round %d", game.ID, index)
	}
	if len(questions) < count {
		e.log.Warn("short round: question bank low",
			"game", game.ID, "round", index, "want", count, "got", len(questions))
	}

	round := &domain.Round{
		GameID:     game.ID,
		Index:      index,
		Status:     domain.RoundPending,
		IsTieBreak: tieBreak,
	}
	if err := e.store.CreateRound(ctx, round); err != nil {
		return nil, err
	}
	for i, q := range questions {
		rq := &domain.RoundQuestion{
			RoundID:    round.ID,
			QuestionID: q.ID,
			Index:      i + 1,
			TimeLimit:  limit,
		}
		if err := e.store.CreateRoundQuestion(ctx, rq); err != nil {
			return nil, err
		}
	}
	return round, nil
}

func (e *Engine) handleRoundStart(ctx context.Context, step sched.Step) error {
	game, err := e.store.GetGame(ctx, step.GameID)
	if err != nil {
		return e.sequenceError(step, "round.start for unknown game")
	}
	if game.Status != domain.GameInProgress {
		return e.sequenceError(step, "round.start on game not in progress")
	}
	round, err := e.store.GetRound(ctx, step.RoundID)
	if err != nil {
		return e.sequenceError(step, "round.start for unknown round")
	}
	if busy, err := e.store.AnyRoundInProgress(ctx, game.ID); err != nil {
		return err
	} else if busy {
		return e.sequenceError(step, "sibling round still in progress")
	}
	if err := e.store.UpdateRoundStatus(ctx, round.ID, domain.RoundPending, domain.RoundInProgress); err != nil {
		if err == domain.ErrSequenceViolation {
			return e.sequenceError(step, "round was already started")
		}
		return err
	}
	if err := e.store.SetCurrentRound(ctx, game.ID, round.Index); err != nil {
		return err
	}
	e.log.Info("round started", "game", game.ID, "round", round.Index, "tiebreak", round.IsTieBreak)

	first, err := e.store.GetRoundQuestionByIndex(ctx, round.ID, 1)
	if err != nil {
		return err
	}
	next := sched.NewStep(StepQuestionDisplay, e.clock())
	next.GameID = game.ID
	next.RoundID = round.ID
	next.RoundQuestionID = first.ID
	return e.schedule(ctx, next)
}

func (e *Engine) handleRoundFinish(ctx context.Context, step sched.Step) error {
	game, err := e.store.GetGame(ctx, step.GameID)
	if err != nil {
		return e.sequenceError(step, "round.finish for unknown game")
	}
	if game.Status != domain.GameInProgress {
		return e.sequenceError(step, "round.finish on game not in progress")
	}
	round, err := e.store.GetRound(ctx, step.RoundID)
	if err != nil {
		return e.sequenceError(step, "round.finish for unknown round")
	}
	if err := e.store.UpdateRoundStatus(ctx, round.ID, domain.RoundInProgress, domain.RoundCompleted); err != nil {
		if err == domain.ErrSequenceViolation {
			return e.sequenceError(step, "round was already finished")
		}
		return err
	}
	e.log.Info("round finished", "game", game.ID, "round", round.Index)
	e.broadcastRoundSummary(ctx, game.ID, round)

	switch {
	case round.IsTieBreak:
		// Tie-break was the last act; settle the game.
		finish := sched.NewStep(StepGameFinish, e.clock())
		finish.GameID = game.ID
		return e.schedule(ctx, finish)

	case round.Index < game.TotalRounds:
		next, err := e.createRound(ctx, game, round.Index+1, false)
		if err != nil {
			return err
		}
		start := sched.NewStep(StepRoundStart, e.clock().Add(e.settings.PauseBetweenRounds))
		start.GameID = game.ID
		start.RoundID = next.ID
		return e.schedule(ctx, start)

	default:
		tied, err := e.topScoresTied(ctx, game.ID)
		if err != nil {
			return err
		}
		if tied {
			tb := sched.NewStep(StepTieBreak, e.clock())
			tb.GameID = game.ID
			return e.schedule(ctx, tb)
		}
		finish := sched.NewStep(StepGameFinish, e.clock())
		finish.GameID = game.ID
		return e.schedule(ctx, finish)
	}
}

// topScoresTied reports whether the two leading totals are equal after the
// final round, which triggers the bounded tie-break sub-round.
func (e *Engine) topScoresTied(ctx context.Context, gameID int64) (bool, error) {
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		return false, err
	}
	if len(players) < 2 {
		return false, nil
	}
	sort.Slice(players, func(i, j int) bool { return players[i].TotalScore > players[j].TotalScore })
	return players[0].TotalScore == players[1].TotalScore, nil
}

func (e *Engine) handleTieBreak(ctx context.Context, step sched.Step) error {
	game, err := e.store.GetGame(ctx, step.GameID)
	if err != nil {
		return e.sequenceError(step, "tiebreak for unknown game")
	}
	if game.Status != domain.GameInProgress {
		return e.sequenceError(step, "tiebreak on game not in progress")
	}
	if _, err := e.store.GetRoundByIndex(ctx, game.ID, game.TotalRounds+1); err == nil {
		return e.sequenceError(step, "tiebreak round already exists")
	}
	round, err := e.createRound(ctx, game, game.TotalRounds+1, true)
	if err != nil {
		return err
	}
	e.log.Info("tie-break started", "game", game.ID)

	start := sched.NewStep(StepRoundStart, e.clock())
	start.GameID = game.ID
	start.RoundID = round.ID
	return e.schedule(ctx, start)
}

func (e *Engine) handleGameFinish(ctx context.Context, step sched.Step) error {
	if err := e.store.UpdateGameStatus(ctx, step.GameID, domain.GameInProgress, domain.GameCompleted); err != nil {
		if err != domain.ErrSequenceViolation {
			return err
		}
		game, err := e.store.GetGame(ctx, step.GameID)
		if err != nil {
			return e.sequenceError(step, "finish for unknown game")
		}
		// A redelivery after a crash between completing the game and writing
		// the ratings falls through here and finishes the bookkeeping.
		if game.Status != domain.GameCompleted || game.RatingsApplied {
			return e.sequenceError(step, "game was already finished")
		}
	}

	standings, err := e.FinalStandings(ctx, step.GameID)
	if err != nil {
		return err
	}
	if err := e.store.ApplyStandings(ctx, step.GameID, standings); err != nil {
		if err == domain.ErrSequenceViolation {
			return e.sequenceError(step, "ratings were already applied")
		}
		return err
	}
	e.log.Info("game finished", "game", step.GameID, "players", len(standings))
	if e.afterRatings != nil {
		ids := make([]int64, 0, len(standings))
		for _, st := range standings {
			ids = append(ids, st.PlayerID)
		}
		e.afterRatings(ctx, ids)
	}
	e.broadcastStandings(ctx, step.GameID, standings)
	return nil
}

// FinalStandings ranks the game's players: total score descending, ties
// ordered by the tie-break round result, then by earliest correct-answer
// timestamp, then by join order as the final deterministic key.
func (e *Engine) FinalStandings(ctx context.Context, gameID int64) ([]domain.Standing, error) {
	game, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		return nil, err
	}

	tieBreakRank := make(map[int64]int)
	if tb, err := e.store.GetRoundByIndex(ctx, gameID, game.TotalRounds+1); err == nil {
		answers, err := e.store.ListAnswersForRound(ctx, tb.ID)
		if err != nil {
			return nil, err
		}
		sort.Slice(answers, func(i, j int) bool {
			if answers[i].Correct != answers[j].Correct {
				return answers[i].Correct
			}
			return answers[i].LatencyMs < answers[j].LatencyMs
		})
		for rank, a := range answers {
			tieBreakRank[a.PlayerID] = rank + 1
		}
	}

	earliest := make(map[int64]*time.Time)
	for _, gp := range players {
		t, err := e.store.EarliestCorrectAnswer(ctx, gameID, gp.PlayerID)
		if err != nil {
			return nil, err
		}
		earliest[gp.PlayerID] = t
	}

	sort.Slice(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		ra, okA := tieBreakRank[a.PlayerID]
		rb, okB := tieBreakRank[b.PlayerID]
		if okA || okB {
			if okA != okB {
				return okA
			}
			if ra != rb {
				return ra < rb
			}
		}
		ta, tb := earliest[a.PlayerID], earliest[b.PlayerID]
		if ta != nil && tb != nil && !ta.Equal(*tb) {
			return ta.Before(*tb)
		}
		if (ta != nil) != (tb != nil) {
			return ta != nil
		}
		return a.JoinOrder < b.JoinOrder
	})

	standings := make([]domain.Standing, 0, len(players))
	for i, gp := range players {
		standings = append(standings, domain.Standing{
			PlayerID:    gp.PlayerID,
			Place:       i + 1,
			TotalScore:  gp.TotalScore,
			TotalTimeMs: gp.TotalTimeMs,
			RatingDelta: e.rating.Delta(i + 1),
		})
	}
	return standings, nil
}
