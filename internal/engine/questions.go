package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
)

func (e *Engine) handleQuestionDisplay(ctx context.Context, step sched.Step) error {
	game, err := e.store.GetGame(ctx, step.GameID)
	if err != nil {
		return e.sequenceError(step, "display for unknown game")
	}
	if game.Status != domain.GameInProgress {
		return e.sequenceError(step, "display on game not in progress")
	}
	round, err := e.store.GetRound(ctx, step.RoundID)
	if err != nil {
		return e.sequenceError(step, "display for unknown round")
	}
	if round.Status != domain.RoundInProgress {
		return e.sequenceError(step, "display on round not in progress")
	}
	rq, err := e.store.GetRoundQuestion(ctx, step.RoundQuestionID)
	if err != nil {
		return e.sequenceError(step, "display for unknown question")
	}
	if rq.Displayed() {
		return e.sequenceError(step, "question was already displayed")
	}
	highest, err := e.store.HighestDisplayedIndex(ctx, round.ID)
	if err != nil {
		return err
	}
	if rq.Index != highest+1 {
		return e.sequenceError(step, fmt.Sprintf("display out of order: index %d after %d", rq.Index, highest))
	}

	question, err := e.store.GetQuestion(ctx, rq.QuestionID)
	if err != nil {
		return fmt.Errorf("load question template: %w", err)
	}
	shuffle, correctShuffled := e.shuffleOptions(question)
	now := e.clock()
	if err := e.store.MarkQuestionDisplayed(ctx, rq.ID, shuffle, correctShuffled, now); err != nil {
		if err == domain.ErrSequenceViolation {
			// Lost the race against a concurrent delivery of the same step.
			return e.sequenceError(step, "question was already displayed")
		}
		return err
	}
	rq.Shuffle = shuffle
	rq.CorrectShuffled = correctShuffled
	rq.DisplayedAt = &now

	players, err := e.store.ListGamePlayers(ctx, game.ID)
	if err != nil {
		return err
	}
	// A tie-break question goes only to the players still contending for
	// first place; everyone else is done.
	if round.IsTieBreak {
		contenders, err := e.tieContenders(ctx, game.ID)
		if err != nil {
			return err
		}
		tied := players[:0]
		for _, gp := range players {
			if contenders[gp.PlayerID] {
				tied = append(tied, gp)
			}
		}
		players = tied
	}

	text := e.formatQuestion(game, round, rq, question)
	for _, gp := range players {
		player, err := e.store.GetPlayer(ctx, gp.PlayerID)
		if err != nil {
			e.log.Error("skip delivery to unknown player", "player", gp.PlayerID, "err", err)
			continue
		}
		if player.IsBot {
			delay := e.bots.Delay(e.randFloat)
			bot := sched.NewStep(StepBotAnswer, now.Add(delay))
			bot.GameID = game.ID
			bot.RoundID = round.ID
			bot.RoundQuestionID = rq.ID
			bot.PlayerID = player.ID
			if err := e.schedule(ctx, bot); err != nil {
				return err
			}
			continue
		}
		// Fire-and-forget: sends retry outside the game lock and a failed
		// delivery for one player never stalls the question for the rest.
		e.sends.Add(1)
		go func(playerID int64) {
			defer e.sends.Done()
			if _, err := e.sender.Send(context.Background(), playerID, text); err != nil {
				e.log.Error("question delivery failed", "player", playerID, "rq", rq.ID, "err", err)
			}
		}(player.ID)
	}

	e.log.Info("question displayed", "game", game.ID, "round", round.Index, "question", rq.Index)

	closeStep := sched.NewStep(StepQuestionClose, now.Add(rq.TimeLimit))
	closeStep.GameID = game.ID
	closeStep.RoundID = round.ID
	closeStep.RoundQuestionID = rq.ID
	return e.schedule(ctx, closeStep)
}

func (e *Engine) handleQuestionClose(ctx context.Context, step sched.Step) error {
	game, err := e.store.GetGame(ctx, step.GameID)
	if err != nil {
		return e.sequenceError(step, "close for unknown game")
	}
	if game.Status != domain.GameInProgress {
		return e.sequenceError(step, "close on game not in progress")
	}
	rq, err := e.store.GetRoundQuestion(ctx, step.RoundQuestionID)
	if err != nil {
		return e.sequenceError(step, "close for unknown question")
	}
	round, err := e.store.GetRound(ctx, rq.RoundID)
	if err != nil {
		return e.sequenceError(step, "close for unknown round")
	}
	now := e.clock()
	if err := e.store.MarkQuestionClosed(ctx, rq.ID, now); err != nil {
		if err == domain.ErrSequenceViolation {
			return e.sequenceError(step, "question already closed or never displayed")
		}
		return err
	}

	// Players who never answered are recorded as incorrect at the full time
	// limit so round summaries and tie-breaks see a complete grid. Only the
	// tied contenders participate in a tie-break, and its answers never add
	// to the running totals.
	players, err := e.store.ListGamePlayers(ctx, game.ID)
	if err != nil {
		return err
	}
	var contenders map[int64]bool
	if round.IsTieBreak {
		if contenders, err = e.tieContenders(ctx, game.ID); err != nil {
			return err
		}
	}
	limitMs := rq.TimeLimit.Milliseconds()
	for _, gp := range players {
		if round.IsTieBreak && !contenders[gp.PlayerID] {
			continue
		}
		if _, err := e.store.GetAnswer(ctx, rq.ID, gp.PlayerID); err == nil {
			continue
		}
		timeout := &domain.Answer{
			GameID:          game.ID,
			RoundID:         rq.RoundID,
			RoundQuestionID: rq.ID,
			PlayerID:        gp.PlayerID,
			Option:          "",
			Correct:         false,
			Points:          0,
			LatencyMs:       limitMs,
			SubmittedAt:     now,
		}
		if err := e.store.InsertAnswer(ctx, timeout); err != nil && err != domain.ErrDuplicateAnswer {
			return err
		}
		if round.IsTieBreak {
			continue
		}
		if err := e.store.AddScore(ctx, game.ID, gp.PlayerID, 0, limitMs); err != nil {
			return err
		}
	}
	e.log.Info("question closed", "game", game.ID, "rq", rq.ID, "question", rq.Index)

	next, err := e.store.GetRoundQuestionByIndex(ctx, rq.RoundID, rq.Index+1)
	if err == nil {
		display := sched.NewStep(StepQuestionDisplay, now.Add(e.settings.QuestionSpacing))
		display.GameID = game.ID
		display.RoundID = rq.RoundID
		display.RoundQuestionID = next.ID
		return e.schedule(ctx, display)
	}
	finish := sched.NewStep(StepRoundFinish, now.Add(e.settings.QuestionSpacing))
	finish.GameID = game.ID
	finish.RoundID = rq.RoundID
	return e.schedule(ctx, finish)
}

// formatQuestion renders the question with its options in shuffled order.
func (e *Engine) formatQuestion(game *domain.Game, round *domain.Round, rq *domain.RoundQuestion, q *domain.Question) string {
	var b strings.Builder
	if round.IsTieBreak {
		fmt.Fprintf(&b, "Tie-break!\n")
	} else {
		fmt.Fprintf(&b, "Round %d/%d, question %d\n", round.Index, game.TotalRounds, rq.Index)
	}
	fmt.Fprintf(&b, "%s\n", q.Text)
	for _, pos := range domain.Positions {
		orig, ok := rq.Shuffle[pos]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s) %s\n", pos, q.Options[orig])
	}
	fmt.Fprintf(&b, "You have %s to answer.", rq.TimeLimit)
	return b.String()
}

func (e *Engine) broadcastRoundSummary(ctx context.Context, gameID int64, round *domain.Round) {
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		e.log.Error("round summary", "game", gameID, "err", err)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d finished. Standings:\n", round.Index)
	e.appendScoreboard(ctx, &b, players)
	e.broadcast(players, b.String())
}

func (e *Engine) broadcastStandings(ctx context.Context, gameID int64, standings []domain.Standing) {
	players, err := e.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		e.log.Error("final standings", "game", gameID, "err", err)
		return
	}
	var b strings.Builder
	b.WriteString("Game over! Final standings:\n")
	for _, st := range standings {
		name := fmt.Sprintf("player %d", st.PlayerID)
		if p, err := e.store.GetPlayer(ctx, st.PlayerID); err == nil {
			name = p.DisplayName
		}
		fmt.Fprintf(&b, "%d. %s — %d pts (%+d rating)\n", st.Place, name, st.TotalScore, st.RatingDelta)
	}
	e.broadcast(players, b.String())
}

func (e *Engine) appendScoreboard(ctx context.Context, b *strings.Builder, players []*domain.GamePlayer) {
	ranked := make([]*domain.GamePlayer, len(players))
	copy(ranked, players)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].TotalScore > ranked[j].TotalScore })
	for i, gp := range ranked {
		name := fmt.Sprintf("player %d", gp.PlayerID)
		if p, err := e.store.GetPlayer(ctx, gp.PlayerID); err == nil {
			name = p.DisplayName
		}
		fmt.Fprintf(b, "%d. %s — %d pts\n", i+1, name, gp.TotalScore)
	}
}

// broadcast sends one text to every human in the list, each delivery on its
// own goroutine with its own retry budget.
func (e *Engine) broadcast(players []*domain.GamePlayer, text string) {
	for _, gp := range players {
		e.sends.Add(1)
		go func(playerID int64) {
			defer e.sends.Done()
			player, err := e.store.GetPlayer(context.Background(), playerID)
			if err != nil || player.IsBot {
				return
			}
			if _, err := e.sender.Send(context.Background(), playerID, text); err != nil {
				e.log.Error("broadcast delivery failed", "player", playerID, "err", err)
			}
		}(gp.PlayerID)
	}
}
