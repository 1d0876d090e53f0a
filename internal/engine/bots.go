package engine

import (
	"context"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
)

// BotProfiles holds the per-tier accuracy targets and the shared response
// delay range. Bots are ordinary players for scoring; only their answer
// generation is simulated.
type BotProfiles struct {
	NoviceAccuracy  float64
	AmateurAccuracy float64
	ExpertAccuracy  float64
	MinDelay        time.Duration
	MaxDelay        time.Duration
}

// DefaultBotProfiles mirrors the production tier targets.
var DefaultBotProfiles = BotProfiles{
	NoviceAccuracy:  0.55,
	AmateurAccuracy: 0.68,
	ExpertAccuracy:  0.80,
	MinDelay:        3 * time.Second,
	MaxDelay:        15 * time.Second,
}

// Accuracy returns the hit probability for a tier; unknown tiers answer like
// novices.
func (p BotProfiles) Accuracy(tier domain.BotTier) float64 {
	switch tier {
	case domain.BotExpert:
		return p.ExpertAccuracy
	case domain.BotAmateur:
		return p.AmateurAccuracy
	default:
		return p.NoviceAccuracy
	}
}

// Delay draws a uniform response delay from the configured range.
func (p BotProfiles) Delay(randFloat func() float64) time.Duration {
	if p.MaxDelay <= p.MinDelay {
		return p.MinDelay
	}
	span := p.MaxDelay - p.MinDelay
	return p.MinDelay + time.Duration(randFloat()*float64(span))
}

// handleBotAnswer submits one bot's answer through the same path humans use.
// A bot arriving after the window closed is a normal race, not a violation.
func (e *Engine) handleBotAnswer(ctx context.Context, step sched.Step) error {
	rq, err := e.store.GetRoundQuestion(ctx, step.RoundQuestionID)
	if err != nil {
		return nil // question gone, nothing to do
	}
	if !rq.Open() {
		return nil
	}
	player, err := e.store.GetPlayer(ctx, step.PlayerID)
	if err != nil || !player.IsBot {
		return nil
	}
	round, err := e.store.GetRound(ctx, rq.RoundID)
	if err != nil {
		return nil
	}

	option := e.pickBotOption(rq, e.bots.Accuracy(player.Tier))
	_, err = e.submitLocked(ctx, round, rq.ID, step.PlayerID, option)
	switch err {
	case nil, domain.ErrWindowClosed, domain.ErrDuplicateAnswer, domain.ErrNotInTieBreak:
		return nil
	default:
		return err
	}
}

// pickBotOption answers correctly with the tier's probability, otherwise a
// uniformly chosen wrong option, always in shuffled coordinates.
func (e *Engine) pickBotOption(rq *domain.RoundQuestion, accuracy float64) string {
	if e.randFloat() < accuracy {
		return rq.CorrectShuffled
	}
	var wrong []string
	for _, pos := range domain.Positions {
		if _, ok := rq.Shuffle[pos]; ok && pos != rq.CorrectShuffled {
			wrong = append(wrong, pos)
		}
	}
	if len(wrong) == 0 {
		return rq.CorrectShuffled
	}
	return wrong[e.randIntn(len(wrong))]
}
