package sched

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Step is one durable orchestration task. Steps are serialized into the queue
// and must stay self-describing: a worker on any process can pick one up after
// a restart and re-validate entity state before acting.
type Step struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	GameID          int64     `json:"game_id,omitempty"`
	RoundID         int64     `json:"round_id,omitempty"`
	RoundQuestionID int64     `json:"round_question_id,omitempty"`
	PlayerID        int64     `json:"player_id,omitempty"`
	Attempt         int       `json:"attempt"`
	NotBefore       time.Time `json:"not_before"`
}

// NewStep builds a step with a fresh ID, due at notBefore.
func NewStep(kind string, notBefore time.Time) Step {
	return Step{
		ID:        uuid.NewString(),
		Kind:      kind,
		NotBefore: notBefore,
	}
}

// LockKey returns the advisory-lock key serializing this step against other
// steps and answer submissions for the same game.
func (s Step) LockKey() string {
	if s.GameID > 0 {
		return fmt.Sprintf("lock:game:%d", s.GameID)
	}
	return "lock:" + s.Kind
}

func (s Step) String() string {
	return fmt.Sprintf("%s(game=%d round=%d rq=%d player=%d attempt=%d)",
		s.Kind, s.GameID, s.RoundID, s.RoundQuestionID, s.PlayerID, s.Attempt)
}
