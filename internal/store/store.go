package store

import (
	"context"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
)

// Store is the single source of truth for all status transitions. The
// conditional mutators (UpdateGameStatus, UpdateRoundStatus,
// MarkQuestionDisplayed, MarkQuestionClosed, InsertAnswer, ApplyStandings)
// are the idempotency fences: they fail with domain.ErrSequenceViolation or
// domain.ErrDuplicateAnswer when the entity is not in the expected state, so
// duplicate step deliveries and racing submissions fall out as no-ops instead
// of double mutations.
type Store interface {
	// Players.
	CreatePlayer(ctx context.Context, p *domain.Player) error
	GetPlayer(ctx context.Context, id int64) (*domain.Player, error)
	// ListBots returns up to limit bots of the given tier, any tier when
	// empty, in random order.
	ListBots(ctx context.Context, tier domain.BotTier, limit int) ([]*domain.Player, error)
	TopPlayers(ctx context.Context, limit int) ([]*domain.Player, error)

	// Question bank.
	AddQuestion(ctx context.Context, q *domain.Question) error
	GetQuestion(ctx context.Context, id int64) (*domain.Question, error)
	CountQuestions(ctx context.Context) (int, error)
	ListThemes(ctx context.Context) ([]string, error)
	// PickUnusedQuestions returns up to limit questions not yet used in the
	// game, and marks them used.
	PickUnusedQuestions(ctx context.Context, gameID int64, theme string, limit int) ([]*domain.Question, error)

	// Games.
	CreateGame(ctx context.Context, g *domain.Game) error
	GetGame(ctx context.Context, id int64) (*domain.Game, error)
	GetGameByInvite(ctx context.Context, code string) (*domain.Game, error)
	// UpdateGameStatus transitions status only if the game currently has the
	// expected status.
	UpdateGameStatus(ctx context.Context, id int64, from, to domain.GameStatus) error
	SetCurrentRound(ctx context.Context, gameID int64, round int) error
	// ApplyStandings writes every player's final place, adjusts human ratings
	// and game counters, and flips the ratings-applied fence, all in one
	// atomic action. It fails with domain.ErrSequenceViolation when the game
	// is not completed or ratings were already applied.
	ApplyStandings(ctx context.Context, gameID int64, standings []domain.Standing) error
	CountActiveGames(ctx context.Context) (int, error)

	AddGamePlayer(ctx context.Context, gp *domain.GamePlayer) error
	ListGamePlayers(ctx context.Context, gameID int64) ([]*domain.GamePlayer, error)
	AddScore(ctx context.Context, gameID, playerID int64, points int, latencyMs int64) error

	// Rounds.
	CreateRound(ctx context.Context, r *domain.Round) error
	GetRound(ctx context.Context, id int64) (*domain.Round, error)
	GetRoundByIndex(ctx context.Context, gameID int64, index int) (*domain.Round, error)
	UpdateRoundStatus(ctx context.Context, id int64, from, to domain.RoundStatus) error
	AnyRoundInProgress(ctx context.Context, gameID int64) (bool, error)

	// Round questions.
	CreateRoundQuestion(ctx context.Context, rq *domain.RoundQuestion) error
	GetRoundQuestion(ctx context.Context, id int64) (*domain.RoundQuestion, error)
	GetRoundQuestionByIndex(ctx context.Context, roundID int64, index int) (*domain.RoundQuestion, error)
	ListRoundQuestions(ctx context.Context, roundID int64) ([]*domain.RoundQuestion, error)
	HighestDisplayedIndex(ctx context.Context, roundID int64) (int, error)
	// MarkQuestionDisplayed persists the shuffle and displayed_at in one
	// conditional write; a second call for the same question fails with
	// domain.ErrSequenceViolation.
	MarkQuestionDisplayed(ctx context.Context, id int64, shuffle domain.ShuffleMap, correctShuffled string, at time.Time) error
	MarkQuestionClosed(ctx context.Context, id int64, at time.Time) error

	// Answers.
	InsertAnswer(ctx context.Context, a *domain.Answer) error
	GetAnswer(ctx context.Context, roundQuestionID, playerID int64) (*domain.Answer, error)
	CountAnswers(ctx context.Context, roundQuestionID int64) (int, error)
	ListAnswersForRound(ctx context.Context, roundID int64) ([]*domain.Answer, error)
	EarliestCorrectAnswer(ctx context.Context, gameID, playerID int64) (*time.Time, error)

	// Waiting pool.
	AddToPool(ctx context.Context, playerID int64, at time.Time) error
	RemoveFromPool(ctx context.Context, playerIDs []int64) error
	ListPool(ctx context.Context) ([]*domain.PoolEntry, error)

	// Start-early votes.
	RecordVote(ctx context.Context, gameID, playerID int64, vote string) error
	ListVotes(ctx context.Context, gameID int64) (map[int64]string, error)
}
