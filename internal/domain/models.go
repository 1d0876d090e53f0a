package domain

import "time"

// GameStatus is the lifecycle state of a game.
type GameStatus string

const (
	GameForming    GameStatus = "forming"
	GameInProgress GameStatus = "in_progress"
	GameCompleted  GameStatus = "completed"
	GameCancelled  GameStatus = "cancelled"
)

// GameType distinguishes pool-formed games from private lobbies.
type GameType string

const (
	GameQuick   GameType = "quick"
	GamePrivate GameType = "private"
)

// RoundStatus is the lifecycle state of a round. Transitions are monotonic.
type RoundStatus string

const (
	RoundPending    RoundStatus = "pending"
	RoundInProgress RoundStatus = "in_progress"
	RoundCompleted  RoundStatus = "completed"
)

// BotTier selects a bot's accuracy and delay profile.
type BotTier string

const (
	BotNovice  BotTier = "novice"
	BotAmateur BotTier = "amateur"
	BotExpert  BotTier = "expert"
)

// Positions are the presentation slots for a four-option question.
var Positions = []string{"A", "B", "C", "D"}

// ShuffleMap maps a presentation position to the canonical option it shows,
// e.g. {"A":"C","B":"A","C":"B","D":"D"} means slot A displays canonical
// option C. Generated once per RoundQuestion and persisted before the first
// send so retried sends show the identical order.
type ShuffleMap map[string]string

// ToShuffled returns the presentation position that displays the given
// canonical option. With no mapping the canonical position is returned as-is.
func (m ShuffleMap) ToShuffled(canonical string) string {
	if len(m) == 0 {
		return canonical
	}
	for pos, orig := range m {
		if orig == canonical {
			return pos
		}
	}
	return canonical
}

// Game is one contest instance composed of ordered rounds.
type Game struct {
	ID           int64
	Type         GameType
	Status       GameStatus
	CreatorID    int64  // private games only
	InviteCode   string // private games only
	CurrentRound int
	TotalRounds  int

	// BotTier is the difficulty of bots seated in this game, chosen by the
	// creator of a private lobby. Empty means any tier.
	BotTier BotTier

	// RatingsApplied fences the rating engine: a completed game with ratings
	// applied is never reprocessed.
	RatingsApplied bool

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Player is a contest participant, human or bot. Bots score like humans; only
// humans carry a persistent rating.
type Player struct {
	ID          int64
	ChatID      int64 // external chat identity, humans only
	DisplayName string
	IsBot       bool
	Tier        BotTier // bots only
	Rating      int
	GamesPlayed int
	GamesWon    int
}

// GamePlayer is a player's membership and running totals within one game.
type GamePlayer struct {
	GameID      int64
	PlayerID    int64
	JoinOrder   int
	TotalScore  int
	TotalTimeMs int64
	FinalPlace  int // 0 until the game finishes
}

// Question is a reusable template. Immutable once referenced by a
// RoundQuestion; shuffling never mutates it.
type Question struct {
	ID         int64
	Text       string
	Options    map[string]string // canonical position -> option text
	Correct    string            // canonical position of the right option
	Difficulty int
	Theme      string
}

// Round is one scored segment of a game.
type Round struct {
	ID         int64
	GameID     int64
	Index      int // 1..TotalRounds
	Status     RoundStatus
	IsTieBreak bool
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RoundQuestion is a question as instantiated (shuffled) within a round.
type RoundQuestion struct {
	ID         int64
	RoundID    int64
	QuestionID int64
	Index      int // 1..QuestionsPerRound
	TimeLimit  time.Duration

	Shuffle         ShuffleMap
	CorrectShuffled string // correct option in shuffled coordinates

	DisplayedAt *time.Time // set at most once
	ClosedAt    *time.Time
}

// Displayed reports whether the question has been sent to players.
func (rq *RoundQuestion) Displayed() bool { return rq.DisplayedAt != nil }

// Open reports whether the answer window is currently accepting submissions.
func (rq *RoundQuestion) Open() bool { return rq.DisplayedAt != nil && rq.ClosedAt == nil }

// Answer records one player's submission for one round question. At most one
// exists per (RoundQuestion, Player); Option is empty for a timeout record.
type Answer struct {
	ID              int64
	GameID          int64
	RoundID         int64
	RoundQuestionID int64
	PlayerID        int64
	Option          string // shuffled coordinates
	Correct         bool
	Points          int
	LatencyMs       int64
	SubmittedAt     time.Time
}

// Standing is one row of a finished game's placement order.
type Standing struct {
	PlayerID    int64
	Place       int
	TotalScore  int
	TotalTimeMs int64
	RatingDelta int
}

// PoolEntry is one player waiting in the quick-game pool.
type PoolEntry struct {
	PlayerID int64
	JoinedAt time.Time
}

// Vote values for the start-early poll.
const (
	VoteStartNow = "start_now"
	VoteWait     = "wait"
)
