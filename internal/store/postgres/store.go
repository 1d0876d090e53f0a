// Package postgres implements the durable store on pgx. The conditional
// mutators lean on single UPDATE statements with status predicates and unique
// constraints, so the idempotency fences hold across concurrent schedulers
// without explicit row locks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Players.

func (s *Store) CreatePlayer(ctx context.Context, p *domain.Player) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO players (chat_id, display_name, is_bot, tier, rating, games_played, games_won)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		p.ChatID, p.DisplayName, p.IsBot, string(p.Tier), p.Rating, p.GamesPlayed, p.GamesWon,
	).Scan(&p.ID)
}

func (s *Store) GetPlayer(ctx context.Context, id int64) (*domain.Player, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, chat_id, display_name, is_bot, tier, rating, games_played, games_won
		FROM players WHERE id = $1`, id)
	return scanPlayer(row)
}

func (s *Store) ListBots(ctx context.Context, tier domain.BotTier, limit int) ([]*domain.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, display_name, is_bot, tier, rating, games_played, games_won
		FROM players WHERE is_bot AND ($1 = '' OR tier = $1)
		ORDER BY random() LIMIT $2`, string(tier), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlayers(rows)
}

func (s *Store) TopPlayers(ctx context.Context, limit int) ([]*domain.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, display_name, is_bot, tier, rating, games_played, games_won
		FROM players WHERE NOT is_bot ORDER BY rating DESC, games_won DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlayers(rows)
}

// Question bank.

func (s *Store) AddQuestion(ctx context.Context, q *domain.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO questions (text, options, correct, difficulty, theme)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		q.Text, options, q.Correct, q.Difficulty, q.Theme,
	).Scan(&q.ID)
}

func (s *Store) GetQuestion(ctx context.Context, id int64) (*domain.Question, error) {
	q := &domain.Question{}
	var options []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, text, options, correct, difficulty, theme
		FROM questions WHERE id = $1`, id,
	).Scan(&q.ID, &q.Text, &options, &q.Correct, &q.Difficulty, &q.Theme)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(options, &q.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return q, nil
}

func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM questions`).Scan(&n)
	return n, err
}

func (s *Store) ListThemes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT theme FROM questions WHERE theme <> '' ORDER BY theme`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var themes []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		themes = append(themes, t)
	}
	return themes, rows.Err()
}

func (s *Store) PickUnusedQuestions(ctx context.Context, gameID int64, theme string, limit int) ([]*domain.Question, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT q.id, q.text, q.options, q.correct, q.difficulty, q.theme
		FROM questions q
		WHERE ($2 = '' OR q.theme = $2)
		  AND NOT EXISTS (
			SELECT 1 FROM game_used_questions u
			WHERE u.game_id = $1 AND u.question_id = q.id)
		ORDER BY random()
		LIMIT $3`, gameID, theme, limit)
	if err != nil {
		return nil, err
	}
	var picked []*domain.Question
	for rows.Next() {
		q := &domain.Question{}
		var options []byte
		if err := rows.Scan(&q.ID, &q.Text, &options, &q.Correct, &q.Difficulty, &q.Theme); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode options: %w", err)
		}
		picked = append(picked, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, q := range picked {
		if _, err := tx.Exec(ctx, `
			INSERT INTO game_used_questions (game_id, question_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, gameID, q.ID); err != nil {
			return nil, err
		}
	}
	return picked, tx.Commit(ctx)
}

// Games.

func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO games (type, status, creator_id, invite_code, current_round, total_rounds, bot_tier, ratings_applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		string(g.Type), string(g.Status), g.CreatorID, g.InviteCode,
		g.CurrentRound, g.TotalRounds, string(g.BotTier), g.RatingsApplied, g.CreatedAt,
	).Scan(&g.ID)
}

func (s *Store) GetGame(ctx context.Context, id int64) (*domain.Game, error) {
	row := s.pool.QueryRow(ctx, gameSelect+` WHERE id = $1`, id)
	return scanGame(row)
}

func (s *Store) GetGameByInvite(ctx context.Context, code string) (*domain.Game, error) {
	row := s.pool.QueryRow(ctx, gameSelect+` WHERE invite_code = $1 AND invite_code <> ''`, code)
	return scanGame(row)
}

const gameSelect = `
	SELECT id, type, status, creator_id, invite_code, current_round, total_rounds,
	       bot_tier, ratings_applied, created_at, started_at, finished_at
	FROM games`

func (s *Store) UpdateGameStatus(ctx context.Context, id int64, from, to domain.GameStatus) error {
	ts := ""
	switch to {
	case domain.GameInProgress:
		ts = ", started_at = now()"
	case domain.GameCompleted, domain.GameCancelled:
		ts = ", finished_at = now()"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET status = $3`+ts+` WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSequenceViolation
	}
	return nil
}

func (s *Store) SetCurrentRound(ctx context.Context, gameID int64, round int) error {
	_, err := s.pool.Exec(ctx, `UPDATE games SET current_round = $2 WHERE id = $1`, gameID, round)
	return err
}

// ApplyStandings commits places, rating deltas and the ratings-applied fence
// in one transaction, so a crash mid-way leaves the fence down and the finish
// step free to retry from scratch.
func (s *Store) ApplyStandings(ctx context.Context, gameID int64, standings []domain.Standing) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE games SET ratings_applied = TRUE
		WHERE id = $1 AND status = $2 AND NOT ratings_applied`,
		gameID, string(domain.GameCompleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSequenceViolation
	}
	for _, st := range standings {
		if _, err := tx.Exec(ctx, `
			UPDATE game_players SET final_place = $3
			WHERE game_id = $1 AND player_id = $2`, gameID, st.PlayerID, st.Place); err != nil {
			return err
		}
		wonInc := 0
		if st.Place == 1 {
			wonInc = 1
		}
		if _, err := tx.Exec(ctx, `
			UPDATE players
			SET rating = rating + $2, games_played = games_played + 1, games_won = games_won + $3
			WHERE id = $1 AND NOT is_bot`, st.PlayerID, st.RatingDelta, wonInc); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) CountActiveGames(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM games WHERE status IN ($1, $2)`,
		string(domain.GameForming), string(domain.GameInProgress)).Scan(&n)
	return n, err
}

func (s *Store) AddGamePlayer(ctx context.Context, gp *domain.GamePlayer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_players (game_id, player_id, join_order, total_score, total_time_ms, final_place)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		gp.GameID, gp.PlayerID, gp.JoinOrder, gp.TotalScore, gp.TotalTimeMs, gp.FinalPlace)
	return err
}

func (s *Store) ListGamePlayers(ctx context.Context, gameID int64) ([]*domain.GamePlayer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT game_id, player_id, join_order, total_score, total_time_ms, final_place
		FROM game_players WHERE game_id = $1 ORDER BY join_order`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var players []*domain.GamePlayer
	for rows.Next() {
		gp := &domain.GamePlayer{}
		if err := rows.Scan(&gp.GameID, &gp.PlayerID, &gp.JoinOrder, &gp.TotalScore, &gp.TotalTimeMs, &gp.FinalPlace); err != nil {
			return nil, err
		}
		players = append(players, gp)
	}
	return players, rows.Err()
}

func (s *Store) AddScore(ctx context.Context, gameID, playerID int64, points int, latencyMs int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE game_players
		SET total_score = total_score + $3, total_time_ms = total_time_ms + $4
		WHERE game_id = $1 AND player_id = $2`, gameID, playerID, points, latencyMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// Rounds.

func (s *Store) CreateRound(ctx context.Context, r *domain.Round) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO rounds (game_id, round_index, status, is_tie_break)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		r.GameID, r.Index, string(r.Status), r.IsTieBreak,
	).Scan(&r.ID)
}

const roundSelect = `
	SELECT id, game_id, round_index, status, is_tie_break, started_at, finished_at
	FROM rounds`

func (s *Store) GetRound(ctx context.Context, id int64) (*domain.Round, error) {
	return scanRound(s.pool.QueryRow(ctx, roundSelect+` WHERE id = $1`, id))
}

func (s *Store) GetRoundByIndex(ctx context.Context, gameID int64, index int) (*domain.Round, error) {
	return scanRound(s.pool.QueryRow(ctx, roundSelect+` WHERE game_id = $1 AND round_index = $2`, gameID, index))
}

func (s *Store) UpdateRoundStatus(ctx context.Context, id int64, from, to domain.RoundStatus) error {
	ts := ""
	switch to {
	case domain.RoundInProgress:
		ts = ", started_at = now()"
	case domain.RoundCompleted:
		ts = ", finished_at = now()"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET status = $3`+ts+` WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSequenceViolation
	}
	return nil
}

func (s *Store) AnyRoundInProgress(ctx context.Context, gameID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM rounds WHERE game_id = $1 AND status = $2)`,
		gameID, string(domain.RoundInProgress)).Scan(&exists)
	return exists, err
}

// Round questions.

func (s *Store) CreateRoundQuestion(ctx context.Context, rq *domain.RoundQuestion) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO round_questions (round_id, question_id, question_index, time_limit_ms)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		rq.RoundID, rq.QuestionID, rq.Index, rq.TimeLimit.Milliseconds(),
	).Scan(&rq.ID)
}

const rqSelect = `
	SELECT id, round_id, question_id, question_index, time_limit_ms,
	       shuffle, correct_shuffled, displayed_at, closed_at
	FROM round_questions`

func (s *Store) GetRoundQuestion(ctx context.Context, id int64) (*domain.RoundQuestion, error) {
	return scanRoundQuestion(s.pool.QueryRow(ctx, rqSelect+` WHERE id = $1`, id))
}

func (s *Store) GetRoundQuestionByIndex(ctx context.Context, roundID int64, index int) (*domain.RoundQuestion, error) {
	return scanRoundQuestion(s.pool.QueryRow(ctx, rqSelect+` WHERE round_id = $1 AND question_index = $2`, roundID, index))
}

func (s *Store) ListRoundQuestions(ctx context.Context, roundID int64) ([]*domain.RoundQuestion, error) {
	rows, err := s.pool.Query(ctx, rqSelect+` WHERE round_id = $1 ORDER BY question_index`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rqs []*domain.RoundQuestion
	for rows.Next() {
		rq, err := scanRoundQuestion(rows)
		if err != nil {
			return nil, err
		}
		rqs = append(rqs, rq)
	}
	return rqs, rows.Err()
}

func (s *Store) HighestDisplayedIndex(ctx context.Context, roundID int64) (int, error) {
	var highest int
	err := s.pool.QueryRow(ctx, `
		SELECT coalesce(max(question_index), 0) FROM round_questions
		WHERE round_id = $1 AND displayed_at IS NOT NULL`, roundID).Scan(&highest)
	return highest, err
}

func (s *Store) MarkQuestionDisplayed(ctx context.Context, id int64, shuffle domain.ShuffleMap, correctShuffled string, at time.Time) error {
	encoded, err := json.Marshal(shuffle)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE round_questions
		SET shuffle = $2, correct_shuffled = $3, displayed_at = $4
		WHERE id = $1 AND displayed_at IS NULL`, id, encoded, correctShuffled, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSequenceViolation
	}
	return nil
}

func (s *Store) MarkQuestionClosed(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE round_questions SET closed_at = $2
		WHERE id = $1 AND displayed_at IS NOT NULL AND closed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSequenceViolation
	}
	return nil
}

// Answers.

func (s *Store) InsertAnswer(ctx context.Context, a *domain.Answer) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO answers (game_id, round_id, round_question_id, player_id,
		                     chosen_option, correct, points, latency_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (round_question_id, player_id) DO NOTHING
		RETURNING id`,
		a.GameID, a.RoundID, a.RoundQuestionID, a.PlayerID,
		a.Option, a.Correct, a.Points, a.LatencyMs, a.SubmittedAt,
	).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrDuplicateAnswer
	}
	return err
}

const answerSelect = `
	SELECT id, game_id, round_id, round_question_id, player_id,
	       chosen_option, correct, points, latency_ms, submitted_at
	FROM answers`

func (s *Store) GetAnswer(ctx context.Context, roundQuestionID, playerID int64) (*domain.Answer, error) {
	return scanAnswer(s.pool.QueryRow(ctx,
		answerSelect+` WHERE round_question_id = $1 AND player_id = $2`, roundQuestionID, playerID))
}

func (s *Store) CountAnswers(ctx context.Context, roundQuestionID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM answers WHERE round_question_id = $1`, roundQuestionID).Scan(&n)
	return n, err
}

func (s *Store) ListAnswersForRound(ctx context.Context, roundID int64) ([]*domain.Answer, error) {
	rows, err := s.pool.Query(ctx, answerSelect+` WHERE round_id = $1 ORDER BY submitted_at`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []*domain.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *Store) EarliestCorrectAnswer(ctx context.Context, gameID, playerID int64) (*time.Time, error) {
	var earliest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT min(submitted_at) FROM answers
		WHERE game_id = $1 AND player_id = $2 AND correct`, gameID, playerID).Scan(&earliest)
	if err != nil {
		return nil, err
	}
	return earliest, nil
}

// Waiting pool.

func (s *Store) AddToPool(ctx context.Context, playerID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pool_players (player_id, joined_at)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, playerID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyQueued
	}
	return nil
}

func (s *Store) RemoveFromPool(ctx context.Context, playerIDs []int64) error {
	if len(playerIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM pool_players WHERE player_id = ANY($1)`, playerIDs)
	return err
}

func (s *Store) ListPool(ctx context.Context) ([]*domain.PoolEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, joined_at FROM pool_players ORDER BY joined_at, player_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*domain.PoolEntry
	for rows.Next() {
		e := &domain.PoolEntry{}
		if err := rows.Scan(&e.PlayerID, &e.JoinedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Start-early votes.

func (s *Store) RecordVote(ctx context.Context, gameID, playerID int64, vote string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_votes (game_id, player_id, vote)
		VALUES ($1, $2, $3)
		ON CONFLICT (game_id, player_id) DO UPDATE SET vote = EXCLUDED.vote`,
		gameID, playerID, vote)
	return err
}

func (s *Store) ListVotes(ctx context.Context, gameID int64) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT player_id, vote FROM game_votes WHERE game_id = $1`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	votes := make(map[int64]string)
	for rows.Next() {
		var playerID int64
		var vote string
		if err := rows.Scan(&playerID, &vote); err != nil {
			return nil, err
		}
		votes[playerID] = vote
	}
	return votes, rows.Err()
}

// Row scanning helpers.

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlayer(row rowScanner) (*domain.Player, error) {
	p := &domain.Player{}
	var tier string
	err := row.Scan(&p.ID, &p.ChatID, &p.DisplayName, &p.IsBot, &tier, &p.Rating, &p.GamesPlayed, &p.GamesWon)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPlayerNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Tier = domain.BotTier(tier)
	return p, nil
}

func scanPlayers(rows pgx.Rows) ([]*domain.Player, error) {
	var players []*domain.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func scanGame(row rowScanner) (*domain.Game, error) {
	g := &domain.Game{}
	var typ, status, botTier string
	err := row.Scan(&g.ID, &typ, &status, &g.CreatorID, &g.InviteCode, &g.CurrentRound,
		&g.TotalRounds, &botTier, &g.RatingsApplied, &g.CreatedAt, &g.StartedAt, &g.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Type = domain.GameType(typ)
	g.Status = domain.GameStatus(status)
	g.BotTier = domain.BotTier(botTier)
	return g, nil
}

func scanRound(row rowScanner) (*domain.Round, error) {
	r := &domain.Round{}
	var status string
	err := row.Scan(&r.ID, &r.GameID, &r.Index, &status, &r.IsTieBreak, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = domain.RoundStatus(status)
	return r, nil
}

func scanRoundQuestion(row rowScanner) (*domain.RoundQuestion, error) {
	rq := &domain.RoundQuestion{}
	var limitMs int64
	var shuffle []byte
	err := row.Scan(&rq.ID, &rq.RoundID, &rq.QuestionID, &rq.Index, &limitMs,
		&shuffle, &rq.CorrectShuffled, &rq.DisplayedAt, &rq.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	rq.TimeLimit = time.Duration(limitMs) * time.Millisecond
	if len(shuffle) > 0 {
		if err := json.Unmarshal(shuffle, &rq.Shuffle); err != nil {
			return nil, fmt.Errorf("decode shuffle: %w", err)
		}
	}
	return rq, nil
}

func scanAnswer(row rowScanner) (*domain.Answer, error) {
	a := &domain.Answer{}
	err := row.Scan(&a.ID, &a.GameID, &a.RoundID, &a.RoundQuestionID, &a.PlayerID,
		&a.Option, &a.Correct, &a.Points, &a.LatencyMs, &a.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("answer not found: %w", pgx.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
