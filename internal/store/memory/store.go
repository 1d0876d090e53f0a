// Package memory holds the in-memory Store used by unit tests and the
// no-Postgres dev mode. Semantics mirror the Postgres store exactly; the
// conditional mutators apply the same fences under one mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	nextID int64

	players        map[int64]*domain.Player
	questions      map[int64]*domain.Question
	games          map[int64]*domain.Game
	gamePlayers    map[int64][]*domain.GamePlayer // by game ID
	rounds         map[int64]*domain.Round
	roundQuestions map[int64]*domain.RoundQuestion
	answers        map[int64]*domain.Answer
	usedQuestions  map[int64]map[int64]bool // game ID -> question IDs
	pool           []*domain.PoolEntry
	votes          map[int64]map[int64]string // game ID -> player -> vote
}

func New() *Store {
	return &Store{
		players:        make(map[int64]*domain.Player),
		questions:      make(map[int64]*domain.Question),
		games:          make(map[int64]*domain.Game),
		gamePlayers:    make(map[int64][]*domain.GamePlayer),
		rounds:         make(map[int64]*domain.Round),
		roundQuestions: make(map[int64]*domain.RoundQuestion),
		answers:        make(map[int64]*domain.Answer),
		usedQuestions:  make(map[int64]map[int64]bool),
		votes:          make(map[int64]map[int64]string),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Players.

func (s *Store) CreatePlayer(_ context.Context, p *domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	cp := *p
	s.players[p.ID] = &cp
	return nil
}

func (s *Store) GetPlayer(_ context.Context, id int64) (*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[id]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListBots(_ context.Context, tier domain.BotTier, limit int) ([]*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bots []*domain.Player
	for _, p := range s.players {
		if !p.IsBot {
			continue
		}
		if tier != "" && p.Tier != tier {
			continue
		}
		cp := *p
		bots = append(bots, &cp)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	if limit > 0 && len(bots) > limit {
		bots = bots[:limit]
	}
	return bots, nil
}

func (s *Store) TopPlayers(_ context.Context, limit int) ([]*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var humans []*domain.Player
	for _, p := range s.players {
		if !p.IsBot {
			cp := *p
			humans = append(humans, &cp)
		}
	}
	sort.Slice(humans, func(i, j int) bool { return humans[i].Rating > humans[j].Rating })
	if limit > 0 && len(humans) > limit {
		humans = humans[:limit]
	}
	return humans, nil
}

// Question bank.

func (s *Store) AddQuestion(_ context.Context, q *domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == 0 {
		q.ID = s.id()
	}
	cp := *q
	s.questions[q.ID] = &cp
	return nil
}

func (s *Store) GetQuestion(_ context.Context, id int64) (*domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, domain.ErrQuestionNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *Store) CountQuestions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.questions), nil
}

func (s *Store) ListThemes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var themes []string
	for _, q := range s.questions {
		if q.Theme != "" && !seen[q.Theme] {
			seen[q.Theme] = true
			themes = append(themes, q.Theme)
		}
	}
	sort.Strings(themes)
	return themes, nil
}

func (s *Store) PickUnusedQuestions(_ context.Context, gameID int64, theme string, limit int) ([]*domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.usedQuestions[gameID]
	if used == nil {
		used = make(map[int64]bool)
		s.usedQuestions[gameID] = used
	}
	var ids []int64
	for id, q := range s.questions {
		if used[id] {
			continue
		}
		if theme != "" && q.Theme != theme {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	picked := make([]*domain.Question, 0, len(ids))
	for _, id := range ids {
		used[id] = true
		cp := *s.questions[id]
		picked = append(picked, &cp)
	}
	return picked, nil
}

// Games.

func (s *Store) CreateGame(_ context.Context, g *domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.id()
	}
	cp := *g
	s.games[g.ID] = &cp
	return nil
}

func (s *Store) GetGame(_ context.Context, id int64) (*domain.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[id]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) GetGameByInvite(_ context.Context, code string) (*domain.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.games {
		if g.InviteCode == code {
			cp := *g
			return &cp, nil
		}
	}
	return nil, domain.ErrGameNotFound
}

func (s *Store) UpdateGameStatus(_ context.Context, id int64, from, to domain.GameStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return domain.ErrGameNotFound
	}
	if g.Status != from {
		return domain.ErrSequenceViolation
	}
	g.Status = to
	now := time.Now()
	switch to {
	case domain.GameInProgress:
		if g.StartedAt == nil {
			g.StartedAt = &now
		}
	case domain.GameCompleted, domain.GameCancelled:
		if g.FinishedAt == nil {
			g.FinishedAt = &now
		}
	}
	return nil
}

func (s *Store) SetCurrentRound(_ context.Context, gameID int64, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return domain.ErrGameNotFound
	}
	g.CurrentRound = round
	return nil
}

func (s *Store) ApplyStandings(_ context.Context, gameID int64, standings []domain.Standing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return domain.ErrGameNotFound
	}
	if g.Status != domain.GameCompleted || g.RatingsApplied {
		return domain.ErrSequenceViolation
	}
	for _, st := range standings {
		for _, gp := range s.gamePlayers[gameID] {
			if gp.PlayerID == st.PlayerID {
				gp.FinalPlace = st.Place
			}
		}
		p, ok := s.players[st.PlayerID]
		if !ok || p.IsBot {
			continue
		}
		p.Rating += st.RatingDelta
		p.GamesPlayed++
		if st.Place == 1 {
			p.GamesWon++
		}
	}
	g.RatingsApplied = true
	return nil
}

func (s *Store) CountActiveGames(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, g := range s.games {
		if g.Status == domain.GameForming || g.Status == domain.GameInProgress {
			n++
		}
	}
	return n, nil
}

func (s *Store) AddGamePlayer(_ context.Context, gp *domain.GamePlayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *gp
	s.gamePlayers[gp.GameID] = append(s.gamePlayers[gp.GameID], &cp)
	return nil
}

func (s *Store) ListGamePlayers(_ context.Context, gameID int64) ([]*domain.GamePlayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.gamePlayers[gameID]
	out := make([]*domain.GamePlayer, 0, len(src))
	for _, gp := range src {
		cp := *gp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out, nil
}

func (s *Store) AddScore(_ context.Context, gameID, playerID int64, points int, latencyMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gp := range s.gamePlayers[gameID] {
		if gp.PlayerID == playerID {
			gp.TotalScore += points
			gp.TotalTimeMs += latencyMs
			return nil
		}
	}
	return domain.ErrPlayerNotFound
}

// Rounds.

func (s *Store) CreateRound(_ context.Context, r *domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	cp := *r
	s.rounds[r.ID] = &cp
	return nil
}

func (s *Store) GetRound(_ context.Context, id int64) (*domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, domain.ErrRoundNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetRoundByIndex(_ context.Context, gameID int64, index int) (*domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rounds {
		if r.GameID == gameID && r.Index == index {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrRoundNotFound
}

func (s *Store) UpdateRoundStatus(_ context.Context, id int64, from, to domain.RoundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return domain.ErrRoundNotFound
	}
	if r.Status != from {
		return domain.ErrSequenceViolation
	}
	r.Status = to
	now := time.Now()
	switch to {
	case domain.RoundInProgress:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case domain.RoundCompleted:
		if r.FinishedAt == nil {
			r.FinishedAt = &now
		}
	}
	return nil
}

func (s *Store) AnyRoundInProgress(_ context.Context, gameID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rounds {
		if r.GameID == gameID && r.Status == domain.RoundInProgress {
			return true, nil
		}
	}
	return false, nil
}

// Round questions.

func (s *Store) CreateRoundQuestion(_ context.Context, rq *domain.RoundQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rq.ID == 0 {
		rq.ID = s.id()
	}
	cp := *rq
	s.roundQuestions[rq.ID] = &cp
	return nil
}

func (s *Store) GetRoundQuestion(_ context.Context, id int64) (*domain.RoundQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rq, ok := s.roundQuestions[id]
	if !ok {
		return nil, domain.ErrQuestionNotFound
	}
	cp := *rq
	return &cp, nil
}

func (s *Store) GetRoundQuestionByIndex(_ context.Context, roundID int64, index int) (*domain.RoundQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rq := range s.roundQuestions {
		if rq.RoundID == roundID && rq.Index == index {
			cp := *rq
			return &cp, nil
		}
	}
	return nil, domain.ErrQuestionNotFound
}

func (s *Store) ListRoundQuestions(_ context.Context, roundID int64) ([]*domain.RoundQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.RoundQuestion
	for _, rq := range s.roundQuestions {
		if rq.RoundID == roundID {
			cp := *rq
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) HighestDisplayedIndex(_ context.Context, roundID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	highest := 0
	for _, rq := range s.roundQuestions {
		if rq.RoundID == roundID && rq.DisplayedAt != nil && rq.Index > highest {
			highest = rq.Index
		}
	}
	return highest, nil
}

func (s *Store) MarkQuestionDisplayed(_ context.Context, id int64, shuffle domain.ShuffleMap, correctShuffled string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.roundQuestions[id]
	if !ok {
		return domain.ErrQuestionNotFound
	}
	if rq.DisplayedAt != nil {
		return domain.ErrSequenceViolation
	}
	rq.Shuffle = shuffle
	rq.CorrectShuffled = correctShuffled
	t := at
	rq.DisplayedAt = &t
	return nil
}

func (s *Store) MarkQuestionClosed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.roundQuestions[id]
	if !ok {
		return domain.ErrQuestionNotFound
	}
	if rq.DisplayedAt == nil || rq.ClosedAt != nil {
		return domain.ErrSequenceViolation
	}
	t := at
	rq.ClosedAt = &t
	return nil
}

// Answers.

func (s *Store) InsertAnswer(_ context.Context, a *domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.answers {
		if existing.RoundQuestionID == a.RoundQuestionID && existing.PlayerID == a.PlayerID {
			return domain.ErrDuplicateAnswer
		}
	}
	if a.ID == 0 {
		a.ID = s.id()
	}
	cp := *a
	s.answers[a.ID] = &cp
	return nil
}

func (s *Store) GetAnswer(_ context.Context, roundQuestionID, playerID int64) (*domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.answers {
		if a.RoundQuestionID == roundQuestionID && a.PlayerID == playerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrQuestionNotFound
}

func (s *Store) CountAnswers(_ context.Context, roundQuestionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.answers {
		if a.RoundQuestionID == roundQuestionID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListAnswersForRound(_ context.Context, roundID int64) ([]*domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Answer
	for _, a := range s.answers {
		if a.RoundID == roundID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) EarliestCorrectAnswer(_ context.Context, gameID, playerID int64) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest *time.Time
	for _, a := range s.answers {
		if a.GameID == gameID && a.PlayerID == playerID && a.Correct {
			t := a.SubmittedAt
			if earliest == nil || t.Before(*earliest) {
				earliest = &t
			}
		}
	}
	return earliest, nil
}

// Waiting pool.

func (s *Store) AddToPool(_ context.Context, playerID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.pool {
		if e.PlayerID == playerID {
			return domain.ErrAlreadyQueued
		}
	}
	s.pool = append(s.pool, &domain.PoolEntry{PlayerID: playerID, JoinedAt: at})
	return nil
}

func (s *Store) RemoveFromPool(_ context.Context, playerIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]bool, len(playerIDs))
	for _, id := range playerIDs {
		drop[id] = true
	}
	kept := s.pool[:0]
	for _, e := range s.pool {
		if !drop[e.PlayerID] {
			kept = append(kept, e)
		}
	}
	s.pool = kept
	return nil
}

func (s *Store) ListPool(_ context.Context) ([]*domain.PoolEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.PoolEntry, 0, len(s.pool))
	for _, e := range s.pool {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Start-early votes.

func (s *Store) RecordVote(_ context.Context, gameID, playerID int64, vote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.votes[gameID]
	if m == nil {
		m = make(map[int64]string)
		s.votes[gameID] = m
	}
	m[playerID] = vote
	return nil
}

func (s *Store) ListVotes(_ context.Context, gameID int64) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]string, len(s.votes[gameID]))
	for k, v := range s.votes[gameID] {
		out[k] = v
	}
	return out, nil
}
