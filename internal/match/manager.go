// Package match forms games: a waiting pool promoted on a periodic check, a
// start-early vote for undersized pools, and private invite-code lobbies.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/engine"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
	"github.com/SpiritWalker84/trivia-bot/internal/store"
)

// Step kinds handled by the manager.
const (
	StepPoolCheck = "pool.check"
	StepVoteClose = "vote.close"
)

// poolCheckID is a fixed step ID so re-arming the periodic check replaces the
// queued step instead of piling up duplicates across restarts.
const poolCheckID = "pool.check"

// Settings are the matchmaking knobs.
type Settings struct {
	PlayersPerGame          int
	MinPlayersForQuickStart int
	MinPlayersForVote       int
	RoundsPerGame           int
	VoteDuration            time.Duration
	PoolCheckInterval       time.Duration
	MaxActiveGames          int
}

type Manager struct {
	store    store.Store
	queue    engine.Queue
	log      *slog.Logger
	clock    func() time.Time
	settings Settings
}

func New(st store.Store, queue engine.Queue, settings Settings, log *slog.Logger) *Manager {
	return &Manager{store: st, queue: queue, log: log, clock: time.Now, settings: settings}
}

// WithClock injects a deterministic clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Register wires the matchmaking step kinds into the scheduler.
func (m *Manager) Register(s *sched.Scheduler) {
	s.Handle(StepPoolCheck, m.HandlePoolCheck)
	s.Handle(StepVoteClose, m.HandleVoteClose)
}

// StartPoolLoop arms the first periodic pool check.
func (m *Manager) StartPoolLoop(ctx context.Context) error {
	return m.schedulePoolCheck(ctx, m.clock())
}

func (m *Manager) schedulePoolCheck(ctx context.Context, at time.Time) error {
	step := sched.Step{ID: poolCheckID, Kind: StepPoolCheck, NotBefore: at}
	return m.queue.Schedule(ctx, step)
}

// JoinPool adds a player to the waiting pool. Reaching the quick-start
// threshold pulls the next pool check forward so the game forms immediately.
func (m *Manager) JoinPool(ctx context.Context, playerID int64) error {
	if err := m.store.AddToPool(ctx, playerID, m.clock()); err != nil {
		return err
	}
	waiting, err := m.store.ListPool(ctx)
	if err != nil {
		return err
	}
	if len(waiting) >= m.settings.MinPlayersForQuickStart {
		return m.schedulePoolCheck(ctx, m.clock())
	}
	return nil
}

// LeavePool removes a waiting player.
func (m *Manager) LeavePool(ctx context.Context, playerID int64) error {
	return m.store.RemoveFromPool(ctx, []int64{playerID})
}

// HandlePoolCheck inspects the pool and either forms a game, opens a
// start-early vote, or waits for more players. It always re-arms itself.
func (m *Manager) HandlePoolCheck(ctx context.Context, _ sched.Step) error {
	defer func() {
		if err := m.schedulePoolCheck(context.Background(), m.clock().Add(m.settings.PoolCheckInterval)); err != nil {
			m.log.Error("re-arm pool check", "err", err)
		}
	}()

	waiting, err := m.store.ListPool(ctx)
	if err != nil {
		return err
	}
	n := len(waiting)
	m.log.Info("pool check", "waiting", n)

	switch {
	case n >= m.settings.MinPlayersForQuickStart:
		seats := m.settings.PlayersPerGame
		if seats > n {
			seats = n
		}
		ids := make([]int64, 0, seats)
		for _, entry := range waiting[:seats] {
			ids = append(ids, entry.PlayerID)
		}
		game, err := m.createGame(ctx, domain.GameQuick, 0, "")
		if err == domain.ErrCapacityExceeded {
			m.log.Warn("active game ceiling reached, pool keeps waiting", "waiting", n)
			return nil
		}
		if err != nil {
			return err
		}
		for i, id := range ids {
			gp := &domain.GamePlayer{GameID: game.ID, PlayerID: id, JoinOrder: i + 1}
			if err := m.store.AddGamePlayer(ctx, gp); err != nil {
				return err
			}
		}
		if err := m.store.RemoveFromPool(ctx, ids); err != nil {
			return err
		}
		m.log.Info("quick game formed from pool", "game", game.ID, "players", len(ids))
		return m.scheduleGameStart(ctx, game.ID)

	case n >= m.settings.MinPlayersForVote:
		ids := make([]int64, 0, n)
		for _, entry := range waiting {
			ids = append(ids, entry.PlayerID)
		}
		game, err := m.createGame(ctx, domain.GameQuick, 0, "")
		if err == domain.ErrCapacityExceeded {
			m.log.Warn("active game ceiling reached, vote postponed", "waiting", n)
			return nil
		}
		if err != nil {
			return err
		}
		for i, id := range ids {
			gp := &domain.GamePlayer{GameID: game.ID, PlayerID: id, JoinOrder: i + 1}
			if err := m.store.AddGamePlayer(ctx, gp); err != nil {
				return err
			}
		}
		if err := m.store.RemoveFromPool(ctx, ids); err != nil {
			return err
		}
		closeStep := sched.NewStep(StepVoteClose, m.clock().Add(m.settings.VoteDuration))
		closeStep.GameID = game.ID
		m.log.Info("start-early vote opened", "game", game.ID, "players", len(ids))
		return m.queue.Schedule(ctx, closeStep)

	default:
		return nil
	}
}

// Vote records a waiting player's start-early vote.
func (m *Manager) Vote(ctx context.Context, gameID, playerID int64, vote string) error {
	game, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status != domain.GameForming {
		return domain.ErrSequenceViolation
	}
	if vote != domain.VoteStartNow && vote != domain.VoteWait {
		return fmt.Errorf("unknown vote %q", vote)
	}
	return m.store.RecordVote(ctx, gameID, playerID, vote)
}

// HandleVoteClose settles a start-early vote: a unanimous "wait" returns
// everyone to the pool and cancels the game, anything else fills the empty
// seats with bots and starts. Silence counts as agreement to start.
func (m *Manager) HandleVoteClose(ctx context.Context, step sched.Step) error {
	game, err := m.store.GetGame(ctx, step.GameID)
	if err != nil {
		m.log.Error("SEQUENCE ERROR: vote.close for unknown game", "game", step.GameID)
		return nil
	}
	if game.Status != domain.GameForming {
		m.log.Error("SEQUENCE ERROR: vote.close on game not forming", "game", game.ID, "status", game.Status)
		return nil
	}
	players, err := m.store.ListGamePlayers(ctx, game.ID)
	if err != nil {
		return err
	}
	votes, err := m.store.ListVotes(ctx, game.ID)
	if err != nil {
		return err
	}

	allWait := true
	for _, gp := range players {
		if votes[gp.PlayerID] != domain.VoteWait {
			allWait = false
			break
		}
	}

	if allWait {
		if err := m.store.UpdateGameStatus(ctx, game.ID, domain.GameForming, domain.GameCancelled); err != nil {
			return err
		}
		now := m.clock()
		for _, gp := range players {
			if err := m.store.AddToPool(ctx, gp.PlayerID, now); err != nil && err != domain.ErrAlreadyQueued {
				return err
			}
		}
		m.log.Info("vote failed, players returned to pool", "game", game.ID)
		return nil
	}

	if err := m.fillWithBots(ctx, game, players); err != nil {
		return err
	}
	return m.scheduleGameStart(ctx, game.ID)
}

// fillWithBots seats bots of the game's tier in every empty seat.
func (m *Manager) fillWithBots(ctx context.Context, game *domain.Game, players []*domain.GamePlayer) error {
	missing := m.settings.PlayersPerGame - len(players)
	if missing <= 0 {
		return nil
	}
	bots, err := m.store.ListBots(ctx, game.BotTier, missing)
	if err != nil {
		return err
	}
	order := len(players)
	for _, bot := range bots {
		order++
		gp := &domain.GamePlayer{GameID: game.ID, PlayerID: bot.ID, JoinOrder: order}
		if err := m.store.AddGamePlayer(ctx, gp); err != nil {
			return err
		}
	}
	m.log.Info("seats filled with bots", "game", game.ID, "tier", game.BotTier, "bots", len(bots))
	return nil
}

// CreatePrivateGame opens a private lobby and returns it with a fresh invite
// code for the creator to share. The tier picks the difficulty of bots seated
// in any leftover seats; empty means any tier.
func (m *Manager) CreatePrivateGame(ctx context.Context, creatorID int64, tier domain.BotTier) (*domain.Game, error) {
	game, err := m.createGame(ctx, domain.GamePrivate, creatorID, tier)
	if err != nil {
		return nil, err
	}
	gp := &domain.GamePlayer{GameID: game.ID, PlayerID: creatorID, JoinOrder: 1}
	if err := m.store.AddGamePlayer(ctx, gp); err != nil {
		return nil, err
	}
	m.log.Info("private game created", "game", game.ID, "creator", creatorID)
	return game, nil
}

// JoinPrivateGame seats an invited player; a full lobby starts automatically.
func (m *Manager) JoinPrivateGame(ctx context.Context, inviteCode string, playerID int64) (*domain.Game, error) {
	game, err := m.store.GetGameByInvite(ctx, inviteCode)
	if err != nil {
		return nil, err
	}
	if game.Status != domain.GameForming {
		return nil, domain.ErrGameNotFound
	}
	players, err := m.store.ListGamePlayers(ctx, game.ID)
	if err != nil {
		return nil, err
	}
	if len(players) >= m.settings.PlayersPerGame {
		return nil, domain.ErrGameFull
	}
	for _, gp := range players {
		if gp.PlayerID == playerID {
			return game, nil // already seated
		}
	}
	gp := &domain.GamePlayer{GameID: game.ID, PlayerID: playerID, JoinOrder: len(players) + 1}
	if err := m.store.AddGamePlayer(ctx, gp); err != nil {
		return nil, err
	}
	if len(players)+1 >= m.settings.PlayersPerGame {
		if err := m.scheduleGameStart(ctx, game.ID); err != nil {
			return nil, err
		}
	}
	return game, nil
}

// ForceStart lets the creator start a private game before it fills up; the
// remaining seats are taken by bots of the lobby's tier.
func (m *Manager) ForceStart(ctx context.Context, gameID, playerID int64) error {
	game, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game.CreatorID != playerID {
		return domain.ErrNotGameCreator
	}
	if game.Status != domain.GameForming {
		return domain.ErrSequenceViolation
	}
	players, err := m.store.ListGamePlayers(ctx, gameID)
	if err != nil {
		return err
	}
	if err := m.fillWithBots(ctx, game, players); err != nil {
		return err
	}
	return m.scheduleGameStart(ctx, gameID)
}

// createGame persists a forming game, refusing creation past the configured
// ceiling on concurrently active games.
func (m *Manager) createGame(ctx context.Context, kind domain.GameType, creatorID int64, tier domain.BotTier) (*domain.Game, error) {
	active, err := m.store.CountActiveGames(ctx)
	if err != nil {
		return nil, err
	}
	if active >= m.settings.MaxActiveGames {
		return nil, domain.ErrCapacityExceeded
	}
	game := &domain.Game{
		Type:        kind,
		Status:      domain.GameForming,
		CreatorID:   creatorID,
		TotalRounds: m.settings.RoundsPerGame,
		BotTier:     tier,
		CreatedAt:   m.clock(),
	}
	if kind == domain.GamePrivate {
		game.InviteCode = uuid.NewString()
	}
	if err := m.store.CreateGame(ctx, game); err != nil {
		return nil, err
	}
	return game, nil
}

func (m *Manager) scheduleGameStart(ctx context.Context, gameID int64) error {
	step := sched.NewStep(engine.StepGameStart, m.clock())
	step.GameID = gameID
	return m.queue.Schedule(ctx, step)
}
