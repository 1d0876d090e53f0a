package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SpiritWalker84/trivia-bot/internal/cache"
	"github.com/SpiritWalker84/trivia-bot/internal/config"
	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/engine"
	"github.com/SpiritWalker84/trivia-bot/internal/match"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
	"github.com/SpiritWalker84/trivia-bot/internal/store"
	"github.com/SpiritWalker84/trivia-bot/internal/store/memory"
	pgstore "github.com/SpiritWalker84/trivia-bot/internal/store/postgres"
	"github.com/SpiritWalker84/trivia-bot/internal/transport"
	"github.com/SpiritWalker84/trivia-bot/internal/transport/ws"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	defer redisClient.Close()

	var st store.Store = memory.New()
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = pgstore.New(pool)
	} else {
		log.Warn("postgres not configured, running on the in-memory store")
	}

	locker := sched.NewRedisLocker(redisClient, config.Duration(cfg.Scheduler.LockTTL, 30*time.Second))
	stepRetry := sched.RetryPolicy{
		MaxAttempts: cfg.Retry.StoreAttempts,
		Base:        config.Duration(cfg.Retry.StoreBackoff, 500*time.Millisecond),
		Cap:         time.Minute,
	}

	// The engine is built after the scheduler it enqueues into, so the
	// exhaustion hook dispatches through a late-bound pointer.
	var eng *engine.Engine
	scheduler := sched.New(redisClient, locker, stepRetry, log,
		sched.WithWorkers(cfg.Scheduler.Workers),
		sched.WithPollInterval(config.Duration(cfg.Scheduler.PollInterval, 250*time.Millisecond)),
		sched.WithOnExhausted(func(ctx context.Context, step sched.Step, cause error) {
			if eng != nil {
				eng.OnExhausted(ctx, step, cause)
			}
		}),
	)

	hub := ws.NewHub(log)
	sendRetry := sched.RetryPolicy{
		MaxAttempts: cfg.Retry.TransportAttempts,
		Base:        config.Duration(cfg.Retry.TransportBackoff, time.Second),
		Cap:         30 * time.Second,
	}
	sender := transport.NewRetryingSender(hub, sendRetry, log)

	readCache := cache.New(redisClient, cache.TTLs{
		Profile:     config.Duration(cfg.Cache.ProfileTTL, 5*time.Minute),
		Leaderboard: config.Duration(cfg.Cache.LeaderboardTTL, time.Minute),
		Theme:       config.Duration(cfg.Cache.ThemeTTL, 30*time.Minute),
		Settings:    config.Duration(cfg.Cache.SettingsTTL, 10*time.Minute),
	}, log)

	eng = engine.New(st, scheduler, locker, sender,
		engine.Settings{
			RoundsPerGame:      cfg.Game.RoundsPerGame,
			QuestionsPerRound:  cfg.Game.QuestionsPerRound,
			QuestionTimeLimit:  config.Duration(cfg.Game.QuestionTimeLimit, 10*time.Second),
			TieBreakTimeLimit:  config.Duration(cfg.Game.TieBreakTimeLimit, 20*time.Second),
			PauseBetweenRounds: config.Duration(cfg.Game.PauseBetweenRounds, time.Minute),
		},
		engine.RatingTable{
			Winner:        cfg.Rating.WinnerBonus,
			Second:        cfg.Rating.SecondBonus,
			Third:         cfg.Rating.ThirdBonus,
			FourthFifth:   cfg.Rating.FourthFifth,
			SixthToEighth: cfg.Rating.SixthToEighth,
			NinthOrLower:  cfg.Rating.NinthOrLower,
		},
		engine.BotProfiles{
			NoviceAccuracy:  cfg.Bots.NoviceAccuracy,
			AmateurAccuracy: cfg.Bots.AmateurAccuracy,
			ExpertAccuracy:  cfg.Bots.ExpertAccuracy,
			MinDelay:        config.Duration(cfg.Bots.MinResponseDelay, 3*time.Second),
			MaxDelay:        config.Duration(cfg.Bots.MaxResponseDelay, 15*time.Second),
		},
		log,
		// Ratings changed, so cached profiles and the leaderboard are stale.
		engine.WithAfterRatings(func(ctx context.Context, playerIDs []int64) {
			ids := make([]string, 0, len(playerIDs))
			for _, id := range playerIDs {
				ids = append(ids, strconv.FormatInt(id, 10))
			}
			if err := readCache.Invalidate(ctx, cache.KindProfile, ids...); err != nil {
				log.Warn("profile cache invalidation failed", "err", err)
			}
			if err := readCache.Invalidate(ctx, cache.KindLeaderboard, "top"); err != nil {
				log.Warn("leaderboard cache invalidation failed", "err", err)
			}
		}),
	)
	eng.Register(scheduler)

	manager := match.New(st, scheduler, match.Settings{
		PlayersPerGame:          cfg.Game.PlayersPerGame,
		MinPlayersForQuickStart: cfg.Game.MinPlayersForQuickStart,
		MinPlayersForVote:       cfg.Game.MinPlayersForVote,
		RoundsPerGame:           cfg.Game.RoundsPerGame,
		VoteDuration:            config.Duration(cfg.Game.VoteDuration, 45*time.Second),
		PoolCheckInterval:       config.Duration(cfg.Game.PoolCheckInterval, 5*time.Minute),
		MaxActiveGames:          cfg.Game.MaxActiveGames,
	}, log)
	manager.Register(scheduler)

	wsHandler := ws.NewHandler(hub, eng, manager, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.HandleFunc("/leaderboard", leaderboardHandler(readCache, st))
	mux.HandleFunc("/themes", themesHandler(readCache, st))
	mux.HandleFunc("/profile", profileHandler(readCache, st))
	mux.HandleFunc("/settings", settingsHandler(readCache, cfg))

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return scheduler.Run(groupCtx) })
	group.Go(func() error {
		if err := manager.StartPoolLoop(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		return nil
	})
	group.Go(func() error {
		log.Info("starting trivia server", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down")
	case <-groupCtx.Done():
		log.Info("worker stopped, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "err", err)
	}
	cancel()
	eng.Flush()
	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func leaderboardHandler(c *cache.Cache, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var top []*domain.Player
		err := c.GetJSON(r.Context(), cache.KindLeaderboard, "top", &top, func(ctx context.Context) (any, error) {
			return st.TopPlayers(ctx, 20)
		})
		writeJSON(w, top, err)
	}
}

func themesHandler(c *cache.Cache, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var themes []string
		err := c.GetJSON(r.Context(), cache.KindTheme, "all", &themes, func(ctx context.Context) (any, error) {
			return st.ListThemes(ctx)
		})
		writeJSON(w, themes, err)
	}
}

func profileHandler(c *cache.Cache, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, err := strconv.ParseInt(r.URL.Query().Get("playerId"), 10, 64)
		if err != nil || playerID <= 0 {
			http.Error(w, "missing or invalid playerId", http.StatusBadRequest)
			return
		}
		var player *domain.Player
		err = c.GetJSON(r.Context(), cache.KindProfile, strconv.FormatInt(playerID, 10), &player,
			func(ctx context.Context) (any, error) {
				return st.GetPlayer(ctx, playerID)
			})
		writeJSON(w, player, err)
	}
}

// gameSettings is the public shape of the rules clients show in a lobby.
type gameSettings struct {
	RoundsPerGame      int    `json:"roundsPerGame"`
	QuestionsPerRound  int    `json:"questionsPerRound"`
	PlayersPerGame     int    `json:"playersPerGame"`
	QuestionTimeLimit  string `json:"questionTimeLimit"`
	TieBreakTimeLimit  string `json:"tieBreakTimeLimit"`
	PauseBetweenRounds string `json:"pauseBetweenRounds"`
	VoteDuration       string `json:"voteDuration"`
}

func settingsHandler(c *cache.Cache, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var settings gameSettings
		err := c.GetJSON(r.Context(), cache.KindSettings, "game", &settings, func(context.Context) (any, error) {
			return gameSettings{
				RoundsPerGame:      cfg.Game.RoundsPerGame,
				QuestionsPerRound:  cfg.Game.QuestionsPerRound,
				PlayersPerGame:     cfg.Game.PlayersPerGame,
				QuestionTimeLimit:  cfg.Game.QuestionTimeLimit,
				TieBreakTimeLimit:  cfg.Game.TieBreakTimeLimit,
				PauseBetweenRounds: cfg.Game.PauseBetweenRounds,
				VoteDuration:       cfg.Game.VoteDuration,
			}, nil
		})
		writeJSON(w, settings, err)
	}
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
