package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	"github.com/SpiritWalker84/trivia-bot/internal/engine"
	pgmigrations "github.com/SpiritWalker84/trivia-bot/internal/infra/postgres/migrations"
	"github.com/SpiritWalker84/trivia-bot/internal/sched"
	pgstore "github.com/SpiritWalker84/trivia-bot/internal/store/postgres"
	"github.com/SpiritWalker84/trivia-bot/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type nullSender struct{}

func (nullSender) Send(context.Context, int64, string) (transport.MessageID, error) {
	return "sent", nil
}

func TestGameEndToEndOnPostgresAndRedis(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisAddr, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	applyMigrations(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	st := pgstore.New(pool)

	redisClient := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer redisClient.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
	locker := sched.NewRedisLocker(redisClient, 30*time.Second)
	scheduler := sched.New(redisClient, locker, sched.DefaultRetry, log, sched.WithClock(clock.Now))

	eng := engine.New(st, scheduler, locker, nullSender{},
		engine.Settings{
			RoundsPerGame:      1,
			QuestionsPerRound:  1,
			QuestionTimeLimit:  10 * time.Second,
			TieBreakTimeLimit:  5 * time.Second,
			PauseBetweenRounds: time.Second,
		},
		engine.DefaultRating, engine.DefaultBotProfiles, log,
		engine.WithClock(clock.Now))
	eng.Register(scheduler)

	// Seed the bank and a two-player game.
	for i := 0; i < 3; i++ {
		q := &domain.Question{
			Text:    fmt.Sprintf("question %d", i+1),
			Options: map[string]string{"A": "right", "B": "wrong", "C": "wrong", "D": "wrong"},
			Correct: "A",
			Theme:   "general",
		}
		if err := st.AddQuestion(ctx, q); err != nil {
			t.Fatalf("add question: %v", err)
		}
	}
	alice := &domain.Player{ChatID: 1, DisplayName: "Alice"}
	bob := &domain.Player{ChatID: 2, DisplayName: "Bob"}
	for _, p := range []*domain.Player{alice, bob} {
		if err := st.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("create player: %v", err)
		}
	}
	game := &domain.Game{
		Type:        domain.GameQuick,
		Status:      domain.GameForming,
		TotalRounds: 1,
		CreatedAt:   clock.Now(),
	}
	if err := st.CreateGame(ctx, game); err != nil {
		t.Fatalf("create game: %v", err)
	}
	for i, p := range []*domain.Player{alice, bob} {
		gp := &domain.GamePlayer{GameID: game.ID, PlayerID: p.ID, JoinOrder: i + 1}
		if err := st.AddGamePlayer(ctx, gp); err != nil {
			t.Fatalf("seat player: %v", err)
		}
	}

	if err := eng.StartGame(ctx, game.ID); err != nil {
		t.Fatalf("start game: %v", err)
	}

	answered := false
	for i := 0; i < 30; i++ {
		if _, err := scheduler.DrainOnce(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}

		g, err := st.GetGame(ctx, game.ID)
		if err != nil {
			t.Fatalf("get game: %v", err)
		}
		if g.Status == domain.GameCompleted {
			break
		}

		if !answered {
			if round, err := st.GetRoundByIndex(ctx, game.ID, 1); err == nil {
				if rq, err := st.GetRoundQuestionByIndex(ctx, round.ID, 1); err == nil && rq.Open() {
					clock.Advance(time.Second)
					if _, err := eng.SubmitAnswer(ctx, rq.ID, alice.ID, rq.CorrectShuffled); err != nil {
						t.Fatalf("alice answer: %v", err)
					}
					wrong := "B"
					if rq.CorrectShuffled == "B" {
						wrong = "C"
					}
					if _, err := eng.SubmitAnswer(ctx, rq.ID, bob.ID, wrong); err != nil {
						t.Fatalf("bob answer: %v", err)
					}
					answered = true
				}
			}
		}
		clock.Advance(3 * time.Second)
	}
	eng.Flush()

	g, err := st.GetGame(ctx, game.ID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if g.Status != domain.GameCompleted {
		t.Fatalf("game did not complete, status=%s", g.Status)
	}
	if !g.RatingsApplied {
		t.Fatalf("ratings not applied")
	}

	gps, err := st.ListGamePlayers(ctx, game.ID)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	for _, gp := range gps {
		switch gp.PlayerID {
		case alice.ID:
			if gp.FinalPlace != 1 || gp.TotalScore == 0 {
				t.Fatalf("alice should win: %+v", gp)
			}
		case bob.ID:
			if gp.FinalPlace != 2 {
				t.Fatalf("bob should be second: %+v", gp)
			}
		}
	}

	winner, err := st.GetPlayer(ctx, alice.ID)
	if err != nil {
		t.Fatalf("get winner: %v", err)
	}
	if winner.Rating != engine.DefaultRating.Winner || winner.GamesWon != 1 {
		t.Fatalf("winner rating not persisted: %+v", winner)
	}
}

func applyMigrations(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "trivia", "POSTGRES_PASSWORD": "triviapass", "POSTGRES_DB": "triviadb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://trivia:triviapass@%s:%s/triviadb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), func() {
		_ = container.Terminate(ctx)
	}
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
