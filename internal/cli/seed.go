package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"github.com/SpiritWalker84/trivia-bot/internal/config"
	"github.com/SpiritWalker84/trivia-bot/internal/domain"
	pgstore "github.com/SpiritWalker84/trivia-bot/internal/store/postgres"
)

type seedQuestion struct {
	Text       string            `json:"text"`
	Options    map[string]string `json:"options"`
	Correct    string            `json:"correct"`
	Difficulty int               `json:"difficulty"`
	Theme      string            `json:"theme"`
}

// NewSeedCmd imports questions from a JSON file into the bank.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import questions into the question bank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cfg, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "questions.json", "JSON file with questions")
	return cmd
}

func runSeed(ctx context.Context, cfg config.Config, file string) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var questions []seedQuestion
	if err := json.Unmarshal(data, &questions); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := pgstore.New(pool)

	existing, err := st.CountQuestions(ctx)
	if err != nil {
		return err
	}

	imported := 0
	for _, sq := range questions {
		if existing+imported >= cfg.Game.MaxQuestionBankSize {
			slog.Warn("question bank is full, stopping import",
				"limit", cfg.Game.MaxQuestionBankSize, "imported", imported)
			break
		}
		if err := validateSeed(sq); err != nil {
			slog.Warn("skipping invalid question", "text", sq.Text, "err", err)
			continue
		}
		q := &domain.Question{
			Text:       sq.Text,
			Options:    sq.Options,
			Correct:    sq.Correct,
			Difficulty: sq.Difficulty,
			Theme:      sq.Theme,
		}
		if err := st.AddQuestion(ctx, q); err != nil {
			return err
		}
		imported++
	}
	slog.Info("questions imported", "count", imported)
	return nil
}

func validateSeed(sq seedQuestion) error {
	if sq.Text == "" {
		return fmt.Errorf("empty text")
	}
	if len(sq.Options) < 2 {
		return fmt.Errorf("need at least two options")
	}
	if _, ok := sq.Options[sq.Correct]; !ok {
		return fmt.Errorf("correct position %q has no option", sq.Correct)
	}
	for pos := range sq.Options {
		valid := false
		for _, p := range domain.Positions {
			if pos == p {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("unknown option position %q", pos)
		}
	}
	return nil
}
