package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(`ALTER TABLE games ADD COLUMN IF NOT EXISTS bot_tier TEXT NOT NULL DEFAULT ''`)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(`ALTER TABLE games DROP COLUMN IF EXISTS bot_tier`)
			return err
		},
	)
}
