package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// {{json}} is replaced with the dialect's JSON column type.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS feed_partitions (
		partition_id    TEXT PRIMARY KEY,
		record_count    INTEGER NOT NULL DEFAULT 0,
		loaded_at       TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS feed_snapshots (
		partition_id      TEXT NOT NULL REFERENCES feed_partitions(partition_id) ON DELETE CASCADE,
		owner_id          TEXT NOT NULL,
		saved_at          TEXT NOT NULL,
		created_at        TIMESTAMP NOT NULL,
		position          INTEGER NOT NULL,
		vehicle_info      {{json}},
		image_ref         TEXT NOT NULL,
		like_count        INTEGER NOT NULL DEFAULT 0,
		liked_by          {{json}},
		description       TEXT,
		is_private        BOOLEAN NOT NULL DEFAULT FALSE,
		author_handle     TEXT,
		author_avatar_ref TEXT,
		PRIMARY KEY (partition_id, owner_id, saved_at)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_feed_snapshots_position ON feed_snapshots(partition_id, position);`,
}

func jsonType(dialect string) string {
	if dialect == "postgres" {
		return "JSONB"
	}
	return "TEXT"
}

func runMigrations(db *gorm.DB) error {
	typ := jsonType(db.Dialector.Name())
	for i, stmt := range migrationStatements {
		stmt = strings.ReplaceAll(stmt, "{{json}}", typ)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
