package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schemaName = "gffsync"

var migrations = []string{
	// 1: oauth tokens for installed-app credentials
	`CREATE TABLE IF NOT EXISTS tokens (
		account_name TEXT PRIMARY KEY,
		token TEXT
	)`,
	// 2: per-calendar sync cursors
	`CREATE TABLE IF NOT EXISTS sync_state (
		calendar_id TEXT PRIMARY KEY,
		sync_token TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	// 3: push channels, so a restarted process can stop its predecessor's
	`CREATE TABLE IF NOT EXISTS watch_channels (
		channel_id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	)`,
}

func dbInit(db *sqlx.DB) error {
	var dbVersion int
	err := db.Get(&dbVersion, "SELECT version FROM db_version WHERE name = ?", schemaName)
	if err != nil {
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS db_version (
			name TEXT PRIMARY KEY,
			version INTEGER
		)`); err != nil {
			return fmt.Errorf("creating db_version table: %w", err)
		}
		if _, err := db.Exec(`INSERT OR IGNORE INTO db_version (name, version) VALUES (?, 0)`, schemaName); err != nil {
			return fmt.Errorf("initializing db_version table: %w", err)
		}
		if err := db.Get(&dbVersion, "SELECT version FROM db_version WHERE name = ?", schemaName); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading db_version: %w", err)
		}
	}

	for dbVersion < len(migrations) {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[dbVersion]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", dbVersion+1, err)
		}
		dbVersion++
		if _, err := tx.Exec(`UPDATE db_version SET version = ? WHERE name = ?`, dbVersion, schemaName); err != nil {
			tx.Rollback()
			return fmt.Errorf("updating db_version to %d: %w", dbVersion, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
