// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/toolgate/internal/registry"
)

// MemoryStatePath keeps the state database in memory.
const MemoryStatePath = ":memory:"

// Store persists each server's runtime enabled flag in SQLite.
//
// Rows are written whenever the supervisor auto-enables a server or an
// operator toggles one, and are overlaid on the YAML definitions at load.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := path
	if path != MemoryStatePath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		connStr = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryStatePath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS server_state (
		name TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	return err
}

// SaveEnabled records the enabled flag for a server.
func (s *Store) SaveEnabled(ctx context.Context, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_state (name, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		name, enabled, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", name, err)
	}
	return nil
}

// EnabledState is one persisted row.
type EnabledState struct {
	Enabled   bool
	UpdatedAt time.Time
}

// LoadEnabled returns every persisted row keyed by server name.
func (s *Store) LoadEnabled(ctx context.Context) (map[string]EnabledState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, updated_at FROM server_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query server state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]EnabledState)
	for rows.Next() {
		var (
			name    string
			enabled bool
			updated int64
		)
		if err := rows.Scan(&name, &enabled, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan server state: %w", err)
		}
		out[name] = EnabledState{Enabled: enabled, UpdatedAt: time.Unix(0, updated)}
	}
	return out, rows.Err()
}

// Overlay applies persisted flags to defs. A row only wins when it was
// written after since, so editing the config file takes precedence over
// older runtime toggles. A zero since applies every row.
func (s *Store) Overlay(ctx context.Context, defs []registry.ServerDefinition, since time.Time) ([]registry.ServerDefinition, error) {
	state, err := s.LoadEnabled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]registry.ServerDefinition, len(defs))
	copy(out, defs)
	for i := range out {
		row, ok := state[out[i].Name]
		if !ok || (!since.IsZero() && !row.UpdatedAt.After(since)) {
			continue
		}
		out[i].Enabled = row.Enabled
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
