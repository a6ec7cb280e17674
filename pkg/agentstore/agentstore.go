// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agentstore persists agent definitions in SQL. The core never
// depends on this package; it only requires that a stored row can be
// materialized back into an agent.Spec.
package agentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/agent"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrAgentNotFound is returned when no row matches the lookup.
var ErrAgentNotFound = errors.New("agent not found")

// Record is one persisted agent definition.
type Record struct {
	ID      uuid.UUID
	Name    string
	Version string
	Type    string

	// Spec is the serialized agent definition; MaterializeSpec revives
	// it through the spec decoder.
	Spec     map[string]any
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MaterializeSpec decodes and validates the stored agent definition.
func (r *Record) MaterializeSpec() (*agent.Spec, error) {
	return agent.DecodeSpec(r.Spec)
}

// Store is a dialect-aware repository over the bmp_agents table.
// Concurrency is handled by database-level locking.
type Store struct {
	db      *sql.DB
	dialect string
}

// New wraps an open database handle. Supported dialects: sqlite,
// postgres, mysql ("sqlite3" is accepted as an alias).
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle cannot be nil")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Open connects to the database and wraps it. driver is the
// database/sql driver name (sqlite3, postgres, mysql).
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	return New(db, driver)
}

// Migrate creates the bmp_agents table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range []string{s.createTableSQL(), createNameIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating bmp_agents: %w", err)
		}
	}
	return nil
}

const createNameIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_bmp_agents_name ON bmp_agents(agent_name)`

func (s *Store) createTableSQL() string {
	idType := "BLOB"
	jsonType := "TEXT"
	switch s.dialect {
	case "postgres":
		idType = "BYTEA"
		jsonType = "JSONB"
	case "mysql":
		idType = "BINARY(16)"
		jsonType = "JSON"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS bmp_agents (
    id %s PRIMARY KEY,
    agent_name VARCHAR(255) NOT NULL,
    agent_version VARCHAR(64) NOT NULL,
    agent_type VARCHAR(255) NOT NULL,
    agent_spec %s NOT NULL,
    metadata %s,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (agent_type, agent_version)
)`, idType, jsonType, jsonType)
}

// Save inserts the record, or updates the existing row with the same
// (agent_type, agent_version). The record's ID and timestamps are
// filled in and the effective ID returned.
func (s *Store) Save(ctx context.Context, rec *Record) (uuid.UUID, error) {
	if rec.Name == "" || rec.Version == "" || rec.Type == "" {
		return uuid.Nil, fmt.Errorf("agent name, version and type are required")
	}

	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling agent spec: %w", err)
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	now := time.Now().UTC()

	existing, err := s.GetByTypeVersion(ctx, rec.Type, rec.Version)
	switch {
	case err == nil:
		query := s.rebind(`UPDATE bmp_agents
            SET agent_name = ?, agent_spec = ?, metadata = ?, updated_at = ?
            WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, query, rec.Name, specJSON, metaJSON, now, existing.ID[:]); err != nil {
			return uuid.Nil, fmt.Errorf("updating agent %s@%s: %w", rec.Type, rec.Version, err)
		}
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = now
		return existing.ID, nil

	case errors.Is(err, ErrAgentNotFound):
		id := uuid.New()
		query := s.rebind(`INSERT INTO bmp_agents
            (id, agent_name, agent_version, agent_type, agent_spec, metadata, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, query, id[:], rec.Name, rec.Version, rec.Type, specJSON, metaJSON, now, now); err != nil {
			return uuid.Nil, fmt.Errorf("inserting agent %s@%s: %w", rec.Type, rec.Version, err)
		}
		rec.ID = id
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return id, nil

	default:
		return uuid.Nil, err
	}
}

const selectColumns = `id, agent_name, agent_version, agent_type, agent_spec, metadata, created_at, updated_at`

// GetByTypeVersion returns the unique record for (agent_type,
// agent_version).
func (s *Store) GetByTypeVersion(ctx context.Context, agentType, version string) (*Record, error) {
	query := s.rebind(`SELECT ` + selectColumns + `
        FROM bmp_agents WHERE agent_type = ? AND agent_version = ?`)
	return s.queryOne(ctx, query, agentType, version)
}

// GetByID returns the record with the given ID.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM bmp_agents WHERE id = ?`)
	return s.queryOne(ctx, query, id[:])
}

// ListByName returns every version of the named agent, newest first.
func (s *Store) ListByName(ctx context.Context, name string) ([]Record, error) {
	query := s.rebind(`SELECT ` + selectColumns + `
        FROM bmp_agents WHERE agent_name = ? ORDER BY updated_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("listing agents named %s: %w", name, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Delete removes the record with the given ID. Deleting an absent row
// reports ErrAgentNotFound.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	query := s.rebind(`DELETE FROM bmp_agents WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id[:])
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		rawID    []byte
		specJSON []byte
		metaJSON []byte
	)
	if err := row.Scan(&rawID, &rec.Name, &rec.Version, &rec.Type, &specJSON, &metaJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent row: %w", err)
	}

	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return nil, fmt.Errorf("decoding agent id: %w", err)
	}
	rec.ID = id

	if len(specJSON) > 0 {
		if err := json.Unmarshal(specJSON, &rec.Spec); err != nil {
			return nil, fmt.Errorf("decoding agent spec: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding agent metadata: %w", err)
		}
	}
	return &rec, nil
}

// rebind converts `?` placeholders to the dialect's native form.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
