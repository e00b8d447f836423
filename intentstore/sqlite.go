// Package intentstore persists settlement intents so that a settlement
// interrupted by a crash or a lost confirmation can be reconciled later.
package intentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown intent ID.
var ErrNotFound = errors.New("settlement intent not found")

// Store is a SQLite-backed x402.IntentStore. Intents are append-only.
type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger
	owned  bool
}

// ListOptions filters List.
type ListOptions struct {
	// Payer restricts results to one payer address (case-insensitive).
	Payer string

	// Since drops intents created before it.
	Since time.Time

	// Limit caps the number of results. Zero means 100.
	Limit int
}

// Open opens (or creates) the database at path.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	store, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// New creates a Store over an existing database handle and ensures the schema.
func New(db *sql.DB, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Store{db: db, logger: logger.WithField("category", "intents")}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS settlement_intents (
	"id" TEXT PRIMARY KEY,
	"scheme" TEXT NOT NULL,
	"network" TEXT NOT NULL,
	"payer" TEXT NOT NULL,
	"nonce" TEXT NOT NULL,
	"amount" TEXT NOT NULL,
	"payload" TEXT NOT NULL,      -- JSON PaymentPayload
	"requirements" TEXT NOT NULL, -- JSON PaymentRequirements
	"created_at" INTEGER NOT NULL -- Unix nanoseconds
);

CREATE INDEX IF NOT EXISTS idx_settlement_intents_created_at ON settlement_intents(created_at);
CREATE INDEX IF NOT EXISTS idx_settlement_intents_payer ON settlement_intents(payer);
`

	if _, err := s.db.ExecContext(context.Background(), createTableSQL); err != nil {
		return fmt.Errorf("failed to create settlement_intents table: %w", err)
	}

	s.logger.Debug("Created settlement_intents table")
	return nil
}

// Record implements x402.IntentStore.
func (s *Store) Record(ctx context.Context, intent *x402.SettlementIntent) error {
	payload, err := json.Marshal(&intent.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	requirements, err := json.Marshal(&intent.Requirements)
	if err != nil {
		return fmt.Errorf("failed to marshal requirements: %w", err)
	}

	createdAt := intent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_intents (id, scheme, network, payer, nonce, amount, payload, requirements, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		intent.ID,
		string(intent.Scheme),
		intent.Requirements.Network,
		normalize(intent.Payload.Payload.Authorization.From),
		intent.Payload.Payload.Authorization.Nonce,
		intent.SettlementAmount,
		string(payload),
		string(requirements),
		createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert intent %s: %w", intent.ID, err)
	}

	return nil
}

// Get returns the intent with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*x402.SettlementIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scheme, amount, payload, requirements, created_at
		FROM settlement_intents WHERE id = ?
	`, id)

	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return intent, err
}

// List returns intents, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*x402.SettlementIntent, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var since int64
	if !opts.Since.IsZero() {
		since = opts.Since.UnixNano()
	}

	query := `SELECT id, scheme, amount, payload, requirements, created_at FROM settlement_intents WHERE created_at >= ?`
	args := []interface{}{since}
	if opts.Payer != "" {
		query += ` AND payer = ?`
		args = append(args, normalize(opts.Payer))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var intents []*x402.SettlementIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intents: %w", err)
	}

	return intents, nil
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row scanner) (*x402.SettlementIntent, error) {
	var (
		intent       x402.SettlementIntent
		scheme       string
		payload      string
		requirements string
		createdAt    int64
	)

	if err := row.Scan(&intent.ID, &scheme, &intent.SettlementAmount, &payload, &requirements, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan intent: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &intent.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of intent %s: %w", intent.ID, err)
	}
	if err := json.Unmarshal([]byte(requirements), &intent.Requirements); err != nil {
		return nil, fmt.Errorf("failed to decode requirements of intent %s: %w", intent.ID, err)
	}

	intent.Scheme = x402.Scheme(scheme)
	intent.CreatedAt = time.Unix(0, createdAt).UTC()
	return &intent, nil
}

func normalize(address string) string {
	return strings.ToLower(address)
}
