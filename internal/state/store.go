package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for output state persistence.
// This abstraction allows the hub to be tested without a database.
type Repository interface {
	// SaveOutput records the last commanded state for an output.
	SaveOutput(ctx context.Context, id string, on bool) error

	// GetOutput retrieves the saved state for an output.
	// Returns ErrNotFound if no state has been saved.
	GetOutput(ctx context.Context, id string) (bool, error)

	// ListOutputs retrieves all saved output states keyed by ID.
	ListOutputs(ctx context.Context) (map[string]bool, error)

	// Prune removes saved states whose IDs are not in keep.
	// Called at startup so renamed or removed relays do not leave
	// stale rows behind.
	Prune(ctx context.Context, keep []string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository and ensures
// the schema exists. The db parameter should be an open SQLite connection.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// ensureSchema creates the output_states table if it is missing.
// Additive changes only; the table is tiny and rewritten in place.
func (r *SQLiteRepository) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS output_states (
			id         TEXT PRIMARY KEY,
			is_on      INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`

	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating output_states table: %w", err)
	}
	return nil
}

// SaveOutput records the last commanded state for an output.
func (r *SQLiteRepository) SaveOutput(ctx context.Context, id string, on bool) error {
	query := `
		INSERT INTO output_states (id, is_on, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_on = excluded.is_on,
			updated_at = excluded.updated_at`

	isOn := 0
	if on {
		isOn = 1
	}

	if _, err := r.db.ExecContext(ctx, query, id, isOn, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("saving output state %q: %w", id, err)
	}
	return nil
}

// GetOutput retrieves the saved state for an output.
func (r *SQLiteRepository) GetOutput(ctx context.Context, id string) (bool, error) {
	query := `SELECT is_on FROM output_states WHERE id = ?`

	var isOn int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&isOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("querying output state %q: %w", id, err)
	}
	return isOn != 0, nil
}

// ListOutputs retrieves all saved output states keyed by ID.
func (r *SQLiteRepository) ListOutputs(ctx context.Context) (map[string]bool, error) {
	query := `SELECT id, is_on FROM output_states`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing output states: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	states := make(map[string]bool)
	for rows.Next() {
		var (
			id   string
			isOn int
		)
		if err := rows.Scan(&id, &isOn); err != nil {
			return nil, fmt.Errorf("scanning output state: %w", err)
		}
		states[id] = isOn != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating output states: %w", err)
	}
	return states, nil
}

// Prune removes saved states whose IDs are not in keep.
func (r *SQLiteRepository) Prune(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM output_states`); err != nil {
			return fmt.Errorf("pruning output states: %w", err)
		}
		return nil
	}

	// Build a placeholder list; relay counts are small (tens at most).
	query := `DELETE FROM output_states WHERE id NOT IN (?` +
		repeatPlaceholder(len(keep)-1) + `)`
	args := make([]interface{}, len(keep))
	for i, id := range keep {
		args[i] = id
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("pruning output states: %w", err)
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
