// Package buildstore is the persistent table of builds, inputs, and
// outputs, accessed over database/sql via lib/pq.
package buildstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// BuildStatus is the lifecycle status of a Build.
type BuildStatus string

const (
	StatusQueued     BuildStatus = "queued"
	StatusBuilding   BuildStatus = "building"
	StatusUploading  BuildStatus = "uploading"
	StatusSucceeded  BuildStatus = "succeeded"
	StatusFailed     BuildStatus = "failed"
	StatusCanceled   BuildStatus = "canceled"
)

// Terminal reports whether status is one a build never leaves.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Build is the unit of work.
type Build struct {
	ID         int
	Origin     string
	Rev        string
	CreatedAt  time.Time
	Status     BuildStatus
	FinishedAt *time.Time
	ErrorMsg   *string
}

// Input is an expression path within a build.
type Input struct {
	ID      int
	BuildID int
	Path    string
}

// Output is one realized store path for one (input, platform) pair.
type Output struct {
	ID        int
	InputID   int
	System    string
	StorePath string
}

// InputOutputs pairs an Input with the Outputs realized for it.
type InputOutputs struct {
	Input   Input
	Outputs []Output
}

// DB wraps a *sql.DB with one method per query, in the teacher's style.
type DB struct {
	conn *sql.DB
}

// Open connects to databaseURL and ensures the schema exists.
func Open(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("buildstore: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("buildstore: ping: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenExisting wraps an already-open *sql.DB without running migrations,
// used to hand the orchestrator's finalizer an independent connection so
// that a build's failure handling still runs even when the primary
// connection has itself gone bad.
func OpenExisting(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

func (db *DB) migrate() error {
	var exists bool
	err := db.conn.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'builds')`,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("buildstore: check schema: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("buildstore: apply schema: %w", err)
	}
	return nil
}

func (db *DB) Close() error { return db.conn.Close() }

// CreateBuild inserts a new Build row in StatusQueued and returns it.
func (db *DB) CreateBuild(ctx context.Context, origin, rev string) (*Build, error) {
	row := db.conn.QueryRowContext(ctx,
		`INSERT INTO builds (origin, rev) VALUES ($1, $2)
		 RETURNING id, origin, rev, created_at, status, finished_at, error_msg`,
		origin, rev,
	)
	return scanBuild(row)
}

// SetInputs inserts one Input row per non-empty, trimmed path.
func (db *DB) SetInputs(ctx context.Context, buildID int, paths []string) error {
	stmt, err := db.conn.PrepareContext(ctx, `INSERT INTO inputs (build_id, path) VALUES ($1, $2)`)
	if err != nil {
		return fmt.Errorf("buildstore: prepare inputs insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, buildID, p); err != nil {
			return fmt.Errorf("buildstore: insert input: %w", err)
		}
	}
	return nil
}

// GetBuild loads a Build row by id, or (nil, nil) if it does not exist.
func (db *DB) GetBuild(ctx context.Context, id int) (*Build, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, origin, rev, created_at, status, finished_at, error_msg FROM builds WHERE id = $1`,
		id,
	)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListRecentBuilds returns the latest n builds by creation time.
func (db *DB) ListRecentBuilds(ctx context.Context, n int) ([]Build, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, origin, rev, created_at, status, finished_at, error_msg
		 FROM builds ORDER BY created_at DESC LIMIT $1`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("buildstore: list recent: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuildRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListUnterminatedBuilds returns every build whose status is in
// {queued, building, uploading}: the worker re-drives each of these on
// startup in case it died mid-build.
func (db *DB) ListUnterminatedBuilds(ctx context.Context) ([]Build, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, origin, rev, created_at, status, finished_at, error_msg
		 FROM builds WHERE status IN ('queued', 'building', 'uploading')`,
	)
	if err != nil {
		return nil, fmt.Errorf("buildstore: list unterminated: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuildRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListInputs returns every Input for a build.
func (db *DB) ListInputs(ctx context.Context, buildID int) ([]Input, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, build_id, path FROM inputs WHERE build_id = $1`, buildID)
	if err != nil {
		return nil, fmt.Errorf("buildstore: list inputs: %w", err)
	}
	defer rows.Close()

	var out []Input
	for rows.Next() {
		var i Input
		if err := rows.Scan(&i.ID, &i.BuildID, &i.Path); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListInputsWithOutputs returns every Input for a build paired with its
// realized Outputs, for the GET /build/{id} HTTP handler.
func (db *DB) ListInputsWithOutputs(ctx context.Context, buildID int) ([]InputOutputs, error) {
	inputs, err := db.ListInputs(ctx, buildID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[int][]Output, len(inputs))
	for _, in := range inputs {
		outs, err := db.listOutputs(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		grouped[in.ID] = outs
	}

	result := make([]InputOutputs, 0, len(inputs))
	for _, in := range inputs {
		result = append(result, InputOutputs{Input: in, Outputs: grouped[in.ID]})
	}
	return result, nil
}

func (db *DB) listOutputs(ctx context.Context, inputID int) ([]Output, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, input_id, system, store_path FROM outputs WHERE input_id = $1`, inputID)
	if err != nil {
		return nil, fmt.Errorf("buildstore: list outputs: %w", err)
	}
	defer rows.Close()

	var out []Output
	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.ID, &o.InputID, &o.System, &o.StorePath); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a build's status, setting finished_at whenever
// the new status is terminal and errMsg when non-empty. The WHERE clause
// guards terminal monotonicity (spec section 3): once a build reaches
// succeeded, failed, or canceled, no later call can move it to any other
// status, including a second terminal one.
func (db *DB) UpdateStatus(ctx context.Context, id int, status BuildStatus, errMsg string) error {
	if status.Terminal() {
		var msg *string
		if errMsg != "" {
			msg = &errMsg
		}
		_, err := db.conn.ExecContext(ctx,
			`UPDATE builds SET status = $1, finished_at = now(), error_msg = $2
			 WHERE id = $3 AND status NOT IN ('succeeded', 'failed', 'canceled')`,
			status, msg, id,
		)
		return err
	}
	_, err := db.conn.ExecContext(ctx,
		`UPDATE builds SET status = $1
		 WHERE id = $2 AND status NOT IN ('succeeded', 'failed', 'canceled')`,
		status, id)
	return err
}

// SetRev persists a resolved revision hash.
func (db *DB) SetRev(ctx context.Context, id int, rev string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE builds SET rev = $1 WHERE id = $2`, rev, id)
	return err
}

// DeleteOutputsForBuild removes every Output belonging to the build's
// Inputs, used on build_restarted so a rebuild doesn't keep stale outputs
// from the previous attempt.
func (db *DB) DeleteOutputsForBuild(ctx context.Context, buildID int) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM outputs WHERE input_id IN (SELECT id FROM inputs WHERE build_id = $1)`,
		buildID,
	)
	return err
}

// InsertOutput records one realized store path for an (input, system) pair.
func (db *DB) InsertOutput(ctx context.Context, inputID int, system, storePath string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO outputs (input_id, system, store_path) VALUES ($1, $2, $3)
		 ON CONFLICT (input_id, system) DO UPDATE SET store_path = EXCLUDED.store_path`,
		inputID, system, storePath,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*Build, error) {
	return scanBuildRows(row)
}

func scanBuildRows(row rowScanner) (*Build, error) {
	var b Build
	if err := row.Scan(&b.ID, &b.Origin, &b.Rev, &b.CreatedAt, &b.Status, &b.FinishedAt, &b.ErrorMsg); err != nil {
		return nil, err
	}
	return &b, nil
}
