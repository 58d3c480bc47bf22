package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/drive"
)

var (
	_ drive.Store   = (*DB)(nil)
	_ drive.Lister  = (*DB)(nil)
	_ drive.Sweeper = (*DB)(nil)
)

const runColumns = `run_id, pipeline_name, status, retry_number, window_start, window_end, target_date,
	phases_pending, phases_completed, phases_skipped, phase_failed,
	started_at, ended_at, duration_ms, failure_reason, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRun inserts a new drive record and any phase data it carries
func (db *DB) CreateRun(ctx context.Context, rec *drive.Record) error {
	if !rec.Status.Valid() {
		return errors.Newf("db: invalid status %q for run %s", rec.Status, rec.RunID)
	}

	pending, completed, skipped, err := encodeSets(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO drive_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, db.rebind(query),
			rec.RunID,
			rec.PipelineName,
			string(rec.Status),
			rec.RetryNumber,
			rec.WindowStart.UTC(),
			rec.WindowEnd.UTC(),
			rec.TargetDate,
			pending,
			completed,
			skipped,
			nullString(rec.PhaseFailed),
			rec.StartedAt.UTC(),
			nullTime(rec.EndedAt),
			nullDuration(rec.EndedAt, rec.Duration),
			nullString(rec.FailureReason),
			rec.CreatedAt.UTC(),
			rec.UpdatedAt.UTC(),
		)
		if err != nil {
			if IsDuplicate(err) {
				return errors.Wrapf(drive.ErrDuplicateRun, "run %s", rec.RunID)
			}
			return errors.Wrapf(err, "inserting run %s", rec.RunID)
		}

		for phase, data := range rec.PhaseData {
			if err := db.upsertPhaseData(ctx, tx, rec.RunID, phase, data, rec.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// GetRun retrieves a drive record with its phase data
func (db *DB) GetRun(ctx context.Context, runID string) (*drive.Record, error) {
	query := `SELECT ` + runColumns + ` FROM drive_runs WHERE run_id = ?`

	rec, err := scanRun(db.QueryRowContext(ctx, db.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(drive.ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading run %s", runID)
	}

	if err := db.loadPhaseData(ctx, db.DB, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// QueryByPipelineAndDate returns every attempt for a target date, newest first
func (db *DB) QueryByPipelineAndDate(ctx context.Context, pipeline, date string) ([]*drive.Record, error) {
	return db.ListRuns(ctx, drive.Filter{Pipeline: pipeline, TargetDate: date})
}

// QueryLastSuccess returns the successful run with the latest window end
func (db *DB) QueryLastSuccess(ctx context.Context, pipeline string) (*drive.Record, error) {
	query := `
		SELECT ` + runColumns + `
		FROM drive_runs
		WHERE pipeline_name = ? AND status = ?
		ORDER BY window_end DESC
		LIMIT 1
	`

	rec, err := scanRun(db.QueryRowContext(ctx, db.rebind(query), pipeline, string(drive.StatusSuccess)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(drive.ErrNotFound, "no successful run of %s", pipeline)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading last successful run of %s", pipeline)
	}

	if err := db.loadPhaseData(ctx, db.DB, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRuns returns records matching the filter, newest first
func (db *DB) ListRuns(ctx context.Context, f drive.Filter) ([]*drive.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Pipeline != "" {
		where = append(where, "pipeline_name = ?")
		args = append(args, f.Pipeline)
	}
	if f.TargetDate != "" {
		where = append(where, "target_date = ?")
		args = append(args, f.TargetDate)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + runColumns + ` FROM drive_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, run_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var runs []*drive.Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	rows.Close()

	for _, rec := range runs {
		if err := db.loadPhaseData(ctx, db.DB, rec); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// UpdatePhaseField overwrites the stored document of one phase
func (db *DB) UpdatePhaseField(ctx context.Context, runID, phase string, data json.RawMessage) error {
	if !json.Valid(data) {
		return errors.Newf("db: phase %s data for run %s is not valid JSON", phase, runID)
	}
	now := db.now().UTC()

	return db.WithTransaction(ctx, func(tx *Tx) error {
		if err := db.touch(ctx, tx, runID, now); err != nil {
			return err
		}
		return db.upsertPhaseData(ctx, tx, runID, phase, data, now)
	})
}

// UpdatePhaseSets moves a phase between the pending, completed, skipped and
// failed fields. The row is read and written inside one transaction; on
// postgres the read takes a row lock, on sqlite the transaction holds the
// write lock from its start.
func (db *DB) UpdatePhaseSets(ctx context.Context, runID, phase string, t drive.Transition) error {
	query := `
		SELECT phases_pending, phases_completed, phases_skipped, phase_failed
		FROM drive_runs
		WHERE run_id = ?
	`
	if db.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		var (
			pending, completed, skipped []byte
			failed                      sql.NullString
		)
		err := tx.QueryRowContext(ctx, db.rebind(query), runID).Scan(&pending, &completed, &skipped, &failed)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(drive.ErrNotFound, "run %s", runID)
		}
		if err != nil {
			return errors.Wrapf(err, "locking run %s", runID)
		}

		rec := &drive.Record{RunID: runID, PhaseFailed: failed.String}
		if err := decodeSet(pending, &rec.PhasesPending); err != nil {
			return err
		}
		if err := decodeSet(completed, &rec.PhasesCompleted); err != nil {
			return err
		}
		if err := decodeSet(skipped, &rec.PhasesSkipped); err != nil {
			return err
		}

		if err := rec.ApplyTransition(phase, t); err != nil {
			return err
		}

		encPending, encCompleted, encSkipped, err := encodeSets(rec)
		if err != nil {
			return err
		}

		update := `
			UPDATE drive_runs
			SET phases_pending = ?, phases_completed = ?, phases_skipped = ?, phase_failed = ?, updated_at = ?
			WHERE run_id = ?
		`
		_, err = tx.ExecContext(ctx, db.rebind(update),
			encPending, encCompleted, encSkipped, nullString(rec.PhaseFailed), db.now().UTC(), runID)
		return errors.Wrapf(err, "updating phase sets of run %s", runID)
	})
}

// Finalize stamps the terminal status, end time and elapsed duration
func (db *DB) Finalize(ctx context.Context, runID string, status drive.Status, endedAt time.Time, elapsed time.Duration) error {
	if !status.Valid() {
		return errors.Newf("db: invalid status %q", status)
	}

	query := `
		UPDATE drive_runs
		SET status = ?, ended_at = ?, duration_ms = ?, updated_at = ?
		WHERE run_id = ?
	`

	result, err := db.ExecContext(ctx, db.rebind(query),
		string(status), endedAt.UTC(), elapsed.Milliseconds(), db.now().UTC(), runID)
	if err != nil {
		return errors.Wrapf(err, "finalizing run %s", runID)
	}
	return requireOneRow(result, runID)
}

// MarkStaleRuns fails RUNNING records not updated since cutoff
func (db *DB) MarkStaleRuns(ctx context.Context, pipeline string, cutoff, now time.Time, reason string) ([]string, error) {
	query := `SELECT run_id, started_at FROM drive_runs WHERE status = ? AND updated_at < ?`
	args := []any{string(drive.StatusRunning), cutoff.UTC()}
	if pipeline != "" {
		query += ` AND pipeline_name = ?`
		args = append(args, pipeline)
	}
	query += ` ORDER BY created_at`
	if db.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}

	type stale struct {
		runID   string
		started time.Time
	}

	var ids []string
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, db.rebind(query), args...)
		if err != nil {
			return errors.Wrap(err, "selecting stale runs")
		}
		var found []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.runID, &s.started); err != nil {
				rows.Close()
				return errors.Wrap(err, "scanning stale run")
			}
			found = append(found, s)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		update := `
			UPDATE drive_runs
			SET status = ?, ended_at = ?, duration_ms = ?, failure_reason = ?, updated_at = ?
			WHERE run_id = ? AND status = ?
		`
		ended := now.UTC()
		for _, s := range found {
			_, err := tx.ExecContext(ctx, db.rebind(update),
				string(drive.StatusFailed), ended, ended.Sub(s.started.UTC()).Milliseconds(), reason, ended,
				s.runID, string(drive.StatusRunning))
			if err != nil {
				return errors.Wrapf(err, "failing stale run %s", s.runID)
			}
			ids = append(ids, s.runID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// touch advances updated_at and reports ErrNotFound for a missing run
func (db *DB) touch(ctx context.Context, q querier, runID string, now time.Time) error {
	result, err := q.ExecContext(ctx, db.rebind(`UPDATE drive_runs SET updated_at = ? WHERE run_id = ?`), now, runID)
	if err != nil {
		return errors.Wrapf(err, "touching run %s", runID)
	}
	return requireOneRow(result, runID)
}

func (db *DB) upsertPhaseData(ctx context.Context, q querier, runID, phase string, data json.RawMessage, now time.Time) error {
	query := `
		INSERT INTO drive_phase_data (run_id, phase_name, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, phase_name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, db.rebind(query), runID, phase, string(data), now.UTC())
	if err != nil {
		if IsForeignKey(err) {
			return errors.Wrapf(drive.ErrNotFound, "run %s", runID)
		}
		return errors.Wrapf(err, "writing %s data for run %s", phase, runID)
	}
	return nil
}

func (db *DB) loadPhaseData(ctx context.Context, q querier, rec *drive.Record) error {
	query := `SELECT phase_name, data FROM drive_phase_data WHERE run_id = ? ORDER BY phase_name`

	rows, err := q.QueryContext(ctx, db.rebind(query), rec.RunID)
	if err != nil {
		return errors.Wrapf(err, "reading phase data of run %s", rec.RunID)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			phase string
			data  []byte
		)
		if err := rows.Scan(&phase, &data); err != nil {
			return errors.Wrapf(err, "scanning phase data of run %s", rec.RunID)
		}
		rec.PhaseData[phase] = json.RawMessage(data)
	}
	return rows.Err()
}

func scanRun(row rowScanner) (*drive.Record, error) {
	var (
		rec                         drive.Record
		status                      string
		pending, completed, skipped []byte
		failed, reason              sql.NullString
		ended                       sql.NullTime
		durationMS                  sql.NullInt64
	)

	err := row.Scan(
		&rec.RunID,
		&rec.PipelineName,
		&status,
		&rec.RetryNumber,
		&rec.WindowStart,
		&rec.WindowEnd,
		&rec.TargetDate,
		&pending,
		&completed,
		&skipped,
		&failed,
		&rec.StartedAt,
		&ended,
		&durationMS,
		&reason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = drive.Status(status)
	rec.PhaseFailed = failed.String
	rec.FailureReason = reason.String
	rec.WindowStart = rec.WindowStart.UTC()
	rec.WindowEnd = rec.WindowEnd.UTC()
	rec.StartedAt = rec.StartedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if ended.Valid {
		t := ended.Time.UTC()
		rec.EndedAt = &t
	}
	if durationMS.Valid {
		rec.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	}
	rec.PhaseData = map[string]json.RawMessage{}

	if err := decodeSet(pending, &rec.PhasesPending); err != nil {
		return nil, err
	}
	if err := decodeSet(completed, &rec.PhasesCompleted); err != nil {
		return nil, err
	}
	if err := decodeSet(skipped, &rec.PhasesSkipped); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeSets(rec *drive.Record) (pending, completed, skipped string, err error) {
	if pending, err = encodeSet(rec.PhasesPending); err != nil {
		return
	}
	if completed, err = encodeSet(rec.PhasesCompleted); err != nil {
		return
	}
	skipped, err = encodeSet(rec.PhasesSkipped)
	return
}

func encodeSet(set []string) (string, error) {
	if set == nil {
		set = []string{}
	}
	b, err := json.Marshal(set)
	if err != nil {
		return "", errors.Wrap(err, "encoding phase set")
	}
	return string(b), nil
}

func decodeSet(raw []byte, dst *[]string) error {
	*dst = []string{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrap(err, "decoding phase set")
	}
	return nil
}

func requireOneRow(result sql.Result, runID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(drive.ErrNotFound, "run %s", runID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullDuration(ended *time.Time, d time.Duration) sql.NullInt64 {
	if ended == nil && d == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}
