package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/xcom"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS task_instances (
    id              TEXT PRIMARY KEY,
    dag_id          TEXT NOT NULL,
    task_id         TEXT NOT NULL,
    run_id          TEXT NOT NULL,
    map_index       INTEGER NOT NULL,
    try_number      INTEGER NOT NULL,
    bundle_name     TEXT NOT NULL,
    bundle_version  TEXT NOT NULL,
    dag_rel_path    TEXT NOT NULL,
    state           TEXT NOT NULL,
    hostname        TEXT,
    error           TEXT,
    max_tries       INTEGER NOT NULL,
    reschedule_date DATETIME,
    queued_at       DATETIME NOT NULL,
    start_date      DATETIME,
    end_date        DATETIME,
    duration_ms     INTEGER,
    next_method     TEXT,
    next_kwargs     TEXT,
    trigger_spec    TEXT
)`,
	`CREATE TABLE IF NOT EXISTS task_logs (
    ti_id TEXT NOT NULL,
    seq   INTEGER NOT NULL,
    line  TEXT NOT NULL,
    time  DATETIME NOT NULL,
    PRIMARY KEY (ti_id, seq)
)`,
	`CREATE TABLE IF NOT EXISTS dag_runs (
    dag_id              TEXT NOT NULL,
    run_id              TEXT NOT NULL,
    logical_date        DATETIME,
    data_interval_start DATETIME,
    data_interval_end   DATETIME,
    run_after           DATETIME NOT NULL,
    start_date          DATETIME NOT NULL,
    end_date            DATETIME,
    run_type            TEXT NOT NULL,
    state               TEXT NOT NULL,
    conf                TEXT,
    PRIMARY KEY (dag_id, run_id)
)`,
	`CREATE TABLE IF NOT EXISTS skipped_tasks (
    dag_id  TEXT NOT NULL,
    run_id  TEXT NOT NULL,
    task_id TEXT NOT NULL,
    PRIMARY KEY (dag_id, run_id, task_id)
)`,
	`CREATE TABLE IF NOT EXISTS xcoms (
    dag_id        TEXT NOT NULL,
    task_id       TEXT NOT NULL,
    run_id        TEXT NOT NULL,
    map_index     INTEGER NOT NULL,
    key           TEXT NOT NULL,
    value         TEXT,
    mapped_length INTEGER,
    updated_at    DATETIME NOT NULL,
    PRIMARY KEY (dag_id, task_id, run_id, map_index, key)
)`,
	`CREATE TABLE IF NOT EXISTS rendered_fields (
    ti_id  TEXT PRIMARY KEY,
    fields TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS variables (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS connections (
    conn_id   TEXT PRIMARY KEY,
    conn_type TEXT NOT NULL,
    host      TEXT,
    schema    TEXT,
    login     TEXT,
    password  TEXT,
    port      INTEGER,
    extra     TEXT
)`,
	`CREATE TABLE IF NOT EXISTS task_reschedules (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    ti_id           TEXT NOT NULL,
    try_number      INTEGER NOT NULL,
    start_date      DATETIME NOT NULL,
    reschedule_date DATETIME NOT NULL
)`,
}

// Compile-time interface satisfaction checks.
var (
	_ Store            = (*SQLiteStore)(nil)
	_ xcom.PriorReader = (*SQLiteStore)(nil)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// Times are stored in a sortable text form so date columns compare correctly.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A :memory: database lives per connection.
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskInstanceColumns = `id, dag_id, task_id, run_id, map_index, try_number,
	bundle_name, bundle_version, dag_rel_path, state, hostname, error, max_tries,
	reschedule_date, queued_at, start_date, end_date, next_method, next_kwargs, trigger_spec`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskInstance(row rowScanner) (*model.TaskInstanceRecord, error) {
	ti := &model.TaskInstanceRecord{}
	var (
		id                      string
		hostname, errText, next sql.NullString
		nextKwargs, trigger     sql.NullString
	)
	err := row.Scan(
		&id, &ti.DagID, &ti.TaskID, &ti.RunID, &ti.MapIndex, &ti.TryNumber,
		&ti.Bundle.Name, &ti.Bundle.Version, &ti.DagRelPath, &ti.State, &hostname, &errText, &ti.MaxTries,
		&ti.RescheduleDate, &ti.QueuedAt, &ti.StartDate, &ti.EndDate, &next, &nextKwargs, &trigger,
	)
	if err != nil {
		return nil, err
	}
	if ti.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse task instance id: %w", err)
	}
	ti.Hostname = hostname.String
	ti.Error = errText.String
	ti.NextMethod = next.String
	if err := unmarshalNull(nextKwargs, &ti.NextKwargs); err != nil {
		return nil, fmt.Errorf("decode next kwargs: %w", err)
	}
	if err := unmarshalNull(trigger, &ti.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	return ti, nil
}

// CreateTaskInstance inserts a new task instance record.
func (s *SQLiteStore) CreateTaskInstance(ctx context.Context, ti *model.TaskInstanceRecord) error {
	nextKwargs, err := marshalNull(ti.NextKwargs)
	if err != nil {
		return err
	}
	trigger, err := marshalNull(ti.Trigger)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_instances (`+taskInstanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ti.ID.String(), ti.DagID, ti.TaskID, ti.RunID, ti.MapIndex, ti.TryNumber,
		ti.Bundle.Name, ti.Bundle.Version, ti.DagRelPath, ti.State, ti.Hostname, ti.Error, ti.MaxTries,
		utcPtr(ti.RescheduleDate), ti.QueuedAt.UTC(), utcPtr(ti.StartDate), utcPtr(ti.EndDate),
		ti.NextMethod, nextKwargs, trigger,
	)
	if err != nil {
		return fmt.Errorf("insert task instance: %w", err)
	}
	return nil
}

// GetTaskInstance retrieves a task instance by ID.
func (s *SQLiteStore) GetTaskInstance(ctx context.Context, id uuid.UUID) (*model.TaskInstanceRecord, error) {
	ti, err := scanTaskInstance(s.db.QueryRowContext(ctx,
		`SELECT `+taskInstanceColumns+` FROM task_instances WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task instance: %w", err)
	}
	return ti, nil
}

// ListTaskInstances returns a paginated list of task instances ordered by
// queued_at DESC, along with the total count.
func (s *SQLiteStore) ListTaskInstances(ctx context.Context, limit, offset int) ([]*model.TaskInstanceRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_instances").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task instances: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskInstanceColumns+` FROM task_instances ORDER BY queued_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	var tis []*model.TaskInstanceRecord
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task instance: %w", err)
		}
		tis = append(tis, ti)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate task instances: %w", err)
	}

	return tis, total, nil
}

// UpdateTaskInstanceState moves a task instance to state, rejecting
// transitions the state machine does not allow. Entering a terminal or
// intermediate state sets end_date.
func (s *SQLiteStore) UpdateTaskInstanceState(ctx context.Context, id uuid.UUID, state model.TaskState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.TaskState
	err = tx.QueryRowContext(ctx, "SELECT state FROM task_instances WHERE id = ?", id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get task instance state: %w", err)
	}
	if !model.ValidTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	switch {
	case state == model.StateRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE task_instances SET state = ?, start_date = ?, end_date = NULL WHERE id = ?",
			state, now, id.String())
	case state.IsTerminal() || state.IsIntermediate():
		_, err = tx.ExecContext(ctx,
			"UPDATE task_instances SET state = ?, end_date = ? WHERE id = ?",
			state, now, id.String())
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE task_instances SET state = ? WHERE id = ?",
			state, id.String())
	}
	if err != nil {
		return fmt.Errorf("update task instance state: %w", err)
	}
	return tx.Commit()
}

// UpdateTaskInstance overwrites all mutable fields of a task instance.
func (s *SQLiteStore) UpdateTaskInstance(ctx context.Context, ti *model.TaskInstanceRecord) error {
	nextKwargs, err := marshalNull(ti.NextKwargs)
	if err != nil {
		return err
	}
	trigger, err := marshalNull(ti.Trigger)
	if err != nil {
		return err
	}
	var durationMS *int64
	if ti.StartDate != nil && ti.EndDate != nil {
		d := ti.EndDate.Sub(*ti.StartDate).Milliseconds()
		durationMS = &d
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE task_instances SET
			try_number = ?, state = ?, hostname = ?, error = ?, max_tries = ?,
			reschedule_date = ?, start_date = ?, end_date = ?, duration_ms = ?,
			next_method = ?, next_kwargs = ?, trigger_spec = ?
		WHERE id = ?`,
		ti.TryNumber, ti.State, ti.Hostname, ti.Error, ti.MaxTries,
		utcPtr(ti.RescheduleDate), utcPtr(ti.StartDate), utcPtr(ti.EndDate), durationMS,
		ti.NextMethod, nextKwargs, trigger,
		ti.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update task instance: %w", err)
	}
	return checkAffected(result, "task instance "+ti.ID.String())
}

// GetStats returns aggregate task instance statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByState: make(map[string]int),
		CountByDag:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_instances").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count task instances: %w", err)
	}
	if err := s.countBy(ctx, "state", stats.CountByState); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "dag_id", stats.CountByDag); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM task_instances WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM task_instances GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[k] = n
	}
	return rows.Err()
}

// InsertLogLine appends a captured output line of a task instance.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, tiID uuid.UUID, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (ti_id, seq, line, time) VALUES (?, ?, ?, ?)",
		tiID.String(), seq, line, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the captured output of a task instance in order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, tiID uuid.UUID) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, line, time FROM task_logs WHERE ti_id = ? ORDER BY seq", tiID.String())
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.Seq, &l.Line, &l.Time); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

const dagRunColumns = `dag_id, run_id, logical_date, data_interval_start, data_interval_end,
	run_after, start_date, end_date, run_type, state, conf`

func scanDagRun(row rowScanner) (*model.DagRun, error) {
	run := &model.DagRun{}
	var conf sql.NullString
	if err := row.Scan(
		&run.DagID, &run.RunID, &run.LogicalDate, &run.DataIntervalStart, &run.DataIntervalEnd,
		&run.RunAfter, &run.StartDate, &run.EndDate, &run.RunType, &run.State, &conf,
	); err != nil {
		return nil, err
	}
	if err := unmarshalNull(conf, &run.Conf); err != nil {
		return nil, fmt.Errorf("decode conf: %w", err)
	}
	return run, nil
}

// CreateDagRun inserts a dag run. It returns ErrAlreadyExists when the
// (dag_id, run_id) pair is taken.
func (s *SQLiteStore) CreateDagRun(ctx context.Context, run *model.DagRun) error {
	conf, err := marshalNull(run.Conf)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO dag_runs (`+dagRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dag_id, run_id) DO NOTHING`,
		run.DagID, run.RunID, utcPtr(run.LogicalDate), utcPtr(run.DataIntervalStart), utcPtr(run.DataIntervalEnd),
		run.RunAfter.UTC(), run.StartDate.UTC(), utcPtr(run.EndDate), run.RunType, run.State, conf,
	)
	if err != nil {
		return fmt.Errorf("insert dag run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dag run %s of %s: %w", run.RunID, run.DagID, ErrAlreadyExists)
	}
	return nil
}

// GetDagRun retrieves a dag run.
func (s *SQLiteStore) GetDagRun(ctx context.Context, dagID, runID string) (*model.DagRun, error) {
	run, err := scanDagRun(s.db.QueryRowContext(ctx,
		`SELECT `+dagRunColumns+` FROM dag_runs WHERE dag_id = ? AND run_id = ?`, dagID, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dag run %s of %s: %w", runID, dagID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dag run: %w", err)
	}
	return run, nil
}

// UpdateDagRunState sets the state of a dag run; finished states set end_date.
func (s *SQLiteStore) UpdateDagRunState(ctx context.Context, dagID, runID string, state model.DagRunState) error {
	var endDate *time.Time
	if state == model.DagRunSuccess || state == model.DagRunFailed {
		now := time.Now().UTC()
		endDate = &now
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE dag_runs SET state = ?, end_date = ? WHERE dag_id = ? AND run_id = ?",
		state, endDate, dagID, runID)
	if err != nil {
		return fmt.Errorf("update dag run state: %w", err)
	}
	return checkAffected(result, "dag run "+runID+" of "+dagID)
}

// PrevSuccessfulDagRun returns the latest successful run of dagID whose
// logical date is before the given one.
func (s *SQLiteStore) PrevSuccessfulDagRun(ctx context.Context, dagID string, before time.Time) (*model.DagRun, error) {
	run, err := scanDagRun(s.db.QueryRowContext(ctx,
		`SELECT `+dagRunColumns+` FROM dag_runs
		WHERE dag_id = ? AND state = ? AND logical_date IS NOT NULL AND logical_date < ?
		ORDER BY logical_date DESC LIMIT 1`,
		dagID, model.DagRunSuccess, before.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("previous successful run of %s: %w", dagID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get previous successful run: %w", err)
	}
	return run, nil
}

// SkipTasks marks tasks of a run as skipped by an upstream decision.
func (s *SQLiteStore) SkipTasks(ctx context.Context, dagID, runID string, taskIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range taskIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO skipped_tasks (dag_id, run_id, task_id) VALUES (?, ?, ?)",
			dagID, runID, id); err != nil {
			return fmt.Errorf("skip task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// SkippedTasks returns the task ids marked skipped in a run, sorted.
func (s *SQLiteStore) SkippedTasks(ctx context.Context, dagID, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id FROM skipped_tasks WHERE dag_id = ? AND run_id = ? ORDER BY task_id",
		dagID, runID)
	if err != nil {
		return nil, fmt.Errorf("list skipped tasks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan skipped task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetXCom implements xcom.Backend.
func (s *SQLiteStore) GetXCom(ctx context.Context, key xcom.Key) (any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM xcoms
		WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? AND key = ?`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name,
	).Scan(&raw)
	return decodeXCom(key, raw, err)
}

// GetXComPrior implements xcom.PriorReader: the value from key's run, or
// else from the latest earlier run of the same dag.
func (s *SQLiteStore) GetXComPrior(ctx context.Context, key xcom.Key) (any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT x.value FROM xcoms x
		LEFT JOIN dag_runs r ON r.dag_id = x.dag_id AND r.run_id = x.run_id
		WHERE x.dag_id = ? AND x.task_id = ? AND x.map_index = ? AND x.key = ?
		  AND (x.run_id = ? OR r.logical_date <= (
		        SELECT logical_date FROM dag_runs WHERE dag_id = ? AND run_id = ?))
		ORDER BY x.run_id = ? DESC, r.logical_date DESC, x.updated_at DESC
		LIMIT 1`,
		key.DagID, key.TaskID, key.MapIndex, key.Name,
		key.RunID, key.DagID, key.RunID, key.RunID,
	).Scan(&raw)
	return decodeXCom(key, raw, err)
}

func decodeXCom(key xcom.Key, raw sql.NullString, err error) (any, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, xcom.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get xcom %s: %w", key, err)
	}
	var v any
	if err := unmarshalNull(raw, &v); err != nil {
		return nil, fmt.Errorf("decode xcom %s: %w", key, err)
	}
	return v, nil
}

// SetXCom implements xcom.Backend.
func (s *SQLiteStore) SetXCom(ctx context.Context, key xcom.Key, value any, mappedLength *int) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode xcom %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO xcoms (dag_id, task_id, run_id, map_index, key, value, mapped_length, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dag_id, task_id, run_id, map_index, key)
		DO UPDATE SET value = excluded.value, mapped_length = excluded.mapped_length, updated_at = excluded.updated_at`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name, string(raw), mappedLength, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set xcom %s: %w", key, err)
	}
	return nil
}

// DeleteXCom implements xcom.Backend. Deleting a missing value is not an error.
func (s *SQLiteStore) DeleteXCom(ctx context.Context, key xcom.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM xcoms WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? AND key = ?`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name)
	if err != nil {
		return fmt.Errorf("delete xcom %s: %w", key, err)
	}
	return nil
}

// XComKeys lists the keys stored for one task instance.
func (s *SQLiteStore) XComKeys(ctx context.Context, dagID, taskID, runID string, mapIndex int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM xcoms WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? ORDER BY key`,
		dagID, taskID, runID, mapIndex)
	if err != nil {
		return nil, fmt.Errorf("list xcom keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan xcom key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MappedLength returns the recorded mapped length of an XCom.
func (s *SQLiteStore) MappedLength(ctx context.Context, key xcom.Key) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT mapped_length FROM xcoms
		WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? AND key = ?`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !n.Valid) {
		return 0, fmt.Errorf("mapped length of %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get mapped length: %w", err)
	}
	return int(n.Int64), nil
}

// SetRenderedFields stores the rendered template fields of a task instance.
func (s *SQLiteStore) SetRenderedFields(ctx context.Context, tiID uuid.UUID, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode rendered fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rendered_fields (ti_id, fields) VALUES (?, ?)
		ON CONFLICT (ti_id) DO UPDATE SET fields = excluded.fields`,
		tiID.String(), string(raw))
	if err != nil {
		return fmt.Errorf("set rendered fields: %w", err)
	}
	return nil
}

// GetRenderedFields returns the rendered template fields of a task instance.
func (s *SQLiteStore) GetRenderedFields(ctx context.Context, tiID uuid.UUID) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT fields FROM rendered_fields WHERE ti_id = ?", tiID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rendered fields of %s: %w", tiID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rendered fields: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode rendered fields: %w", err)
	}
	return fields, nil
}

// SetVariable creates or replaces a variable.
func (s *SQLiteStore) SetVariable(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variables (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set variable: %w", err)
	}
	return nil
}

// GetVariable returns a variable's value.
func (s *SQLiteStore) GetVariable(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM variables WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("variable %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get variable: %w", err)
	}
	return v, nil
}

// SetConnection creates or replaces a connection.
func (s *SQLiteStore) SetConnection(ctx context.Context, c model.Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (conn_id, conn_type, host, schema, login, password, port, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conn_id) DO UPDATE SET
			conn_type = excluded.conn_type, host = excluded.host, schema = excluded.schema,
			login = excluded.login, password = excluded.password, port = excluded.port, extra = excluded.extra`,
		c.ConnID, c.ConnType, c.Host, c.Schema, c.Login, c.Password, c.Port, c.Extra)
	if err != nil {
		return fmt.Errorf("set connection: %w", err)
	}
	return nil
}

// GetConnection returns a connection.
func (s *SQLiteStore) GetConnection(ctx context.Context, connID string) (model.Connection, error) {
	var (
		c                              model.Connection
		host, schema, login, pw, extra sql.NullString
		port                           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conn_id, conn_type, host, schema, login, password, port, extra
		FROM connections WHERE conn_id = ?`, connID,
	).Scan(&c.ConnID, &c.ConnType, &host, &schema, &login, &pw, &port, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Connection{}, fmt.Errorf("connection %s: %w", connID, ErrNotFound)
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	c.Host, c.Schema, c.Login, c.Password, c.Extra = host.String, schema.String, login.String, pw.String, extra.String
	c.Port = int(port.Int64)
	return c, nil
}

// AddReschedule records one reschedule of a try.
func (s *SQLiteStore) AddReschedule(ctx context.Context, tiID uuid.UUID, tryNumber int, startDate, rescheduleDate time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_reschedules (ti_id, try_number, start_date, reschedule_date) VALUES (?, ?, ?, ?)`,
		tiID.String(), tryNumber, startDate.UTC(), rescheduleDate.UTC())
	if err != nil {
		return fmt.Errorf("add reschedule: %w", err)
	}
	return nil
}

// FirstRescheduleStartDate returns the start date of the first reschedule of
// a try, or nil when the try was never rescheduled.
func (s *SQLiteStore) FirstRescheduleStartDate(ctx context.Context, tiID uuid.UUID, tryNumber int) (*time.Time, error) {
	var start time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT start_date FROM task_reschedules WHERE ti_id = ? AND try_number = ? ORDER BY id LIMIT 1`,
		tiID.String(), tryNumber,
	).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get first reschedule: %w", err)
	}
	return &start, nil
}

// RescheduleCount returns how many times a task instance was rescheduled.
func (s *SQLiteStore) RescheduleCount(ctx context.Context, tiID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_reschedules WHERE ti_id = ?`, tiID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reschedules: %w", err)
	}
	return n, nil
}

func checkAffected(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalNull(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalNull(s sql.NullString, into any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), into)
}
