package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

// ExecutionFilter narrows List results. Zero values match everything.
type ExecutionFilter struct {
	Phases    []model.Phase
	AlarmName string
	Limit     int
	Offset    int
}

// ExecutionStore defines the interface for durable loop execution storage
type ExecutionStore interface {
	// Create stores a new execution. It fails with ErrDuplicateExecution when
	// the trigger key was already used or the alarm has a waiting execution,
	// and with ErrExecutionBusy when the alarm's execution is being checked.
	Create(ctx context.Context, exec *model.LoopExecution) error

	// Get retrieves an execution by ID
	Get(ctx context.Context, id string) (*model.LoopExecution, error)

	// ListDue returns waiting executions whose wake-up time is not after now
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.LoopExecution, error)

	// Claim moves a waiting execution into the checking phase
	Claim(ctx context.Context, id string, now time.Time) error

	// Save writes the outcome of a check for a claimed execution
	Save(ctx context.Context, exec *model.LoopExecution) error

	// SetPendingTrigger parks a new trigger on the alarm's execution while it
	// is being checked. It fails with ErrNotClaimed when no check is running.
	SetPendingTrigger(ctx context.Context, alarmName, triggerKey string) error

	// TakePendingTrigger returns and clears the trigger parked on an execution
	TakePendingTrigger(ctx context.Context, id string) (string, error)

	// Terminate force-terminates a non-terminated execution
	Terminate(ctx context.Context, id string, reason model.TerminationReason, now time.Time) error

	// ResetChecking returns executions orphaned in the checking phase to waiting
	ResetChecking(ctx context.Context, now time.Time) (int, error)

	// List retrieves executions matching the filter, newest first
	List(ctx context.Context, filter ExecutionFilter) ([]*model.LoopExecution, error)

	// CountByPhase returns the number of executions in each phase
	CountByPhase(ctx context.Context) (map[model.Phase]int, error)

	// DeleteTerminatedBefore deletes terminated executions older than before
	DeleteTerminatedBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteExecutionStore implements ExecutionStore using SQLite
type SQLiteExecutionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionStore opens (or creates) the database at dbPath. Existing
// executions are kept so loops resume after a restart.
func NewSQLiteExecutionStore(logger *zap.Logger, dbPath string) (*SQLiteExecutionStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteExecutionStore{
		logger: logger.Named("execution-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteExecutionStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS loop_executions (
			id TEXT PRIMARY KEY,
			alarm_name TEXT NOT NULL,
			alarm_arn TEXT,
			trigger_key TEXT NOT NULL UNIQUE,
			phase TEXT NOT NULL,
			last_state TEXT,
			iterations INTEGER NOT NULL DEFAULT 0,
			notifications INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			wake_at INTEGER NOT NULL,
			reason TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			terminated_at DATETIME,
			pending_trigger_key TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_loop_executions_active_alarm
			ON loop_executions(alarm_name) WHERE phase != 'terminated';
		CREATE INDEX IF NOT EXISTS idx_loop_executions_due ON loop_executions(phase, wake_at);
		CREATE INDEX IF NOT EXISTS idx_loop_executions_terminated_at ON loop_executions(terminated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Stores created before pending triggers existed lack the column.
	_, err = s.db.Exec("ALTER TABLE loop_executions ADD COLUMN pending_trigger_key TEXT")
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

const selectColumns = `
	id, alarm_name, alarm_arn, trigger_key, phase, last_state,
	iterations, notifications, attempts, wake_at, reason, error,
	created_at, updated_at, terminated_at`

// Create implements ExecutionStore.Create
func (s *SQLiteExecutionStore) Create(ctx context.Context, exec *model.LoopExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_executions (
			id, alarm_name, alarm_arn, trigger_key, phase,
			wake_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.AlarmName,
		exec.AlarmARN,
		exec.TriggerKey,
		exec.Phase,
		exec.WakeAt.UnixMilli(),
		exec.CreatedAt.UTC(),
		exec.UpdatedAt.UTC(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.conflict(ctx, exec)
		}
		return fmt.Errorf("failed to store loop execution: %w", err)
	}
	return nil
}

// conflict tells a reused trigger key apart from an alarm whose running loop
// is in the middle of a check
func (s *SQLiteExecutionStore) conflict(ctx context.Context, exec *model.LoopExecution) error {
	var seen int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM loop_executions WHERE trigger_key = ?", exec.TriggerKey).Scan(&seen)
	if err != nil {
		return fmt.Errorf("failed to look up trigger key: %w", err)
	}
	if seen > 0 {
		return fmt.Errorf("%w: alarm %s trigger %s", ErrDuplicateExecution, exec.AlarmName, exec.TriggerKey)
	}

	var phase model.Phase
	err = s.db.QueryRowContext(ctx,
		"SELECT phase FROM loop_executions WHERE alarm_name = ? AND phase != ?",
		exec.AlarmName, model.PhaseTerminated).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		// The active row finished between the insert and this lookup.
		return fmt.Errorf("%w: alarm %s", ErrExecutionBusy, exec.AlarmName)
	}
	if err != nil {
		return fmt.Errorf("failed to look up active execution: %w", err)
	}
	if phase == model.PhaseChecking {
		return fmt.Errorf("%w: alarm %s", ErrExecutionBusy, exec.AlarmName)
	}
	return fmt.Errorf("%w: alarm %s trigger %s", ErrDuplicateExecution, exec.AlarmName, exec.TriggerKey)
}

// SetPendingTrigger implements ExecutionStore.SetPendingTrigger
func (s *SQLiteExecutionStore) SetPendingTrigger(ctx context.Context, alarmName, triggerKey string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loop_executions SET pending_trigger_key = ?
		WHERE alarm_name = ? AND phase = ?`,
		triggerKey, alarmName, model.PhaseChecking)
	if err != nil {
		return fmt.Errorf("failed to set pending trigger: %w", err)
	}
	return expectOneRow(result, alarmName)
}

// TakePendingTrigger implements ExecutionStore.TakePendingTrigger
func (s *SQLiteExecutionStore) TakePendingTrigger(ctx context.Context, id string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var pending sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT pending_trigger_key FROM loop_executions WHERE id = ?", id).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read pending trigger: %w", err)
	}
	if !pending.Valid {
		return "", nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE loop_executions SET pending_trigger_key = NULL WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("failed to clear pending trigger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return pending.String, nil
}

// Get implements ExecutionStore.Get
func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*model.LoopExecution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM loop_executions WHERE id = ?", id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return exec, nil
}

// ListDue implements ExecutionStore.ListDue
func (s *SQLiteExecutionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.LoopExecution, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT"+selectColumns+`
		FROM loop_executions
		WHERE phase = ? AND wake_at <= ?
		ORDER BY wake_at ASC
		LIMIT ?`,
		model.PhaseWaiting, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due executions: %w", err)
	}
	return scanExecutions(rows)
}

// Claim implements ExecutionStore.Claim
func (s *SQLiteExecutionStore) Claim(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loop_executions SET phase = ?, updated_at = ?
		WHERE id = ? AND phase = ?`,
		model.PhaseChecking, now.UTC(), id, model.PhaseWaiting)
	if err != nil {
		return fmt.Errorf("failed to claim execution: %w", err)
	}
	return expectOneRow(result, id)
}

// Save implements ExecutionStore.Save
func (s *SQLiteExecutionStore) Save(ctx context.Context, exec *model.LoopExecution) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loop_executions SET
			alarm_arn = ?,
			phase = ?,
			last_state = ?,
			iterations = ?,
			notifications = ?,
			attempts = ?,
			wake_at = ?,
			reason = ?,
			error = ?,
			updated_at = ?,
			terminated_at = ?
		WHERE id = ? AND phase = ?`,
		exec.AlarmARN,
		exec.Phase,
		sql.NullString{String: string(exec.LastState), Valid: exec.LastState != ""},
		exec.Iterations,
		exec.Notifications,
		exec.Attempts,
		exec.WakeAt.UnixMilli(),
		sql.NullString{String: string(exec.Reason), Valid: exec.Reason != ""},
		sql.NullString{String: exec.Error, Valid: exec.Error != ""},
		exec.UpdatedAt.UTC(),
		nullTime(exec.TerminatedAt),
		exec.ID,
		model.PhaseChecking,
	)
	if err != nil {
		return fmt.Errorf("failed to save loop execution: %w", err)
	}
	return expectOneRow(result, exec.ID)
}

// Terminate implements ExecutionStore.Terminate
func (s *SQLiteExecutionStore) Terminate(ctx context.Context, id string, reason model.TerminationReason, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loop_executions SET phase = ?, reason = ?, updated_at = ?, terminated_at = ?
		WHERE id = ? AND phase != ?`,
		model.PhaseTerminated, reason, now.UTC(), now.UTC(), id, model.PhaseTerminated)
	if err != nil {
		return fmt.Errorf("failed to terminate execution: %w", err)
	}
	return expectOneRow(result, id)
}

// ResetChecking implements ExecutionStore.ResetChecking
func (s *SQLiteExecutionStore) ResetChecking(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loop_executions SET phase = ?, updated_at = ?
		WHERE phase = ?`,
		model.PhaseWaiting, now.UTC(), model.PhaseChecking)
	if err != nil {
		return 0, fmt.Errorf("failed to reset checking executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(affected), nil
}

// List implements ExecutionStore.List
func (s *SQLiteExecutionStore) List(ctx context.Context, filter ExecutionFilter) ([]*model.LoopExecution, error) {
	query := "SELECT" + selectColumns + " FROM loop_executions"
	var conditions []string
	var args []interface{}

	if len(filter.Phases) > 0 {
		placeholders := make([]string, len(filter.Phases))
		for i, phase := range filter.Phases {
			placeholders[i] = "?"
			args = append(args, phase)
		}
		conditions = append(conditions, "phase IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.AlarmName != "" {
		conditions = append(conditions, "alarm_name = ?")
		args = append(args, filter.AlarmName)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return scanExecutions(rows)
}

// CountByPhase implements ExecutionStore.CountByPhase
func (s *SQLiteExecutionStore) CountByPhase(ctx context.Context) (map[model.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT phase, COUNT(*) FROM loop_executions GROUP BY phase")
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Phase]int)
	for rows.Next() {
		var phase model.Phase
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, fmt.Errorf("failed to scan execution count: %w", err)
		}
		counts[phase] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// DeleteTerminatedBefore implements ExecutionStore.DeleteTerminatedBefore
func (s *SQLiteExecutionStore) DeleteTerminatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM loop_executions WHERE phase = ? AND terminated_at < ?",
		model.PhaseTerminated, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old loop executions",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteExecutionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*model.LoopExecution, error) {
	var exec model.LoopExecution
	var alarmARN, lastState, reason, errorStr sql.NullString
	var wakeAt int64
	var terminatedAt sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.AlarmName,
		&alarmARN,
		&exec.TriggerKey,
		&exec.Phase,
		&lastState,
		&exec.Iterations,
		&exec.Notifications,
		&exec.Attempts,
		&wakeAt,
		&reason,
		&errorStr,
		&exec.CreatedAt,
		&exec.UpdatedAt,
		&terminatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan loop execution: %w", err)
	}

	exec.AlarmARN = alarmARN.String
	exec.LastState = model.AlarmState(lastState.String)
	exec.Reason = model.TerminationReason(reason.String)
	exec.Error = errorStr.String
	exec.WakeAt = time.UnixMilli(wakeAt).UTC()
	if terminatedAt.Valid {
		t := terminatedAt.Time
		exec.TerminatedAt = &t
	}

	return &exec, nil
}

func scanExecutions(rows *sql.Rows) ([]*model.LoopExecution, error) {
	defer rows.Close()

	var execs []*model.LoopExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return execs, nil
}

func expectOneRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
