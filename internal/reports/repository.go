package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

// Page size limits for list queries.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrNoDevice is returned by list queries without a device id.
var ErrNoDevice = errors.New("reports: device id required")

// StoredReport is a persisted state change report.
type StoredReport struct {
	ID int64 `json:"id"`
	measurement.StateChangeReport
	CreatedAt time.Time `json:"createdAt"`
}

type storedMeta struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// MarshalJSON flattens the report fields next to id and createdAt.
func (r StoredReport) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(r.StateChangeReport)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(storedMeta{ID: r.ID, CreatedAt: r.CreatedAt})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &fields); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (r *StoredReport) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.StateChangeReport); err != nil {
		return err
	}
	var meta storedMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	r.ID = meta.ID
	r.CreatedAt = meta.CreatedAt
	return nil
}

// DeviceError is a persisted error event.
type DeviceError struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"deviceId"`
	Context    string    `json:"context"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Filter selects rows of one device, most recent first.
type Filter struct {
	DeviceID string
	Since    time.Time // optional, inclusive
	Until    time.Time // optional, exclusive
	Limit    int       // default 50, max 500
	Offset   int
}

func (f *Filter) clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Repository defines the report storage operations.
type Repository interface {
	InsertStateChange(ctx context.Context, r measurement.StateChangeReport) (int64, error)
	InsertError(ctx context.Context, ev events.ErrorEvent, at time.Time) error
	ListByDevice(ctx context.Context, filter Filter) ([]StoredReport, error)
	ListErrors(ctx context.Context, filter Filter) ([]DeviceError, error)
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// SQLiteRepository stores reports in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// toMillis stores the zero time as NULL.
func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

// InsertStateChange stores a report and its commands in one transaction.
//
// Returns:
//   - int64: The state report row id
//   - error: If the insert fails; nothing is stored in that case
func (r *SQLiteRepository) InsertStateChange(ctx context.Context, rep measurement.StateChangeReport) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO state_reports
		   (device_id, state_time, added, scheduled, executed, execution_delay_ms, command_count, failed_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.DeviceID,
		rep.StateTime.UnixMilli(),
		rep.Added.UnixMilli(),
		rep.Scheduled.UnixMilli(),
		toMillis(rep.Executed),
		measurement.Millis(rep.ExecutionDelay),
		len(rep.Commands),
		rep.Failed(),
		r.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting state report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading state report id: %w", err)
	}

	if len(rep.Commands) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO command_reports
			   (state_report_id, command_key, context, args_json, executed, execute_delay_ms, fulfilled, fulfilled_delay_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("preparing command insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range rep.Commands {
			args, err := marshalArgs(c.Args)
			if err != nil {
				return 0, err
			}
			var fulfilledDelay any
			if c.IsFulfilled() {
				fulfilledDelay = measurement.Millis(c.FulfilledDelay)
			}
			if _, err := stmt.ExecContext(ctx,
				id, c.Key, c.Context, args,
				c.Executed.UnixMilli(),
				measurement.Millis(c.ExecuteDelay),
				toMillis(c.Fulfilled),
				fulfilledDelay,
				c.Error,
			); err != nil {
				return 0, fmt.Errorf("inserting command report %s: %w", c.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing state report: %w", err)
	}
	return id, nil
}

func marshalArgs(args any) (any, error) {
	if args == nil {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshalling command args: %w", err)
	}
	return string(b), nil
}

// InsertError stores one error event.
func (r *SQLiteRepository) InsertError(ctx context.Context, ev events.ErrorEvent, at time.Time) error {
	msg := ""
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_errors (device_id, context, message, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.DeviceID, ev.Context, msg, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting device error: %w", err)
	}
	return nil
}

// where builds the WHERE clause of a device filter on the given time column.
func (f Filter) where(timeColumn string) (string, []any) {
	conditions := []string{"device_id = ?"}
	args := []any{f.DeviceID}
	if !f.Since.IsZero() {
		conditions = append(conditions, timeColumn+" >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, timeColumn+" < ?")
		args = append(args, f.Until.UnixMilli())
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListByDevice returns a device's reports with their commands, most recently
// scheduled first.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, filter Filter) ([]StoredReport, error) {
	if filter.DeviceID == "" {
		return nil, ErrNoDevice
	}
	filter.clamp()
	where, args := filter.where("scheduled")
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, state_time, added, scheduled, executed, execution_delay_ms, created_at
		 FROM state_reports`+where+`
		 ORDER BY scheduled DESC, id DESC
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state reports: %w", err)
	}

	var out []StoredReport
	index := make(map[int64]int)
	for rows.Next() {
		var (
			rep                         StoredReport
			stateTime, added, scheduled int64
			executed                    sql.NullInt64
			delay                       float64
			created                     int64
		)
		if err := rows.Scan(&rep.ID, &rep.DeviceID, &stateTime, &added, &scheduled, &executed, &delay, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning state report: %w", err)
		}
		rep.StateTime = time.UnixMilli(stateTime)
		rep.Added = time.UnixMilli(added)
		rep.Scheduled = time.UnixMilli(scheduled)
		rep.Executed = fromMillis(executed)
		rep.ExecutionDelay = measurement.FromMillis(delay)
		rep.CreatedAt = time.UnixMilli(created)
		rep.Commands = []measurement.CommandReport{}
		index[rep.ID] = len(out)
		out = append(out, rep)
	}
	// The pool holds a single connection; release it before the next query.
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating state reports: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := r.attachCommands(ctx, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLiteRepository) attachCommands(ctx context.Context, reports []StoredReport, index map[int64]int) error {
	placeholders := make([]string, 0, len(reports))
	args := make([]any, 0, len(reports))
	for _, rep := range reports {
		placeholders = append(placeholders, "?")
		args = append(args, rep.ID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT state_report_id, command_key, context, args_json, executed, execute_delay_ms, fulfilled, fulfilled_delay_ms, error
		 FROM command_reports
		 WHERE state_report_id IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("querying command reports: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reportID       int64
			c              measurement.CommandReport
			argsJSON       sql.NullString
			executed       int64
			executeDelay   float64
			fulfilled      sql.NullInt64
			fulfilledDelay sql.NullFloat64
		)
		if err := rows.Scan(&reportID, &c.Key, &c.Context, &argsJSON, &executed, &executeDelay, &fulfilled, &fulfilledDelay, &c.Error); err != nil {
			return fmt.Errorf("scanning command report: %w", err)
		}
		if argsJSON.Valid {
			var args any
			if err := json.Unmarshal([]byte(argsJSON.String), &args); err == nil {
				c.Args = args
			}
		}
		c.Executed = time.UnixMilli(executed)
		c.ExecuteDelay = measurement.FromMillis(executeDelay)
		c.Fulfilled = fromMillis(fulfilled)
		if fulfilledDelay.Valid {
			c.FulfilledDelay = measurement.FromMillis(fulfilledDelay.Float64)
		}
		i := index[reportID]
		reports[i].Commands = append(reports[i].Commands, c)
	}
	return rows.Err()
}

// ListErrors returns a device's errors, most recent first.
func (r *SQLiteRepository) ListErrors(ctx context.Context, filter Filter) ([]DeviceError, error) {
	if filter.DeviceID == "" {
		return nil, ErrNoDevice
	}
	filter.clamp()
	where, args := filter.where("occurred_at")
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, context, message, occurred_at
		 FROM device_errors`+where+`
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device errors: %w", err)
	}
	defer rows.Close()

	out := []DeviceError{}
	for rows.Next() {
		var (
			e  DeviceError
			at int64
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Context, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("scanning device error: %w", err)
		}
		e.OccurredAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneBefore deletes reports and errors older than t, by insertion time for
// reports and occurrence time for errors.
//
// Returns:
//   - int64: Number of state reports and errors removed
func (r *SQLiteRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cutoff := t.UnixMilli()
	res, err := tx.ExecContext(ctx, `DELETE FROM state_reports WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning state reports: %w", err)
	}
	reports, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports

	res, err = tx.ExecContext(ctx, `DELETE FROM device_errors WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning device errors: %w", err)
	}
	errs, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return reports + errs, nil
}
