/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every repository the leave engine consumes (balances,
  requests, comp-off accounts, leave calendars, expiries, employees, audit
  log, holidays, policies and workflow definitions) on SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  leave.Repository:          Balances, requests, comp-off, calendars, expiries, directory, audit
  leave.HolidaySource:       One-read holiday snapshot per region
  leave.PolicySource:        Policy catalog backing
  workflow.DefinitionSource: Workflow registry backing
  generic.HolidayCalendar:   Regional holidays

OPTIMISTIC VERSIONING:
  Versioned aggregates are written with a compare-and-set:
  - expectedVersion 0:  INSERT ... ON CONFLICT DO NOTHING
  - expectedVersion n:  UPDATE ... WHERE version = n
  Zero rows affected means another writer won; the caller gets
  generic.ErrVersionMismatch and re-reads.

KEY TABLES:
  balances:          One row per (employee, leave type, year), JSON body
  requests:          Leave requests, filter columns plus JSON body
  compoff_accounts:  One comp-off aggregate per employee
  leave_calendars:   Dates claimed by open requests, one row per employee
  expiries:          Days lost at year end (insert-once)
  audit_log:         Append-only audit trail
  holidays:          Regional holiday calendar
  policies:          Policy versions
  workflow_definitions: Approval workflow templates

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/leave.db", sqlite.WithLogger(logger))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/workflow"
)

// timestampLayout is fixed width so stored instants sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger reports lookups that cannot return an error, such as
// generic.HolidayCalendar reads, on logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var (
	_ leave.Repository          = (*Store)(nil)
	_ leave.PolicySource        = (*Store)(nil)
	_ workflow.DefinitionSource = (*Store)(nil)
	_ generic.HolidayCalendar   = (*Store)(nil)
	_ leave.HolidaySource       = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balance rows (versioned)
	CREATE TABLE IF NOT EXISTS balances (
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		year INTEGER NOT NULL,
		version INTEGER NOT NULL,
		body_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, leave_type, year)
	);

	CREATE INDEX IF NOT EXISTS idx_balances_employee_year
		ON balances(employee_id, year);

	-- Leave requests (versioned)
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		status TEXT NOT NULL,
		settled BOOLEAN NOT NULL DEFAULT FALSE,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		body_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_employee_dates
		ON requests(employee_id, start_date, end_date);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_unsettled
		ON requests(settled) WHERE settled = FALSE;

	-- Comp-off accounts (versioned)
	CREATE TABLE IF NOT EXISTS compoff_accounts (
		employee_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		body_json TEXT NOT NULL
	);

	-- Leave calendars (versioned)
	CREATE TABLE IF NOT EXISTS leave_calendars (
		employee_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		body_json TEXT NOT NULL
	);

	-- Expired days (insert-once)
	CREATE TABLE IF NOT EXISTS expiries (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		year INTEGER NOT NULL,
		body_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expiries_employee_year
		ON expiries(employee_id, year);

	-- Employee directory (mirrored from the HR system)
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		body_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		employee_id TEXT NOT NULL DEFAULT '',
		leave_type TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		body_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_employee
		ON audit_log(employee_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_request
		ON audit_log(request_id) WHERE request_id != '';

	-- Holidays (regional and global)
	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		region TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		recurring BOOLEAN DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_holidays_region_date
		ON holidays(region, date);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_holidays_unique
		ON holidays(region, date, name);

	-- Policy versions
	CREATE TABLE IF NOT EXISTS policies (
		leave_type TEXT NOT NULL,
		region TEXT NOT NULL,
		version INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (leave_type, region, version)
	);

	-- Workflow definitions
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		workflow_type TEXT PRIMARY KEY,
		priority INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCES (leave.BalanceStore)
// =============================================================================

func (s *Store) LoadBalance(ctx context.Context, key generic.BalanceKey) (leave.LeaveBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		body    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT body_json, version FROM balances WHERE employee_id = ? AND leave_type = ? AND year = ?",
		key.EmployeeID, key.LeaveType, key.Year,
	).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.LeaveBalance{}, fmt.Errorf("balance %s: %w", key, generic.ErrNotFound)
	}
	if err != nil {
		return leave.LeaveBalance{}, fmt.Errorf("load balance %s: %w", key, err)
	}
	var b leave.LeaveBalance
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return leave.LeaveBalance{}, fmt.Errorf("decode balance %s: %w", key, err)
	}
	b.Version = version
	return b, nil
}

func (s *Store) SaveBalance(ctx context.Context, b leave.LeaveBalance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.Version = expectedVersion + 1
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance %s: %w", b.Key, err)
	}
	now := formatTimestamp(time.Now())

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO balances (employee_id, leave_type, year, version, body_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(employee_id, leave_type, year) DO NOTHING`,
			b.Key.EmployeeID, b.Key.LeaveType, b.Key.Year, b.Version, string(body), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE balances SET version = ?, body_json = ?, updated_at = ?
			WHERE employee_id = ? AND leave_type = ? AND year = ? AND version = ?`,
			b.Version, string(body), now, b.Key.EmployeeID, b.Key.LeaveType, b.Key.Year, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save balance %s: %w", b.Key, err)
	}
	return checkVersioned(res, "balance "+b.Key.String(), expectedVersion)
}

func (s *Store) ListBalances(ctx context.Context, employeeID generic.EmployeeID, year int) ([]leave.LeaveBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT body_json, version FROM balances WHERE employee_id = ? AND year = ? ORDER BY leave_type",
		employeeID, year)
	if err != nil {
		return nil, fmt.Errorf("list balances of %s: %w", employeeID, err)
	}
	defer rows.Close()

	var out []leave.LeaveBalance
	for rows.Next() {
		var (
			body    string
			version int64
		)
		if err := rows.Scan(&body, &version); err != nil {
			return nil, err
		}
		var b leave.LeaveBalance
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("decode balance of %s: %w", employeeID, err)
		}
		b.Version = version
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// REQUESTS (leave.RequestStore)
// =============================================================================

func (s *Store) LoadRequest(ctx context.Context, id generic.RequestID) (leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		body    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT body_json, version FROM requests WHERE id = ?", id).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.LeaveRequest{}, fmt.Errorf("request %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return leave.LeaveRequest{}, fmt.Errorf("load request %s: %w", id, err)
	}
	return decodeRequest(body, version)
}

func (s *Store) SaveRequest(ctx context.Context, r leave.LeaveRequest, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Version = expectedVersion + 1
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", r.ID, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO requests (id, employee_id, leave_type, status, settled, start_date, end_date, submitted_at, version, body_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			r.ID, r.EmployeeID, r.LeaveType, r.Status, r.Settled,
			r.StartDate.String(), r.EndDate.String(), formatTimestamp(r.SubmittedAt),
			r.Version, string(body))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE requests SET status = ?, settled = ?, start_date = ?, end_date = ?, version = ?, body_json = ?
			WHERE id = ? AND version = ?`,
			r.Status, r.Settled, r.StartDate.String(), r.EndDate.String(), r.Version, string(body),
			r.ID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return checkVersioned(res, "request "+string(r.ID), expectedVersion)
}

func (s *Store) ListRequests(ctx context.Context, filter leave.RequestFilter) ([]leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, filter.EmployeeID)
	}
	if filter.LeaveType != "" {
		where = append(where, "leave_type = ?")
		args = append(args, filter.LeaveType)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Unsettled {
		where = append(where, "settled = FALSE AND status IN (?, ?, ?)")
		args = append(args, leave.StatusApproved, leave.StatusRejected, leave.StatusCancelled)
	}
	if p := filter.Overlapping; p != nil {
		where = append(where, "start_date <= ? AND end_date >= ?")
		args = append(args, p.End.String(), p.Start.String())
	}

	query := "SELECT body_json, version FROM requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveRequest
	for rows.Next() {
		var (
			body    string
			version int64
		)
		if err := rows.Scan(&body, &version); err != nil {
			return nil, err
		}
		r, err := decodeRequest(body, version)
		if err != nil {
			return nil, err
		}
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func decodeRequest(body string, version int64) (leave.LeaveRequest, error) {
	var r leave.LeaveRequest
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return leave.LeaveRequest{}, fmt.Errorf("decode request: %w", err)
	}
	r.Version = version
	return r, nil
}

// =============================================================================
// LEAVE CALENDARS (leave.LeaveCalendarStore)
// =============================================================================

func (s *Store) LoadLeaveCalendar(ctx context.Context, employeeID generic.EmployeeID) (leave.LeaveCalendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		body    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT body_json, version FROM leave_calendars WHERE employee_id = ?", employeeID,
	).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.LeaveCalendar{}, fmt.Errorf("leave calendar %s: %w", employeeID, generic.ErrNotFound)
	}
	if err != nil {
		return leave.LeaveCalendar{}, fmt.Errorf("load leave calendar %s: %w", employeeID, err)
	}
	c := leave.NewLeaveCalendar(employeeID)
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return leave.LeaveCalendar{}, fmt.Errorf("decode leave calendar %s: %w", employeeID, err)
	}
	c.Version = version
	return c, nil
}

func (s *Store) SaveLeaveCalendar(ctx context.Context, c leave.LeaveCalendar, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Version = expectedVersion + 1
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode leave calendar %s: %w", c.EmployeeID, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO leave_calendars (employee_id, version, body_json) VALUES (?, ?, ?)
			ON CONFLICT(employee_id) DO NOTHING`,
			c.EmployeeID, c.Version, string(body))
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE leave_calendars SET version = ?, body_json = ? WHERE employee_id = ? AND version = ?",
			c.Version, string(body), c.EmployeeID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save leave calendar %s: %w", c.EmployeeID, err)
	}
	return checkVersioned(res, "leave calendar "+string(c.EmployeeID), expectedVersion)
}

// =============================================================================
// COMP-OFF ACCOUNTS (leave.CompOffStore)
// =============================================================================

func (s *Store) LoadCompOffAccount(ctx context.Context, employeeID generic.EmployeeID) (leave.CompOffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		body    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT body_json, version FROM compoff_accounts WHERE employee_id = ?", employeeID,
	).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.CompOffAccount{}, fmt.Errorf("comp-off account %s: %w", employeeID, generic.ErrNotFound)
	}
	if err != nil {
		return leave.CompOffAccount{}, fmt.Errorf("load comp-off account %s: %w", employeeID, err)
	}
	a := leave.NewCompOffAccount(employeeID)
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return leave.CompOffAccount{}, fmt.Errorf("decode comp-off account %s: %w", employeeID, err)
	}
	a.Version = version
	return a, nil
}

func (s *Store) SaveCompOffAccount(ctx context.Context, a leave.CompOffAccount, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Version = expectedVersion + 1
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode comp-off account %s: %w", a.EmployeeID, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO compoff_accounts (employee_id, version, body_json) VALUES (?, ?, ?)
			ON CONFLICT(employee_id) DO NOTHING`,
			a.EmployeeID, a.Version, string(body))
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE compoff_accounts SET version = ?, body_json = ? WHERE employee_id = ? AND version = ?",
			a.Version, string(body), a.EmployeeID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save comp-off account %s: %w", a.EmployeeID, err)
	}
	return checkVersioned(res, "comp-off account "+string(a.EmployeeID), expectedVersion)
}

func (s *Store) ListCompOffEmployees(ctx context.Context) ([]generic.EmployeeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT employee_id FROM compoff_accounts ORDER BY employee_id")
	if err != nil {
		return nil, fmt.Errorf("list comp-off accounts: %w", err)
	}
	defer rows.Close()

	var out []generic.EmployeeID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, generic.EmployeeID(id))
	}
	return out, rows.Err()
}

// =============================================================================
// EXPIRIES (leave.ExpiryStore)
// =============================================================================

// AppendExpiry stores rec once; a repeated ID keeps the first record.
func (s *Store) AppendExpiry(ctx context.Context, rec leave.ExpiryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode expiry %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expiries (id, employee_id, leave_type, year, body_json) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.EmployeeID, rec.LeaveType, rec.Year, string(body))
	if err != nil {
		return fmt.Errorf("append expiry %s: %w", rec.ID, err)
	}
	return nil
}

// ListExpiries returns an employee's expiry records; year 0 means every year.
func (s *Store) ListExpiries(ctx context.Context, employeeID generic.EmployeeID, year int) ([]leave.ExpiryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT body_json FROM expiries WHERE employee_id = ?"
	args := []any{employeeID}
	if year != 0 {
		query += " AND year = ?"
		args = append(args, year)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expiries of %s: %w", employeeID, err)
	}
	defer rows.Close()

	var out []leave.ExpiryRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec leave.ExpiryRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode expiry: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// EMPLOYEE DIRECTORY (leave.EmployeeDirectory)
// =============================================================================

// SaveEmployee upserts an employee profile mirrored from the HR system.
func (s *Store) SaveEmployee(ctx context.Context, emp leave.EmployeeProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(emp)
	if err != nil {
		return fmt.Errorf("encode employee %s: %w", emp.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO employees (id, body_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body_json = excluded.body_json,
			updated_at = excluded.updated_at`,
		emp.ID, string(body), formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("save employee %s: %w", emp.ID, err)
	}
	return nil
}

func (s *Store) GetEmployee(ctx context.Context, id generic.EmployeeID) (leave.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body_json FROM employees WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.EmployeeProfile{}, fmt.Errorf("employee %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return leave.EmployeeProfile{}, fmt.Errorf("load employee %s: %w", id, err)
	}
	var emp leave.EmployeeProfile
	if err := json.Unmarshal([]byte(body), &emp); err != nil {
		return leave.EmployeeProfile{}, fmt.Errorf("decode employee %s: %w", id, err)
	}
	return emp, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]leave.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT body_json FROM employees ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var out []leave.EmployeeProfile
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var emp leave.EmployeeProfile
		if err := json.Unmarshal([]byte(body), &emp); err != nil {
			return nil, fmt.Errorf("decode employee: %w", err)
		}
		out = append(out, emp)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (generic.AuditLog)
// =============================================================================

// Append adds an entry to the audit trail. There is no update or delete.
func (s *Store) Append(ctx context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, employee_id, leave_type, request_id, body_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTimestamp(entry.Timestamp), entry.ActorID, entry.Action,
		entry.EmployeeID, entry.LeaveType, entry.RequestID, string(body))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.EmployeeID != nil {
		where = append(where, "employee_id = ?")
		args = append(args, *filter.EmployeeID)
	}
	if filter.RequestID != nil {
		where = append(where, "request_id = ?")
		args = append(args, *filter.RequestID)
	}
	if filter.LeaveType != nil {
		where = append(where, "leave_type = ?")
		args = append(args, *filter.LeaveType)
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(filter.Actions))+")")
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	if filter.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTimestamp(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTimestamp(*filter.To))
	}

	query := "SELECT body_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e generic.AuditEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HOLIDAY CALENDAR IMPLEMENTATION
// =============================================================================

// SaveHoliday saves a holiday to the database.
func (s *Store) SaveHoliday(ctx context.Context, h generic.Holiday) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	query := `
		INSERT INTO holidays (id, region, date, name, recurring, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, date, name) DO UPDATE SET
			recurring = excluded.recurring
	`
	_, err := s.db.ExecContext(ctx, query,
		h.ID,
		h.Region,
		h.Date.Time.Format(generic.DateLayout),
		h.Name,
		h.Recurring,
		formatTimestamp(time.Now()),
	)
	return err
}

// DeleteHoliday deletes a holiday by ID.
func (s *Store) DeleteHoliday(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM holidays WHERE id = ?", id)
	return err
}

// GetHolidays returns all holidays for a region in a given year.
// Includes both region-specific and global holidays.
func (s *Store) GetHolidays(region generic.Region, year int) []generic.Holiday {
	cal, err := s.calendar(context.Background(), region)
	if err != nil {
		s.logger.Error("holiday lookup failed",
			zap.String("region", string(region)),
			zap.Int("year", year),
			zap.Error(err))
		return nil
	}
	return cal.GetHolidays(region, year)
}

// IsHoliday checks if a date is a holiday for the given region. It reads
// the whole region calendar; callers checking a range should load it once
// through GetAllHolidays.
func (s *Store) IsHoliday(region generic.Region, date generic.TimePoint) bool {
	cal, err := s.calendar(context.Background(), region)
	if err != nil {
		s.logger.Error("holiday lookup failed",
			zap.String("region", string(region)),
			zap.String("date", date.String()),
			zap.Error(err))
		return false
	}
	return cal.IsHoliday(region, date)
}

// GetAllHolidays returns every stored holiday of a region plus the global ones.
func (s *Store) GetAllHolidays(ctx context.Context, region generic.Region) ([]generic.Holiday, error) {
	cal, err := s.calendar(ctx, region)
	if err != nil {
		return nil, err
	}
	return cal.Holidays, nil
}

// calendar loads the holidays relevant to a region; recurrence and region
// matching are applied by generic.StaticHolidayCalendar.
func (s *Store) calendar(ctx context.Context, region generic.Region) (*generic.StaticHolidayCalendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, region, date, name, recurring
		FROM holidays
		WHERE region = ? OR region = ''
		ORDER BY date ASC`, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cal := &generic.StaticHolidayCalendar{}
	for rows.Next() {
		var (
			h       generic.Holiday
			dateStr string
		)
		if err := rows.Scan(&h.ID, &h.Region, &dateStr, &h.Name, &h.Recurring); err != nil {
			return nil, err
		}
		if h.Date, err = generic.ParseDate(dateStr); err != nil {
			return nil, err
		}
		cal.Holidays = append(cal.Holidays, h)
	}
	return cal, rows.Err()
}

// =============================================================================
// POLICIES AND WORKFLOW DEFINITIONS
// =============================================================================

// SavePolicies upserts policy versions keyed by (leave type, region, version).
func (s *Store) SavePolicies(ctx context.Context, policies []leave.LeavePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTimestamp(time.Now())
	for _, p := range policies {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode policy %s/%s: %w", p.LeaveType, p.Region, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO policies (leave_type, region, version, effective_from, config_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(leave_type, region, version) DO UPDATE SET
				effective_from = excluded.effective_from,
				config_json = excluded.config_json,
				updated_at = excluded.updated_at`,
			p.LeaveType, p.Region, p.Version, p.EffectiveFrom.String(), string(body), now)
		if err != nil {
			return fmt.Errorf("save policy %s/%s v%d: %w", p.LeaveType, p.Region, p.Version, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadPolicies(ctx context.Context) ([]leave.LeavePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT config_json FROM policies ORDER BY leave_type, region, version")
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	var out []leave.LeavePolicy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p leave.LeavePolicy
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveDefinitions upserts workflow definitions by workflow type.
func (s *Store) SaveDefinitions(ctx context.Context, defs []workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTimestamp(time.Now())
	for _, d := range defs {
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode workflow %s: %w", d.WorkflowType, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_definitions (workflow_type, priority, config_json, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(workflow_type) DO UPDATE SET
				priority = excluded.priority,
				config_json = excluded.config_json,
				updated_at = excluded.updated_at`,
			d.WorkflowType, d.Priority, string(body), now)
		if err != nil {
			return fmt.Errorf("save workflow %s: %w", d.WorkflowType, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadDefinitions(ctx context.Context) ([]workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT config_json FROM workflow_definitions ORDER BY priority DESC, workflow_type")
	if err != nil {
		return nil, fmt.Errorf("load workflow definitions: %w", err)
	}
	defer rows.Close()

	var out []workflow.Definition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d workflow.Definition
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode workflow definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// Reset deletes all data (for testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"balances", "requests", "compoff_accounts", "leave_calendars", "expiries", "employees",
		"audit_log", "holidays", "policies", "workflow_definitions"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func checkVersioned(res sql.Result, what string, expectedVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s not at version %d: %w", what, expectedVersion, generic.ErrVersionMismatch)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
