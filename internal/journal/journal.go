package journal

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

	"github.com/zjrosen/modkit/internal/framework"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/service"
)

// Entry kinds.
const (
	KindService = "service"
	KindBundle  = "bundle"
)

// Run is one framework lifetime.
type Run struct {
	ID            string
	FrameworkUUID string
	StartedAt     time.Time
	StoppedAt     *time.Time
	Events        int
}

// Entry is one recorded event.
type Entry struct {
	ID         int64
	RunID      string
	At         time.Time
	Kind       string
	Type       string
	BundleID   *int64
	BundleName string
	ServiceID  *int64
	Classes    []string
	Properties map[string]any
}

// Query selects entries. Zero fields match everything.
type Query struct {
	RunID string
	Kind  string
	Type  string
	Limit int
}

// Journal records service and bundle events of one run. It is both a
// service.Listener and a framework.BundleListener. Write failures are
// logged and counted, never returned to the dispatcher.
type Journal struct {
	db     *DB
	runID  string
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	failed int
	closed bool

	svcToken    service.Token
	bundleToken int64
	ctx         *framework.Context
}

var (
	_ service.Listener         = (*Journal)(nil)
	_ framework.BundleListener = (*Journal)(nil)
)

// Begin starts a new run for the framework identified by frameworkUUID.
func Begin(db *DB, frameworkUUID string, logger *log.Logger) (*Journal, error) {
	j := &Journal{
		db:     db,
		runID:  uuid.NewString(),
		logger: logger,
		now:    time.Now,
	}
	_, err := db.conn.Exec(
		"INSERT INTO runs (id, framework_uuid, started_at) VALUES (?, ?, ?)",
		j.runID, frameworkUUID, j.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	logger.Info(log.CatJournal, "journal run started", "run", j.runID, "framework", frameworkUUID)
	return j, nil
}

// RunID identifies this run in the journal.
func (j *Journal) RunID() string { return j.runID }

// Failed reports how many events could not be written.
func (j *Journal) Failed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Attach registers the journal as a service and bundle listener through
// ctx. Detach, or the bundle stopping, removes both.
func (j *Journal) Attach(ctx *framework.Context) error {
	svcTok, err := ctx.AddServiceListener(j, "")
	if err != nil {
		return err
	}
	bundleTok, err := ctx.AddBundleListener(j)
	if err != nil {
		ctx.RemoveListener(svcTok)
		return err
	}
	j.mu.Lock()
	j.ctx, j.svcToken, j.bundleToken = ctx, svcTok, bundleTok
	j.mu.Unlock()
	return nil
}

// Detach removes the listeners added by Attach.
func (j *Journal) Detach() {
	j.mu.Lock()
	ctx := j.ctx
	j.ctx = nil
	j.mu.Unlock()
	if ctx == nil {
		return
	}
	ctx.RemoveListener(j.svcToken)
	ctx.RemoveBundleListener(j.bundleToken)
}

// ServiceChanged records a service event with the properties the service
// had at delivery time.
func (j *Journal) ServiceChanged(ev service.Event) {
	ref := ev.Reference
	var bundleID *int64
	var bundleName string
	if b := ref.Bundle(); b != nil {
		id := b.ID()
		bundleID, bundleName = &id, b.SymbolicName()
	}
	serviceID := ref.ID()

	var properties string
	if p := ref.Properties(); len(p) > 0 {
		data, err := json.Marshal(p.ToMap())
		if err == nil {
			properties = string(data)
		}
	}

	j.insert(KindService, ev.Type.String(), bundleID, bundleName, &serviceID,
		strings.Join(ref.Classes(), ","), properties)
}

// BundleChanged records a bundle lifecycle event.
func (j *Journal) BundleChanged(ev framework.BundleEvent) {
	id := ev.Bundle.ID()
	j.insert(KindBundle, ev.Type.String(), &id, ev.Bundle.SymbolicName(), nil, "", "")
}

func (j *Journal) insert(kind, typ string, bundleID *int64, bundleName string, serviceID *int64, classes, properties string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	_, err := j.db.conn.Exec(
		`INSERT INTO events (run_id, at, kind, type, bundle_id, bundle_name, service_id, classes, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, j.now().UnixNano(), kind, typ,
		bundleID, nullString(bundleName), serviceID, nullString(classes), nullString(properties),
	)
	if err != nil {
		j.failed++
		j.logger.ErrorErr(log.CatJournal, "journal write failed", err, "kind", kind, "type", typ)
	}
}

// Close detaches the journal and marks the run stopped. Events delivered
// after Close are dropped.
func (j *Journal) Close() error {
	j.Detach()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	_, err := j.db.conn.Exec("UPDATE runs SET stopped_at = ? WHERE id = ?", j.now().UnixNano(), j.runID)
	if err != nil {
		return fmt.Errorf("closing run: %w", err)
	}
	j.logger.Info(log.CatJournal, "journal run stopped", "run", j.runID)
	return nil
}

// Runs lists every run, newest first.
func (db *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id, r.framework_uuid, r.started_at, r.stopped_at, COUNT(e.id)
		FROM runs r LEFT JOIN events e ON e.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(&r.ID, &r.FrameworkUUID, &started, &stopped, &r.Events); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if stopped.Valid {
			t := time.Unix(0, stopped.Int64)
			r.StoppedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun(ctx context.Context) (Run, error) {
	runs, err := db.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNoRuns
	}
	return runs[0], nil
}

// ErrNoRuns is returned by LatestRun on an empty journal.
var ErrNoRuns = errors.New("journal has no runs")

// Entries returns recorded events matching q in the order they happened.
func (db *DB) Entries(ctx context.Context, q Query) ([]Entry, error) {
	var where []string
	var args []any
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, strings.ToUpper(q.Type))
	}

	query := "SELECT id, run_id, at, kind, type, bundle_id, bundle_name, service_id, classes, properties FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(scanner interface{ Scan(...any) error }) (Entry, error) {
	var (
		e                   Entry
		at                  int64
		bundleID, serviceID sql.NullInt64
		bundleName, classes sql.NullString
		properties          sql.NullString
	)
	if err := scanner.Scan(&e.ID, &e.RunID, &at, &e.Kind, &e.Type,
		&bundleID, &bundleName, &serviceID, &classes, &properties); err != nil {
		return Entry{}, err
	}
	e.At = time.Unix(0, at)
	if bundleID.Valid {
		e.BundleID = &bundleID.Int64
	}
	if serviceID.Valid {
		e.ServiceID = &serviceID.Int64
	}
	e.BundleName = bundleName.String
	if classes.String != "" {
		e.Classes = strings.Split(classes.String, ",")
	}
	if properties.String != "" {
		if err := json.Unmarshal([]byte(properties.String), &e.Properties); err != nil {
			return Entry{}, fmt.Errorf("decoding properties of event %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
