package database

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"ue1live/internal/metrics"
	dbconfig "ue1live/pkg/database"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/schema"
	"ue1live/pkg/types"
)

// Manager is the SQL-backed Realtime Store. Reads go straight to the pool;
// writes are serialized through one goroutine and each confirmed write is
// published to the notifier in commit order.
type Manager struct {
	db           *sqlx.DB
	notifier     interfaces.Notifier
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status

	retryDelay   time.Duration
	writeTimeout time.Duration
	now          func() time.Time
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sqlx.DB) error
	result    chan error
}

// Option customises a Manager.
type Option func(*Manager)

// WithRetryDelay sets the pause before the single retry of a failed write.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// WithClock replaces time.Now for store-maintained timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Open connects using cfg, applies pending migrations and returns a Manager.
func Open(cfg *dbconfig.Config, notifier interfaces.Notifier, opts ...Option) (*Manager, error) {
	db, err := dbconfig.Open(cfg)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "validate schema")
	}

	return NewManager(db, notifier, opts...), nil
}

// NewManager wraps an open, migrated database.
func NewManager(db *sqlx.DB, notifier interfaces.Notifier, opts ...Option) *Manager {
	manager := &Manager{
		db:           db,
		notifier:     notifier,
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(manager)
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	// and fixes the order in which change events are published
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer close(m.stopped)
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: Transient failures are retried exactly once;
			// constraint violations fail immediately
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				log.Printf("Database write failed, retrying in %v: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(m.writeTimeout):
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	// Once queued the operation runs even if ctx is cancelled; its outcome
	// decides whether a change event goes out.
	select {
	case err := <-result:
		return err
	case <-m.stopped:
		select {
		case err := <-result:
			return err
		default:
			return interfaces.ErrStoreClosed
		}
	}
}

// Upsert implements interfaces.RealtimeStore.
func (m *Manager) Upsert(ctx context.Context, table string, row types.Row, conflictKey []string) (types.Row, error) {
	started := time.Now()
	t, prepared, err := m.prepareUpsert(table, row, conflictKey)
	if err != nil {
		return nil, err
	}

	var stored types.Row
	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		var changeType types.ChangeType
		var opErr error
		stored, changeType, opErr = m.upsertRow(ctx, db, t, prepared, conflictKey)
		if opErr != nil {
			return opErr
		}
		m.publish(types.ChangeEvent{Table: table, Type: changeType, Row: stored, CommitTimestamp: m.now().UTC()})
		return nil
	})

	metrics.StoreWrites.WithLabelValues(table, "upsert", metrics.Status(err)).Inc()
	metrics.StoreWriteDuration.WithLabelValues(table).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (m *Manager) prepareUpsert(table string, row types.Row, conflictKey []string) (*schema.Table, types.Row, error) {
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, nil, err
	}
	if len(row) == 0 {
		return nil, nil, interfaces.ErrEmptyRow
	}
	if len(conflictKey) == 0 {
		return nil, nil, interfaces.ErrInvalidConflict
	}
	if err := t.CheckColumns(conflictKey...); err != nil {
		return nil, nil, err
	}

	prepared, err := t.CoerceRow(row)
	if err != nil {
		return nil, nil, err
	}
	if id, _ := prepared["id"].(string); id == "" {
		prepared["id"] = uuid.New().String()
	}
	for _, column := range conflictKey {
		if v, ok := prepared[column]; !ok || v == nil {
			return nil, nil, errors.Wrapf(interfaces.ErrInvalidConflict, "missing %s", column)
		}
	}
	t.Stamp(prepared, m.now(), true)
	return t, prepared, nil
}

func (m *Manager) upsertRow(ctx context.Context, db *sqlx.DB, t *schema.Table, row types.Row, conflictKey []string) (types.Row, types.ChangeType, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "begin upsert")
	}
	defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

	// Single writer: nothing can insert between this probe and the upsert
	where, whereArgs := buildWhere(t, conflictFilter(row, conflictKey))
	var existing int
	if err := tx.GetContext(ctx, &existing, tx.Rebind("SELECT COUNT(*) FROM "+t.Name+where), whereArgs...); err != nil {
		return nil, "", errors.Wrap(err, "probe conflict key")
	}
	changeType := types.ChangeInsert
	if existing > 0 {
		changeType = types.ChangeUpdate
		// Creation stamp belongs to the first insert
		delete(row, t.Created)
	}

	query, args, err := buildUpsert(t, row, conflictKey)
	if err != nil {
		return nil, "", err
	}

	raw := make(map[string]interface{})
	if err := tx.QueryRowxContext(ctx, tx.Rebind(query), args...).MapScan(raw); err != nil {
		return nil, "", translateError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", translateError(err)
	}

	stored, err := decodeRow(t, raw)
	if err != nil {
		return nil, "", err
	}
	return stored, changeType, nil
}

// Update implements interfaces.RealtimeStore.
func (m *Manager) Update(ctx context.Context, table string, partial types.Row, match types.Filter) (types.Row, error) {
	started := time.Now()
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	if len(partial) == 0 {
		return nil, interfaces.ErrEmptyRow
	}
	if len(match) == 0 {
		return nil, interfaces.ErrEmptyFilter
	}

	set, err := t.CoerceRow(partial)
	if err != nil {
		return nil, err
	}
	delete(set, "id")
	delete(set, t.Created)
	t.Stamp(set, m.now(), false)

	filter, err := t.CoerceFilter(match)
	if err != nil {
		return nil, err
	}

	var first types.Row
	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		rows, opErr := m.updateRows(ctx, db, t, set, filter)
		if opErr != nil {
			return opErr
		}
		commitTS := m.now().UTC()
		for _, row := range rows {
			m.publish(types.ChangeEvent{Table: table, Type: types.ChangeUpdate, Row: row, CommitTimestamp: commitTS})
		}
		first = rows[0]
		return nil
	})

	metrics.StoreWrites.WithLabelValues(table, "update", metrics.Status(err)).Inc()
	metrics.StoreWriteDuration.WithLabelValues(table).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	return first.Clone(), nil
}

func (m *Manager) updateRows(ctx context.Context, db *sqlx.DB, t *schema.Table, set types.Row, filter types.Filter) ([]types.Row, error) {
	query, args, err := buildUpdate(t, set, filter)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin update")
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.QueryxContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return nil, translateError(err)
	}

	var raws []map[string]interface{}
	for result.Next() {
		raw := make(map[string]interface{})
		if err := result.MapScan(raw); err != nil {
			_ = result.Close()
			return nil, errors.Wrap(err, "scan updated row")
		}
		raws = append(raws, raw)
	}
	if err := result.Err(); err != nil {
		_ = result.Close()
		return nil, translateError(err)
	}
	_ = result.Close()

	if len(raws) == 0 {
		return nil, interfaces.ErrRowNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, translateError(err)
	}

	rows := make([]types.Row, 0, len(raws))
	for _, raw := range raws {
		row, err := decodeRow(t, raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Select implements interfaces.RealtimeStore.
func (m *Manager) Select(ctx context.Context, table string, filter types.Filter) ([]types.Row, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	coerced, err := t.CoerceFilter(filter)
	if err != nil {
		return nil, err
	}

	query, args := buildSelect(t, coerced)
	result, err := m.db.QueryxContext(ctx, m.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", table)
	}
	defer func() { _ = result.Close() }()

	rows := []types.Row{}
	for result.Next() {
		raw := make(map[string]interface{})
		if err := result.MapScan(raw); err != nil {
			return nil, errors.Wrapf(err, "scan %s", table)
		}
		row, err := decodeRow(t, raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// Subscribe implements interfaces.RealtimeStore by delegating to the notifier.
func (m *Manager) Subscribe(ctx context.Context, table string, filter types.Filter, onChange interfaces.ChangeHandler) (interfaces.Subscription, error) {
	if m.notifier == nil {
		return nil, ErrNoNotifier
	}
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	coerced, err := t.CoerceFilter(filter)
	if err != nil {
		return nil, err
	}
	return m.notifier.Subscribe(ctx, table, coerced, onChange)
}

func (m *Manager) publish(event types.ChangeEvent) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(context.Background(), event); err != nil {
		log.Printf("Failed to publish %s change on %s: %v", event.Type, event.Table, err)
	}
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sessions"); err != nil {
		return errors.Wrap(err, "database read test failed")
	}
	return nil
}

// DB returns the underlying connection pool.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	// TECHNICAL DISCOVERY: Prevent multiple close operations
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	return nil
}
