// Package memstore is an in-process Realtime Store. It backs driver=memory
// deployments and coordinator tests, and can inject faults: failing the next
// operations of a kind and severing every live subscription.
package memstore

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"ue1live/internal/hub"
	"ue1live/internal/metrics"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/schema"
	"ue1live/pkg/types"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpUpsert    Op = "upsert"
	OpUpdate    Op = "update"
	OpSelect    Op = "select"
	OpSubscribe Op = "subscribe"
)

type storedRow struct {
	row types.Row
	seq int64
}

// Store is an in-memory RealtimeStore.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]*storedRow // table -> id -> row
	seq    int64
	faults map[Op][]error
	hub    *hub.Hub
	closed bool

	queueSize int
	now       func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now for store-maintained timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQueueSize bounds each subscriber's pending events.
func WithQueueSize(n int) Option {
	return func(s *Store) { s.queueSize = n }
}

// New creates an empty store with its own change hub.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]map[string]*storedRow),
		faults: make(map[Op][]error),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = s.startHub()
	return s
}

func (s *Store) startHub() *hub.Hub {
	h := hub.NewHub(nil, nil, s.queueSize)
	if err := h.Start(context.Background()); err != nil {
		log.Printf("memstore: failed to start hub: %v", err)
	}
	return h
}

// FailNext makes the next operation of kind op fail with err
// (ErrInjected when err is nil). Calls queue up.
func (s *Store) FailNext(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// ClearFaults drops every pending injected fault.
func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[Op][]error)
}

// SeverSubscriptions signals every live subscription as lost, as a dropped
// transport would. Later subscriptions work normally.
func (s *Store) SeverSubscriptions() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.hub
	s.hub = s.startHub()
	s.mu.Unlock()

	if err := old.Stop(); err != nil {
		log.Printf("memstore: failed to stop hub: %v", err)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	h := s.hub
	s.mu.Unlock()
	return h.SubscriberCount()
}

// takeFault must be called with s.mu held.
func (s *Store) takeFault(op Op) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

// Upsert implements interfaces.RealtimeStore.
func (s *Store) Upsert(ctx context.Context, table string, row types.Row, conflictKey []string) (types.Row, error) {
	stored, err := s.upsert(table, row, conflictKey)
	metrics.StoreWrites.WithLabelValues(table, "upsert", metrics.Status(err)).Inc()
	return stored, err
}

func (s *Store) upsert(table string, row types.Row, conflictKey []string) (types.Row, error) {
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, interfaces.ErrEmptyRow
	}
	if len(conflictKey) == 0 {
		return nil, interfaces.ErrInvalidConflict
	}
	if err := t.CheckColumns(conflictKey...); err != nil {
		return nil, err
	}
	prepared, err := t.CoerceRow(row)
	if err != nil {
		return nil, err
	}
	if id, _ := prepared["id"].(string); id == "" {
		prepared["id"] = uuid.New().String()
	}
	for _, column := range conflictKey {
		if v, ok := prepared[column]; !ok || v == nil {
			return nil, errors.Wrapf(interfaces.ErrInvalidConflict, "missing %s", column)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	if err := s.takeFault(OpUpsert); err != nil {
		return nil, err
	}

	rows := s.table(table)
	existing := s.findByKey(rows, prepared, conflictKey)

	var full types.Row
	changeType := types.ChangeInsert
	if existing != nil {
		changeType = types.ChangeUpdate
		t.Stamp(prepared, s.now(), false)
		full = existing.row.Clone()
		isKey := make(map[string]bool, len(conflictKey))
		for _, c := range conflictKey {
			isKey[c] = true
		}
		for column, v := range prepared {
			if isKey[column] || column == "id" || column == t.Created {
				continue
			}
			full[column] = v
		}
	} else {
		t.Stamp(prepared, s.now(), true)
		full = t.Complete(prepared)
		if _, taken := rows[full["id"].(string)]; taken {
			return nil, errors.Wrapf(interfaces.ErrConflict, "%s.id", table)
		}
	}

	if err := t.Check(full); err != nil {
		return nil, err
	}
	if err := s.checkUnique(t, rows, full); err != nil {
		return nil, err
	}

	s.store(rows, full, existing)
	s.publish(types.ChangeEvent{Table: table, Type: changeType, Row: full.Clone(), CommitTimestamp: s.now().UTC()})
	return full.Clone(), nil
}

// Update implements interfaces.RealtimeStore.
func (s *Store) Update(ctx context.Context, table string, partial types.Row, match types.Filter) (types.Row, error) {
	updated, err := s.update(table, partial, match)
	metrics.StoreWrites.WithLabelValues(table, "update", metrics.Status(err)).Inc()
	return updated, err
}

func (s *Store) update(table string, partial types.Row, match types.Filter) (types.Row, error) {
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
	filter, err := t.CoerceFilter(match)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	if err := s.takeFault(OpUpdate); err != nil {
		return nil, err
	}

	rows := s.table(table)
	matched := s.matching(t, rows, filter)
	if len(matched) == 0 {
		return nil, interfaces.ErrRowNotFound
	}

	t.Stamp(set, s.now(), false)
	updated := make([]types.Row, 0, len(matched))
	for _, existing := range matched {
		full := existing.row.Clone()
		for column, v := range set {
			full[column] = v
		}
		if err := t.Check(full); err != nil {
			return nil, err
		}
		if err := s.checkUnique(t, rows, full); err != nil {
			return nil, err
		}
		updated = append(updated, full)
	}

	commitTS := s.now().UTC()
	for i, full := range updated {
		s.store(rows, full, matched[i])
		s.publish(types.ChangeEvent{Table: table, Type: types.ChangeUpdate, Row: full.Clone(), CommitTimestamp: commitTS})
	}
	return updated[0].Clone(), nil
}

// Select implements interfaces.RealtimeStore.
func (s *Store) Select(ctx context.Context, table string, filter types.Filter) ([]types.Row, error) {
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	coerced, err := t.CoerceFilter(filter)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	if err := s.takeFault(OpSelect); err != nil {
		return nil, err
	}

	matched := s.matching(t, s.table(table), coerced)
	out := make([]types.Row, len(matched))
	for i, r := range matched {
		out[i] = r.row.Clone()
	}
	return out, nil
}

// Subscribe implements interfaces.RealtimeStore.
func (s *Store) Subscribe(ctx context.Context, table string, filter types.Filter, onChange interfaces.ChangeHandler) (interfaces.Subscription, error) {
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	coerced, err := t.CoerceFilter(filter)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, interfaces.ErrStoreClosed
	}
	if err := s.takeFault(OpSubscribe); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	h := s.hub
	s.mu.Unlock()

	return h.Subscribe(ctx, table, coerced, onChange)
}

// Close stops the hub, signalling every subscription as lost.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.hub
	s.mu.Unlock()

	if err := h.Stop(); err != nil && err != hub.ErrHubNotRunning {
		return err
	}
	return nil
}

// table must be called with s.mu held.
func (s *Store) table(name string) map[string]*storedRow {
	rows, ok := s.tables[name]
	if !ok {
		rows = make(map[string]*storedRow)
		s.tables[name] = rows
	}
	return rows
}

func (s *Store) findByKey(rows map[string]*storedRow, row types.Row, key []string) *storedRow {
	for _, candidate := range rows {
		matches := true
		for _, c := range key {
			if !types.ValuesEqual(candidate.row[c], row[c]) {
				matches = false
				break
			}
		}
		if matches {
			return candidate
		}
	}
	return nil
}

func (s *Store) matching(t *schema.Table, rows map[string]*storedRow, filter types.Filter) []*storedRow {
	var out []*storedRow
	for _, r := range rows {
		if matchesFilter(filter, r.row) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if t.Less(out[i].row, out[j].row) {
			return true
		}
		if t.Less(out[j].row, out[i].row) {
			return false
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func matchesFilter(filter types.Filter, row types.Row) bool {
	for column, want := range filter {
		if !types.ValuesEqual(want, row[column]) {
			return false
		}
	}
	return true
}

func (s *Store) checkUnique(t *schema.Table, rows map[string]*storedRow, row types.Row) error {
	id := row["id"]
	for _, u := range t.Unique {
		if u.Partial != nil && !u.Partial(row) {
			continue
		}
		for _, other := range rows {
			if other.row["id"] == id {
				continue
			}
			if u.Partial != nil && !u.Partial(other.row) {
				continue
			}
			same := true
			for _, c := range u.Columns {
				if !types.ValuesEqual(other.row[c], row[c]) {
					same = false
					break
				}
			}
			if same {
				return errors.Wrapf(interfaces.ErrConflict, "%s", u.Name)
			}
		}
	}
	return nil
}

func (s *Store) store(rows map[string]*storedRow, row types.Row, existing *storedRow) {
	if existing != nil {
		existing.row = row
		return
	}
	s.seq++
	rows[row["id"].(string)] = &storedRow{row: row, seq: s.seq}
}

// publish must be called with s.mu held so events leave in commit order.
func (s *Store) publish(event types.ChangeEvent) {
	if err := s.hub.Publish(context.Background(), event); err != nil {
		log.Printf("memstore: failed to publish %s change on %s: %v", event.Type, event.Table, err)
	}
}
