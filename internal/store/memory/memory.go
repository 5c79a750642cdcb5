// internal/store/memory/memory.go
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

var errReadOnly = errors.New("memory store: write in read-only transaction")

type codeKey struct {
	tenant domain.TenantID
	code   string
}

type dataset struct {
	tenants      map[domain.TenantID]domain.Tenant
	items        map[uuid.UUID]domain.Item
	patrons      map[uuid.UUID]domain.Patron
	groups       map[codeKey]domain.PatronGroup
	loanPolicies map[codeKey]domain.LoanPolicy
	feePolicies  map[codeKey]domain.FeePolicy
	rules        map[domain.TenantID][]domain.CirculationRule
	defaults     map[domain.TenantID]domain.PolicyDefaults
	loans        map[uuid.UUID]domain.Loan
	requests     map[uuid.UUID]domain.Request
	fees         map[uuid.UUID]domain.Fee
	payments     map[uuid.UUID]domain.Payment
	intents      map[uuid.UUID]domain.Intent
}

func newDataset() *dataset {
	return &dataset{
		tenants:      map[domain.TenantID]domain.Tenant{},
		items:        map[uuid.UUID]domain.Item{},
		patrons:      map[uuid.UUID]domain.Patron{},
		groups:       map[codeKey]domain.PatronGroup{},
		loanPolicies: map[codeKey]domain.LoanPolicy{},
		feePolicies:  map[codeKey]domain.FeePolicy{},
		rules:        map[domain.TenantID][]domain.CirculationRule{},
		defaults:     map[domain.TenantID]domain.PolicyDefaults{},
		loans:        map[uuid.UUID]domain.Loan{},
		requests:     map[uuid.UUID]domain.Request{},
		fees:         map[uuid.UUID]domain.Fee{},
		payments:     map[uuid.UUID]domain.Payment{},
		intents:      map[uuid.UUID]domain.Intent{},
	}
}

// Store is an in-process implementation of store.Store. Writes are staged per
// transaction and applied atomically on commit; row locks are held until the
// transaction ends.
type Store struct {
	mu          sync.RWMutex
	data        *dataset
	locksMu     sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

// Option configures the memory store.
type Option func(*Store)

// WithLockTimeout makes lock waits longer than d fail with a conflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates an empty memory store.
func New(opts ...Option) *Store {
	s := &Store{
		data:  newDataset(),
		locks: map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// WithinTx implements store.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, false, fn)
}

// ReadOnly implements store.Store.
func (s *Store) ReadOnly(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, true, fn)
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{s: s, readOnly: readOnly, held: map[string]chan struct{}{}}
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data
	if violatesUnique(d.items, &t.items, itemBarcodeKey) ||
		violatesUnique(d.patrons, &t.patrons, patronEmailKey) ||
		violatesUnique(d.patrons, &t.patrons, patronBarcodeKey) ||
		violatesUnique(d.fees, &t.fees, feeAccrualKey) ||
		violatesUnique(d.intents, &t.intents, intentDedupKey) {
		return apperr.ErrConflict.With("unique constraint violated on commit")
	}
	for id := range t.tenants.put {
		if _, exists := d.tenants[id]; exists && t.tenantInserts[id] {
			return apperr.ErrConflict.With("tenant %s already exists", id)
		}
	}

	t.tenants.commit(d.tenants)
	t.items.commit(d.items)
	t.patrons.commit(d.patrons)
	t.groups.commit(d.groups)
	t.loanPolicies.commit(d.loanPolicies)
	t.feePolicies.commit(d.feePolicies)
	t.rules.commit(d.rules)
	t.defaults.commit(d.defaults)
	t.loans.commit(d.loans)
	t.requests.commit(d.requests)
	t.fees.commit(d.fees)
	t.payments.commit(d.payments)
	t.intents.commit(d.intents)
	return nil
}

// lock acquires the row lock named key for t, waiting until it is free, the
// context ends or the lock timeout passes.
func (s *Store) lock(ctx context.Context, t *tx, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	s.locksMu.Unlock()

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return apperr.ErrConflict.With("lock timeout on %s", key)
	}
}

// tryLock acquires key without waiting, reporting whether it succeeded.
func (s *Store) tryLock(t *tx, key string) bool {
	if _, ok := t.held[key]; ok {
		return true
	}
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	s.locksMu.Unlock()

	select {
	case l <- struct{}{}:
		t.held[key] = l
		return true
	default:
		return false
	}
}

type tx struct {
	s        *Store
	readOnly bool
	held     map[string]chan struct{}

	tenantInserts map[domain.TenantID]bool

	tenants      changes[domain.TenantID, domain.Tenant]
	items        changes[uuid.UUID, domain.Item]
	patrons      changes[uuid.UUID, domain.Patron]
	groups       changes[codeKey, domain.PatronGroup]
	loanPolicies changes[codeKey, domain.LoanPolicy]
	feePolicies  changes[codeKey, domain.FeePolicy]
	rules        changes[domain.TenantID, []domain.CirculationRule]
	defaults     changes[domain.TenantID, domain.PolicyDefaults]
	loans        changes[uuid.UUID, domain.Loan]
	requests     changes[uuid.UUID, domain.Request]
	fees         changes[uuid.UUID, domain.Fee]
	payments     changes[uuid.UUID, domain.Payment]
	intents      changes[uuid.UUID, domain.Intent]
}

func (t *tx) release() {
	for key, l := range t.held {
		<-l
		delete(t.held, key)
	}
}

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// read runs fn with the committed dataset under the read lock.
func (t *tx) read(fn func(d *dataset)) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	fn(t.s.data)
}

// changes stages the writes of one transaction against one table.
type changes[K comparable, V any] struct {
	put map[K]V
	del map[K]struct{}
}

func (c *changes[K, V]) get(base map[K]V, k K) (V, bool) {
	if _, gone := c.del[k]; gone {
		var zero V
		return zero, false
	}
	if v, ok := c.put[k]; ok {
		return v, true
	}
	v, ok := base[k]
	return v, ok
}

func (c *changes[K, V]) set(k K, v V) {
	if c.put == nil {
		c.put = map[K]V{}
	}
	c.put[k] = v
	delete(c.del, k)
}

func (c *changes[K, V]) remove(k K) {
	if c.del == nil {
		c.del = map[K]struct{}{}
	}
	c.del[k] = struct{}{}
	delete(c.put, k)
}

// all returns the merged view of base and the staged writes, unordered.
func (c *changes[K, V]) all(base map[K]V) []V {
	out := make([]V, 0, len(base)+len(c.put))
	for k, v := range base {
		if _, gone := c.del[k]; gone {
			continue
		}
		if _, staged := c.put[k]; staged {
			continue
		}
		out = append(out, v)
	}
	for _, v := range c.put {
		out = append(out, v)
	}
	return out
}

func (c *changes[K, V]) commit(base map[K]V) {
	for k, v := range c.put {
		base[k] = v
	}
	for k := range c.del {
		delete(base, k)
	}
}

// violatesUnique reports whether a staged row shares a non-empty unique key
// with another staged or committed row.
func violatesUnique[K comparable, V any](base map[K]V, c *changes[K, V], key func(V) string) bool {
	if len(c.put) == 0 {
		return false
	}
	wanted := map[string]K{}
	for k, v := range c.put {
		kk := key(v)
		if kk == "" {
			continue
		}
		if other, dup := wanted[kk]; dup && other != k {
			return true
		}
		wanted[kk] = k
	}
	if len(wanted) == 0 {
		return false
	}
	for k, v := range base {
		if _, gone := c.del[k]; gone {
			continue
		}
		if _, staged := c.put[k]; staged {
			continue
		}
		if owner, ok := wanted[key(v)]; ok && owner != k {
			return true
		}
	}
	return false
}

func itemBarcodeKey(i domain.Item) string {
	if i.Barcode == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", i.TenantID, i.Barcode)
}

func patronEmailKey(p domain.Patron) string {
	return fmt.Sprintf("%s/%s", p.TenantID, p.Email)
}

func patronBarcodeKey(p domain.Patron) string {
	if p.Barcode == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", p.TenantID, p.Barcode)
}

func feeAccrualKey(f domain.Fee) string {
	if f.AccrualKey == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", f.TenantID, f.AccrualKey)
}

func intentDedupKey(i domain.Intent) string {
	return fmt.Sprintf("%s/%s", i.TenantID, i.DedupKey)
}
