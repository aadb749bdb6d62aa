package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/models"
)

// MemoryStore keeps every entity in maps of value copies, guarded by one
// RWMutex. Transact snapshots the maps and restores them if fn fails,
// which gives real both-or-nothing semantics in tests. Transactions are
// serialized; interleaved non-transactional writes during a Transact are
// not protected, matching the single-process use this store is for.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	requests      map[string]models.TripRequest
	offers        map[string]models.TripOffer
	drivers       map[string]models.Driver
	trips         map[string]models.Trip
	walletTxs     []models.WalletTransaction
	blocks        map[string]models.AvailabilityBlock
	subscriptions map[string]models.Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]models.TripRequest),
		offers:        make(map[string]models.TripOffer),
		drivers:       make(map[string]models.Driver),
		trips:         make(map[string]models.Trip),
		blocks:        make(map[string]models.AvailabilityBlock),
		subscriptions: make(map[string]models.Subscription),
	}
}

func (m *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memSnapshot struct {
	requests      map[string]models.TripRequest
	offers        map[string]models.TripOffer
	drivers       map[string]models.Driver
	trips         map[string]models.Trip
	walletTxs     []models.WalletTransaction
	blocks        map[string]models.AvailabilityBlock
	subscriptions map[string]models.Subscription
}

func (m *MemoryStore) snapshot() memSnapshot {
	return memSnapshot{
		requests:      copyMap(m.requests),
		offers:        copyMap(m.offers),
		drivers:       copyMap(m.drivers),
		trips:         copyMap(m.trips),
		walletTxs:     append([]models.WalletTransaction(nil), m.walletTxs...),
		blocks:        copyMap(m.blocks),
		subscriptions: copyMap(m.subscriptions),
	}
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.requests = s.requests
	m.offers = s.offers
	m.drivers = s.drivers
	m.trips = s.trips
	m.walletTxs = s.walletTxs
	m.blocks = s.blocks
	m.subscriptions = s.subscriptions
}

func copyMap[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Trip requests

func (m *MemoryStore) CreateTripRequest(ctx context.Context, r *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetTripRequest(ctx context.Context, id string) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFoundf("trip request %s", id)
	}
	return &r, nil
}

func (m *MemoryStore) UpdateTripRequest(ctx context.Context, r *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return apperr.NotFoundf("trip request %s", r.ID)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) ListTripRequests(ctx context.Context, f TripRequestFilter) ([]*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TripRequest
	for _, r := range m.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Mode != "" && r.Mode != f.Mode {
			continue
		}
		if f.ExpiresBefore != nil && (r.ExpiresAt == nil || !r.ExpiresAt.Before(*f.ExpiresBefore)) {
			continue
		}
		if f.ScheduledStartFrom != nil && (r.ScheduledStartAt == nil || r.ScheduledStartAt.Before(*f.ScheduledStartFrom)) {
			continue
		}
		if f.ScheduledStartTo != nil && (r.ScheduledStartAt == nil || r.ScheduledStartAt.After(*f.ScheduledStartTo)) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Trip offers

func (m *MemoryStore) CreateTripOffer(ctx context.Context, o *models.TripOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetTripOffer(ctx context.Context, id string) (*models.TripOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, apperr.NotFoundf("trip offer %s", id)
	}
	return &o, nil
}

func (m *MemoryStore) UpdateTripOffer(ctx context.Context, o *models.TripOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return apperr.NotFoundf("trip offer %s", o.ID)
	}
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) ListTripOffers(ctx context.Context, f TripOfferFilter) ([]*models.TripOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TripOffer
	for _, o := range m.offers {
		if f.TripRequestID != "" && o.TripRequestID != f.TripRequestID {
			continue
		}
		if f.DriverID != "" && o.DriverID != f.DriverID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Drivers

func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.NotFoundf("driver %s", id)
	}
	return &d, nil
}

func (m *MemoryStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; !ok {
		return apperr.NotFoundf("driver %s", d.ID)
	}
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(f.IDs))
	for _, id := range f.IDs {
		wanted[id] = true
	}
	var out []*models.Driver
	for _, d := range m.drivers {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if len(wanted) > 0 && !wanted[d.ID] {
			continue
		}
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Trips

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Uniqueness invariant: at most one non-cancelled trip per request.
	for _, existing := range m.trips {
		if existing.TripRequestID == t.TripRequestID && existing.Status != models.TripCancelled {
			return apperr.Conflictf("request %s already has trip %s", t.TripRequestID, existing.ID)
		}
	}
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.NotFoundf("trip %s", id)
	}
	return &t, nil
}

func (m *MemoryStore) GetTripByRequest(ctx context.Context, requestID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.TripRequestID == requestID && t.Status != models.TripCancelled {
			t := t
			return &t, nil
		}
	}
	return nil, apperr.NotFoundf("trip for request %s", requestID)
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return apperr.NotFoundf("trip %s", t.ID)
	}
	m.trips[t.ID] = *t
	return nil
}

// Wallet ledger

func (m *MemoryStore) AppendWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletTxs = append(m.walletTxs, *tx)
	return nil
}

func (m *MemoryStore) ListWalletTransactions(ctx context.Context, driverID string, limit, offset int) ([]*models.WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.WalletTransaction
	for i := range m.walletTxs {
		if m.walletTxs[i].DriverID == driverID {
			tx := m.walletTxs[i]
			all = append(all, &tx)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Availability blocks

func (m *MemoryStore) CreateAvailabilityBlock(ctx context.Context, b *models.AvailabilityBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.ID] = *b
	return nil
}

func (m *MemoryStore) ListAvailabilityBlocks(ctx context.Context, driverID string) ([]*models.AvailabilityBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AvailabilityBlock
	for _, b := range m.blocks {
		if b.DriverID == driverID {
			b := b
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) HasAvailabilityConflict(ctx context.Context, driverID string, start, end time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.blocks {
		if b.DriverID == driverID && b.Overlaps(start, end) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) DeleteAvailabilityBlocksByRequest(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.blocks {
		if b.TripRequestID == requestID {
			delete(m.blocks, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteAvailabilityBlocksEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.blocks {
		if b.EndTime.Before(cutoff) {
			delete(m.blocks, id)
			n++
		}
	}
	return n, nil
}

// Subscriptions

func (m *MemoryStore) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = *s
	return nil
}

func (m *MemoryStore) ActiveSubscription(ctx context.Context, driverID string, now time.Time) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Subscription
	for _, s := range m.subscriptions {
		if s.DriverID != driverID || !s.IsActive(now) {
			continue
		}
		s := s
		if best == nil || s.StartsAt.After(best.StartsAt) {
			best = &s
		}
	}
	return best, nil
}
