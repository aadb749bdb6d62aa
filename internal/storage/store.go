package storage

import (
	"context"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

// Store defines the persistence operations the dispatch and ledger core
// needs: per-entity CRUD, filtered range queries, and a transactional
// unit of work. Implementations return apperr.ErrNotFound-wrapped errors
// for absent entities.
type Store interface {
	// Transact runs fn against a Store whose writes commit together or
	// not at all. Implementations may not support nesting.
	Transact(ctx context.Context, fn func(Store) error) error

	CreateTripRequest(ctx context.Context, r *models.TripRequest) error
	GetTripRequest(ctx context.Context, id string) (*models.TripRequest, error)
	UpdateTripRequest(ctx context.Context, r *models.TripRequest) error
	ListTripRequests(ctx context.Context, f TripRequestFilter) ([]*models.TripRequest, error)

	CreateTripOffer(ctx context.Context, o *models.TripOffer) error
	GetTripOffer(ctx context.Context, id string) (*models.TripOffer, error)
	UpdateTripOffer(ctx context.Context, o *models.TripOffer) error
	ListTripOffers(ctx context.Context, f TripOfferFilter) ([]*models.TripOffer, error)

	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver) error
	ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error)

	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	GetTripByRequest(ctx context.Context, requestID string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error

	// AppendWalletTransaction inserts one ledger row. The log is
	// append-only: there is no update or delete.
	AppendWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error
	ListWalletTransactions(ctx context.Context, driverID string, limit, offset int) ([]*models.WalletTransaction, error)

	CreateAvailabilityBlock(ctx context.Context, b *models.AvailabilityBlock) error
	ListAvailabilityBlocks(ctx context.Context, driverID string) ([]*models.AvailabilityBlock, error)
	HasAvailabilityConflict(ctx context.Context, driverID string, start, end time.Time) (bool, error)
	DeleteAvailabilityBlocksByRequest(ctx context.Context, requestID string) error
	DeleteAvailabilityBlocksEndedBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateSubscription(ctx context.Context, s *models.Subscription) error
	// ActiveSubscription returns nil without error when the driver has
	// no currently active subscription (tier then defaults to FREE).
	ActiveSubscription(ctx context.Context, driverID string, now time.Time) (*models.Subscription, error)
}

// TripRequestFilter narrows ListTripRequests. Zero fields are ignored.
type TripRequestFilter struct {
	Status models.TripRequestStatus
	Mode   models.TripMode

	// ExpiresBefore selects on-demand requests past their deadline.
	ExpiresBefore *time.Time

	// Scheduled-start window, inclusive bounds.
	ScheduledStartFrom *time.Time
	ScheduledStartTo   *time.Time
}

// TripOfferFilter narrows ListTripOffers. Zero fields are ignored.
type TripOfferFilter struct {
	TripRequestID string
	DriverID      string
	Status        models.OfferStatus
}

// DriverFilter narrows ListDrivers. Zero fields are ignored.
type DriverFilter struct {
	Status models.DriverStatus
	IDs    []string
}
