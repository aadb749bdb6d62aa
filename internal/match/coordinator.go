package match

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/lock"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/tracker"
	"github.com/example/freight-dispatch/internal/trips"
)

// LockKey is the acceptance lock key for a trip request. The expiry job
// releases the same key when it expires a request.
func LockKey(requestID string) string { return "lock:trip_request:" + requestID }

// Coordinator serializes concurrent accept attempts for one trip
// request and performs the PENDING -> MATCHED transition exactly once.
// The request-scoped lock is taken with a single non-blocking attempt
// and released explicitly on every path; the TTL is only the safety net
// for a crashed holder.
type Coordinator struct {
	Store    storage.Store
	Locks    lock.Locker
	Tracker  tracker.OfferTracker
	Trips    *trips.Service
	Notifier notify.Notifier
	LockTTL  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewCoordinator(store storage.Store, locks lock.Locker, tr tracker.OfferTracker, tripSvc *trips.Service, notifier notify.Notifier, lockTTL time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Store: store, Locks: locks, Tracker: tr, Trips: tripSvc,
		Notifier: notifier, LockTTL: lockTTL, Logger: logger, Now: time.Now,
	}
}

// Accept commits a driver's acceptance of an offer. Exactly one accept
// per request can succeed; losers fail with Conflict (lock contention)
// or InvalidState (request no longer PENDING). On success the request is
// MATCHED, the trip is created, and every sibling PENDING offer is
// terminally expired in the same transaction so clients never see a
// stale PENDING offer for a matched request.
func (c *Coordinator) Accept(ctx context.Context, offerID, driverID string) (*models.Trip, error) {
	offer, err := c.Store.GetTripOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.DriverID != driverID {
		return nil, apperr.NotFoundf("offer %s for driver %s", offerID, driverID)
	}
	now := c.Now()
	if offer.IsExpired(now) {
		observability.AcceptsTotal.WithLabelValues("expired").Inc()
		return nil, apperr.InvalidStatef("offer %s expired at %s", offerID, offer.ExpiresAt.Format(time.RFC3339))
	}
	if offer.Status != models.OfferPending {
		observability.AcceptsTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.InvalidStatef("offer %s is %s, want PENDING", offerID, offer.Status)
	}

	key := LockKey(offer.TripRequestID)
	acquired, err := c.Locks.TryAcquire(ctx, key, c.LockTTL)
	if err != nil {
		return nil, apperr.Externalf("acceptance lock: %v", err)
	}
	if !acquired {
		observability.AcceptsTotal.WithLabelValues("conflict").Inc()
		return nil, apperr.Conflictf("offer %s: another driver is mid-acceptance", offerID)
	}
	defer func() {
		if err := c.Locks.Release(ctx, key); err != nil {
			c.Logger.Warn("acceptance lock release failed, ttl will expire it", "key", key, "error", err)
		}
	}()

	var trip *models.Trip
	err = c.Store.Transact(ctx, func(st storage.Store) error {
		req, err := st.GetTripRequest(ctx, offer.TripRequestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return apperr.InvalidStatef("request %s is %s, want PENDING", req.ID, req.Status)
		}

		respondedAt := c.Now()
		offer.Status = models.OfferAccepted
		offer.RespondedAt = &respondedAt
		if err := st.UpdateTripOffer(ctx, offer); err != nil {
			return err
		}

		// Terminally expire the losing siblings so no offer stays
		// PENDING after the race is decided.
		siblings, err := st.ListTripOffers(ctx, storage.TripOfferFilter{
			TripRequestID: req.ID,
			Status:        models.OfferPending,
		})
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID == offer.ID {
				continue
			}
			sib.Status = models.OfferExpired
			sib.RespondedAt = &respondedAt
			if err := st.UpdateTripOffer(ctx, sib); err != nil {
				return err
			}
		}

		req.Status = models.RequestMatched
		req.MatchedAt = &respondedAt
		if err := st.UpdateTripRequest(ctx, req); err != nil {
			return err
		}

		trip, err = c.Trips.CreateFromRequest(ctx, st, req, driverID)
		return err
	})
	if err != nil {
		observability.AcceptsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := c.Tracker.Clear(ctx, offer.TripRequestID); err != nil {
		c.Logger.Warn("pending-offer clear failed", "request_id", offer.TripRequestID, "error", err)
	}
	observability.AcceptsTotal.WithLabelValues("accepted").Inc()

	notify.BestEffort(ctx, c.Notifier, c.Logger, trip.RequesterID, notify.Notification{
		Title: "Driver found",
		Body:  "A driver accepted your trip request",
		Data:  map[string]string{"trip_id": trip.ID, "trip_request_id": trip.TripRequestID},
	})
	return trip, nil
}

// Reject marks a driver's own PENDING, unexpired offer REJECTED. A
// rejection never races an acceptance, so no lock is taken.
func (c *Coordinator) Reject(ctx context.Context, offerID, driverID string) (*models.TripOffer, error) {
	offer, err := c.Store.GetTripOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.DriverID != driverID {
		return nil, apperr.NotFoundf("offer %s for driver %s", offerID, driverID)
	}
	now := c.Now()
	if offer.Status != models.OfferPending {
		return nil, apperr.InvalidStatef("offer %s is %s, want PENDING", offerID, offer.Status)
	}
	if offer.IsExpired(now) {
		return nil, apperr.InvalidStatef("offer %s expired at %s", offerID, offer.ExpiresAt.Format(time.RFC3339))
	}

	offer.Status = models.OfferRejected
	offer.RespondedAt = &now
	if err := c.Store.UpdateTripOffer(ctx, offer); err != nil {
		return nil, err
	}
	observability.AcceptsTotal.WithLabelValues("rejected").Inc()
	return offer, nil
}
