package trips

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/wallet"
)

// Service drives the trip state machine from CONFIRMED through
// COMPLETED/CANCELLED. Commission is charged on completion through the
// wallet ledger; the rate itself was frozen at creation.
type Service struct {
	Store    storage.Store
	Wallet   *wallet.Service
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewService(store storage.Store, w *wallet.Service, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{Store: store, Wallet: w, Notifier: notifier, Logger: logger, Now: time.Now}
}

// CreateFromRequest builds the CONFIRMED trip for a freshly matched
// request and marks the driver BUSY. It runs against the store handle
// the caller provides, so the acceptance coordinator can place it inside
// the same transaction as the MATCHED transition.
func (s *Service) CreateFromRequest(ctx context.Context, st storage.Store, req *models.TripRequest, driverID string) (*models.Trip, error) {
	driver, err := st.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	rate, err := s.Wallet.CommissionRate(ctx, driverID)
	if err != nil {
		return nil, err
	}

	trip := &models.Trip{
		ID:             uuid.New().String(),
		TripRequestID:  req.ID,
		RequesterID:    req.RequesterID,
		DriverID:       driverID,
		EstimatedFare:  req.EstimatedFare,
		CommissionRate: rate,
		Status:         models.TripConfirmed,
		CreatedAt:      s.Now(),
	}
	if err := st.CreateTrip(ctx, trip); err != nil {
		return nil, err
	}

	driver.Status = models.DriverBusy
	if err := st.UpdateDriver(ctx, driver); err != nil {
		return nil, err
	}
	return trip, nil
}

func (s *Service) getOwned(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID != driverID {
		return nil, apperr.Unauthorizedf("trip %s does not belong to driver %s", tripID, driverID)
	}
	return trip, nil
}

// MarkArriving moves CONFIRMED -> DRIVER_ARRIVING.
func (s *Service) MarkArriving(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.getOwned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripConfirmed {
		return nil, apperr.InvalidStatef("trip %s is %s, want CONFIRMED", tripID, trip.Status)
	}
	now := s.Now()
	trip.Status = models.TripDriverArriving
	trip.ArrivingAt = &now
	if err := s.Store.UpdateTrip(ctx, trip); err != nil {
		return nil, err
	}
	s.notifyRequester(ctx, trip, "Driver on the way", "Your driver is heading to pickup")
	return trip, nil
}

// MarkArrived moves DRIVER_ARRIVING -> ARRIVED.
func (s *Service) MarkArrived(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.getOwned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripDriverArriving {
		return nil, apperr.InvalidStatef("trip %s is %s, want DRIVER_ARRIVING", tripID, trip.Status)
	}
	now := s.Now()
	trip.Status = models.TripArrived
	trip.ArrivedAt = &now
	if err := s.Store.UpdateTrip(ctx, trip); err != nil {
		return nil, err
	}
	s.notifyRequester(ctx, trip, "Driver arrived", "Your driver is at the pickup point")
	return trip, nil
}

// Start moves ARRIVED -> IN_PROGRESS once the cargo is loaded.
func (s *Service) Start(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.getOwned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripArrived {
		return nil, apperr.InvalidStatef("trip %s is %s, want ARRIVED", tripID, trip.Status)
	}
	now := s.Now()
	trip.Status = models.TripInProgress
	trip.StartedAt = &now
	if err := s.Store.UpdateTrip(ctx, trip); err != nil {
		return nil, err
	}
	s.notifyRequester(ctx, trip, "Trip started", "Your freight is on its way")
	return trip, nil
}

// Complete finalizes the trip, charges the commission through the
// ledger, and returns the driver to ACTIVE (unless the charge pushed
// them over the credit limit). The status change, the ledger append,
// and the driver update commit together: a failed charge leaves the
// trip IN_PROGRESS so completion can be retried.
func (s *Service) Complete(ctx context.Context, tripID, driverID string, finalFare float64) (*models.Trip, error) {
	if finalFare < 0 {
		return nil, apperr.Validationf("final fare must not be negative, got %v", finalFare)
	}
	trip, err := s.getOwned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripInProgress {
		return nil, apperr.InvalidStatef("trip %s is %s, want IN_PROGRESS", tripID, trip.Status)
	}

	now := s.Now()
	trip.Status = models.TripCompleted
	trip.FinalFare = finalFare
	trip.CompletedAt = &now
	err = s.Store.Transact(ctx, func(st storage.Store) error {
		if err := st.UpdateTrip(ctx, trip); err != nil {
			return err
		}
		if _, err := s.Wallet.ChargeCommissionTx(ctx, st, trip); err != nil {
			return err
		}
		// The commission charge may have moved the driver to LIMITED;
		// only a still-BUSY driver goes back to ACTIVE.
		driver, err := st.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if driver.Status == models.DriverBusy {
			driver.Status = models.DriverActive
			if err := st.UpdateDriver(ctx, driver); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyRequester(ctx, trip, "Trip completed", "Your freight has been delivered")
	return trip, nil
}

// Cancel terminates the trip with cancellation metadata. System
// cancellations come from the auto-rematch job.
func (s *Service) Cancel(ctx context.Context, trip *models.Trip, cancelledBy, reason string) error {
	return s.Store.Transact(ctx, func(st storage.Store) error {
		return s.CancelTx(ctx, st, trip, cancelledBy, reason)
	})
}

// CancelTx is Cancel against the store handle the caller provides, so
// the auto-rematch job can cancel the trip and reset its request in the
// same transaction.
func (s *Service) CancelTx(ctx context.Context, st storage.Store, trip *models.Trip, cancelledBy, reason string) error {
	if trip.Status == models.TripCompleted || trip.Status == models.TripCancelled {
		return apperr.InvalidStatef("trip %s is already %s", trip.ID, trip.Status)
	}
	now := s.Now()
	trip.Status = models.TripCancelled
	trip.CancelledBy = cancelledBy
	trip.CancellationReason = reason
	trip.CancelledAt = &now
	if err := st.UpdateTrip(ctx, trip); err != nil {
		return err
	}

	driver, err := st.GetDriver(ctx, trip.DriverID)
	if err != nil {
		return err
	}
	if driver.Status == models.DriverBusy {
		driver.Status = models.DriverActive
		if err := st.UpdateDriver(ctx, driver); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) notifyRequester(ctx context.Context, trip *models.Trip, title, body string) {
	notify.BestEffort(ctx, s.Notifier, s.Logger, trip.RequesterID, notify.Notification{
		Title: title,
		Body:  body,
		Data:  map[string]string{"trip_id": trip.ID, "status": string(trip.Status)},
	})
}
