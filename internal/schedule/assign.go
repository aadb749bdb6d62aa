package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/wallet"
)

// BlockReasonScheduledTrip marks availability blocks created by
// pre-assignment, so releasing an assignment only removes its own block.
const BlockReasonScheduledTrip = "SCHEDULED_TRIP"

// Assigner pre-assigns drivers to scheduled trip requests ahead of the
// pickup window. Unlike on-demand waves there is no offer race: the
// requester picks a driver from FindAvailable and PreAssign reserves
// the window atomically.
type Assigner struct {
	Store    storage.Store
	Geo      geo.Index
	Wallet   *wallet.Service
	Notifier notify.Notifier
	Cfg      config.Matching
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewAssigner(store storage.Store, g geo.Index, w *wallet.Service, notifier notify.Notifier, cfg config.Matching, logger *slog.Logger) *Assigner {
	return &Assigner{Store: store, Geo: g, Wallet: w, Notifier: notifier, Cfg: cfg, Logger: logger, Now: time.Now}
}

// FindAvailable lists ACTIVE drivers free for the request's scheduled
// window: no availability block overlapping [start, end) and within
// their credit limit. When the location store knows the driver's last
// position, drivers further than the scheduled-assignment radius from
// the pickup are skipped; drivers with no known position stay eligible
// since a scheduled pickup may be hours away.
func (a *Assigner) FindAvailable(ctx context.Context, req *models.TripRequest) ([]*models.Driver, error) {
	start, end, err := scheduledWindow(req)
	if err != nil {
		return nil, err
	}

	nearby := map[string]bool{}
	haveGeo := false
	if a.Geo != nil {
		cands, err := a.Geo.Nearest(ctx, req.Pickup, a.Cfg.ScheduledRadiusKm, 0)
		if err != nil {
			a.Logger.Warn("location store query failed, skipping radius filter", "request_id", req.ID, "error", err)
		} else {
			haveGeo = true
			for _, c := range cands {
				nearby[c.DriverID] = true
			}
		}
	}

	drivers, err := a.Store.ListDrivers(ctx, storage.DriverFilter{Status: models.DriverActive})
	if err != nil {
		return nil, err
	}

	var out []*models.Driver
	for _, d := range drivers {
		if haveGeo && len(nearby) > 0 && !nearby[d.ID] {
			continue
		}
		conflict, err := a.Store.HasAvailabilityConflict(ctx, d.ID, start, end)
		if err != nil {
			return nil, err
		}
		if conflict {
			continue
		}
		within, err := a.Wallet.WithinCreditLimit(ctx, d)
		if err != nil {
			return nil, err
		}
		if !within {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// PreAssign reserves the driver for the request's scheduled window:
// it creates the availability block and records the assignment in one
// transaction, so two requests can never book the same driver for
// overlapping windows. The request stays PENDING until the driver
// confirms near the start time; confirmation converts it to a trip.
func (a *Assigner) PreAssign(ctx context.Context, requestID, driverID string) (*models.TripRequest, error) {
	req, err := a.Store.GetTripRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Mode != models.ModeScheduled {
		return nil, apperr.InvalidStatef("request %s is %s, pre-assignment needs SCHEDULED", req.ID, req.Mode)
	}
	if req.Status != models.RequestPending {
		return nil, apperr.InvalidStatef("request %s is %s, want PENDING", req.ID, req.Status)
	}
	if req.PreAssignedDriverID != "" {
		return nil, apperr.Conflictf("request %s already assigned to driver %s", req.ID, req.PreAssignedDriverID)
	}
	start, end, err := scheduledWindow(req)
	if err != nil {
		return nil, err
	}
	now := a.Now()
	if !start.After(now) {
		return nil, apperr.Validationf("scheduled start %s is not in the future", start.Format(time.RFC3339))
	}

	driver, err := a.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if driver.Status != models.DriverActive {
		return nil, apperr.InvalidStatef("driver %s is %s, want ACTIVE", driver.ID, driver.Status)
	}
	within, err := a.Wallet.WithinCreditLimit(ctx, driver)
	if err != nil {
		return nil, err
	}
	if !within {
		return nil, apperr.InvalidStatef("driver %s is outside their credit limit", driver.ID)
	}

	err = a.Store.Transact(ctx, func(st storage.Store) error {
		conflict, err := st.HasAvailabilityConflict(ctx, driver.ID, start, end)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Conflictf("driver %s has an overlapping reservation in [%s, %s)",
				driver.ID, start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		block := &models.AvailabilityBlock{
			ID:            uuid.NewString(),
			DriverID:      driver.ID,
			TripRequestID: req.ID,
			StartTime:     start,
			EndTime:       end,
			Reason:        BlockReasonScheduledTrip,
			CreatedAt:     now,
		}
		if err := st.CreateAvailabilityBlock(ctx, block); err != nil {
			return err
		}
		req.PreAssignedDriverID = driver.ID
		return st.UpdateTripRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	notify.BestEffort(ctx, a.Notifier, a.Logger, driver.PushAddress, notify.Notification{
		Title: "Scheduled trip assigned",
		Body:  "You have been assigned a scheduled trip starting " + start.Format(time.RFC3339),
		Data:  map[string]string{"trip_request_id": req.ID},
	})
	return req, nil
}

// Release drops a pre-assignment: the availability block tied to the
// request is deleted and the request becomes assignable again. Used
// when the requester cancels or auto-rematch gives up on the driver.
func (a *Assigner) Release(ctx context.Context, req *models.TripRequest) error {
	if req.PreAssignedDriverID == "" {
		return nil
	}
	return a.Store.Transact(ctx, func(st storage.Store) error {
		if err := st.DeleteAvailabilityBlocksByRequest(ctx, req.ID); err != nil {
			return err
		}
		req.PreAssignedDriverID = ""
		return st.UpdateTripRequest(ctx, req)
	})
}

func scheduledWindow(req *models.TripRequest) (time.Time, time.Time, error) {
	if req.ScheduledStartAt == nil || req.ScheduledEndAt == nil {
		return time.Time{}, time.Time{}, apperr.Validationf("request %s has no scheduled window", req.ID)
	}
	start, end := *req.ScheduledStartAt, *req.ScheduledEndAt
	if !start.Before(end) {
		return time.Time{}, time.Time{}, apperr.Validationf("scheduled window start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}
