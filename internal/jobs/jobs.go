package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/lock"
	"github.com/example/freight-dispatch/internal/match"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/tracker"
	"github.com/example/freight-dispatch/internal/trips"
)

// reminderWindow is the tolerance around each reminder offset. Jobs run
// on a coarse interval, so an exact-instant match would skip reminders.
const reminderWindow = 2 * time.Minute

// Runner holds the periodic maintenance jobs. Every job is safe to run
// repeatedly: each one re-checks state before acting and records what it
// already did (reminder flags, terminal statuses).
type Runner struct {
	Store    storage.Store
	Status   geo.StatusCache
	Locks    lock.Locker
	Tracker  tracker.OfferTracker
	Engine   *dispatch.Engine
	Trips    *trips.Service
	Notifier notify.Notifier
	Cfg      config.Matching
	Logger   *slog.Logger
	Now      func() time.Time
}

// RunReminders sends the upcoming-trip reminders for scheduled requests.
// Each configured offset fires once per request: a request whose start
// time falls inside [now+offset-window, now+offset+window] and whose
// flag for that offset is unset gets a reminder to both parties, then
// the flag is persisted so the next run skips it.
func (r *Runner) RunReminders(ctx context.Context) error {
	now := r.Now()
	for _, offset := range r.Cfg.ReminderOffsets {
		from := now.Add(offset - reminderWindow)
		to := now.Add(offset + reminderWindow)
		reqs, err := r.Store.ListTripRequests(ctx, storage.TripRequestFilter{
			Mode:               models.ModeScheduled,
			Status:             models.RequestMatched,
			ScheduledStartFrom: &from,
			ScheduledStartTo:   &to,
		})
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if reminderSent(req, offset) {
				continue
			}
			r.sendReminder(ctx, req, offset)
			markReminderSent(req, offset)
			if err := r.Store.UpdateTripRequest(ctx, req); err != nil {
				r.Logger.Error("reminder flag update failed", "request_id", req.ID, "error", err)
			}
		}
	}
	return nil
}

func reminderSent(req *models.TripRequest, offset time.Duration) bool {
	if offset <= 15*time.Minute {
		return req.Reminder15Sent
	}
	return req.Reminder60Sent
}

func markReminderSent(req *models.TripRequest, offset time.Duration) {
	if offset <= 15*time.Minute {
		req.Reminder15Sent = true
	} else {
		req.Reminder60Sent = true
	}
}

func (r *Runner) sendReminder(ctx context.Context, req *models.TripRequest, offset time.Duration) {
	n := notify.Notification{
		Title: "Upcoming scheduled trip",
		Body:  "Your scheduled trip starts in about " + offset.String(),
		Data:  map[string]string{"trip_request_id": req.ID},
	}
	notify.BestEffort(ctx, r.Notifier, r.Logger, req.RequesterID, n)
	if req.PreAssignedDriverID != "" {
		driver, err := r.Store.GetDriver(ctx, req.PreAssignedDriverID)
		if err != nil {
			r.Logger.Warn("reminder driver lookup failed", "request_id", req.ID, "error", err)
			return
		}
		notify.BestEffort(ctx, r.Notifier, r.Logger, driver.PushAddress, n)
	}
}

// RunAutoRematch rescues scheduled trips whose driver has gone dark
// close to the start time. A MATCHED scheduled request starting within
// the confirmation window whose driver is not ONLINE in the status
// cache gets its trip cancelled by SYSTEM, the pre-assignment released,
// and the request reset to PENDING so an immediate dispatch wave can
// find a replacement.
func (r *Runner) RunAutoRematch(ctx context.Context) error {
	now := r.Now()
	to := now.Add(r.Cfg.ConfirmWindow)
	reqs, err := r.Store.ListTripRequests(ctx, storage.TripRequestFilter{
		Mode:               models.ModeScheduled,
		Status:             models.RequestMatched,
		ScheduledStartFrom: &now,
		ScheduledStartTo:   &to,
	})
	if err != nil {
		return err
	}
	for _, req := range reqs {
		trip, err := r.Store.GetTripByRequest(ctx, req.ID)
		if err != nil {
			r.Logger.Warn("auto-rematch trip lookup failed", "request_id", req.ID, "error", err)
			continue
		}
		if trip.Status != models.TripConfirmed {
			continue
		}
		status, err := r.Status.GetStatus(ctx, trip.DriverID)
		if err != nil {
			r.Logger.Warn("auto-rematch status lookup failed", "driver_id", trip.DriverID, "error", err)
			continue
		}
		if status == "ONLINE" {
			continue
		}
		if err := r.rematch(ctx, req, trip); err != nil {
			r.Logger.Error("auto-rematch failed", "request_id", req.ID, "error", err)
			continue
		}
		observability.TripsRematched.Inc()
	}
	return nil
}

// rematch cancels the trip, releases the pre-assignment, and resets the
// request in one transaction, so a failure partway leaves the request
// MATCHED with its trip intact for the next pass.
func (r *Runner) rematch(ctx context.Context, req *models.TripRequest, trip *models.Trip) error {
	err := r.Store.Transact(ctx, func(st storage.Store) error {
		if err := r.Trips.CancelTx(ctx, st, trip, "SYSTEM", "driver unresponsive before scheduled start"); err != nil {
			return err
		}
		if err := st.DeleteAvailabilityBlocksByRequest(ctx, req.ID); err != nil {
			return err
		}
		req.Status = models.RequestPending
		req.MatchedAt = nil
		req.PreAssignedDriverID = ""
		return st.UpdateTripRequest(ctx, req)
	})
	if err != nil {
		return err
	}
	r.Logger.Info("scheduled trip reset for rematch", "request_id", req.ID, "trip_id", trip.ID)
	if r.Engine != nil {
		if _, err := r.Engine.RunWave(ctx, req, 1); err != nil {
			r.Logger.Warn("rematch dispatch wave failed", "request_id", req.ID, "error", err)
		}
	}
	return nil
}

// RunExpiry terminates on-demand requests past their deadline. The
// acceptance lock for each expired request is released and its
// pending-offer set cleared, so no late accept can revive it.
func (r *Runner) RunExpiry(ctx context.Context) error {
	now := r.Now()
	reqs, err := r.Store.ListTripRequests(ctx, storage.TripRequestFilter{
		Mode:          models.ModeOnDemand,
		Status:        models.RequestPending,
		ExpiresBefore: &now,
	})
	if err != nil {
		return err
	}
	for _, req := range reqs {
		err := r.Store.Transact(ctx, func(st storage.Store) error {
			cur, err := st.GetTripRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			if cur.Status != models.RequestPending {
				return nil
			}
			cur.Status = models.RequestExpired
			if err := st.UpdateTripRequest(ctx, cur); err != nil {
				return err
			}
			offers, err := st.ListTripOffers(ctx, storage.TripOfferFilter{
				TripRequestID: cur.ID,
				Status:        models.OfferPending,
			})
			if err != nil {
				return err
			}
			respondedAt := now
			for _, o := range offers {
				o.Status = models.OfferExpired
				o.RespondedAt = &respondedAt
				if err := st.UpdateTripOffer(ctx, o); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			r.Logger.Error("expiry failed", "request_id", req.ID, "error", err)
			continue
		}
		if err := r.Locks.Release(ctx, match.LockKey(req.ID)); err != nil {
			r.Logger.Warn("expiry lock release failed", "request_id", req.ID, "error", err)
		}
		if err := r.Tracker.Clear(ctx, req.ID); err != nil {
			r.Logger.Warn("expiry tracker clear failed", "request_id", req.ID, "error", err)
		}
		observability.RequestsExpired.Inc()
		notify.BestEffort(ctx, r.Notifier, r.Logger, req.RequesterID, notify.Notification{
			Title: "No driver found",
			Body:  "Your trip request expired before a driver accepted",
			Data:  map[string]string{"trip_request_id": req.ID},
		})
	}
	return nil
}

// RunCleanup deletes availability blocks whose window ended longer ago
// than the retention period. Historic blocks have no read path; only
// future and in-flight windows matter for conflict checks.
func (r *Runner) RunCleanup(ctx context.Context) error {
	cutoff := r.Now().Add(-r.Cfg.AvailabilityRetention)
	n, err := r.Store.DeleteAvailabilityBlocksEndedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		r.Logger.Info("availability blocks purged", "count", n, "ended_before", cutoff)
	}
	return nil
}
