package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/storage"
)

// CreateRequestInput is the intake shape for a new trip request.
type CreateRequestInput struct {
	RequesterID      string           `json:"requester_id"`
	Mode             models.TripMode  `json:"mode"`
	Pickup           models.Coord     `json:"pickup"`
	Dropoff          models.Coord     `json:"dropoff"`
	EstimatedFare    float64          `json:"estimated_fare"`
	ScheduledStartAt *time.Time       `json:"scheduled_start_at,omitempty"`
	ScheduledEndAt   *time.Time       `json:"scheduled_end_at,omitempty"`
}

// CreateRequest validates and persists a trip request. On-demand
// requests get a hard deadline of now + request TTL and the first
// dispatch wave runs immediately; scheduled requests wait for
// pre-assignment instead.
func (e *Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (*models.TripRequest, []*models.TripOffer, error) {
	if in.RequesterID == "" {
		return nil, nil, apperr.Validationf("requester_id is required")
	}
	if !validCoord(in.Pickup) || !validCoord(in.Dropoff) {
		return nil, nil, apperr.Validationf("pickup and dropoff must be valid coordinates")
	}
	if in.EstimatedFare < 0 {
		return nil, nil, apperr.Validationf("estimated_fare must not be negative")
	}

	now := e.Now()
	req := &models.TripRequest{
		ID:            uuid.New().String(),
		RequesterID:   in.RequesterID,
		Mode:          in.Mode,
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		EstimatedFare: in.EstimatedFare,
		Status:        models.RequestPending,
		CreatedAt:     now,
	}

	switch in.Mode {
	case models.ModeOnDemand:
		deadline := now.Add(e.Cfg.RequestTTL)
		req.ExpiresAt = &deadline
	case models.ModeScheduled:
		if in.ScheduledStartAt == nil || in.ScheduledEndAt == nil {
			return nil, nil, apperr.Validationf("scheduled requests need a start and end time")
		}
		if !in.ScheduledStartAt.Before(*in.ScheduledEndAt) {
			return nil, nil, apperr.Validationf("scheduled start must be before end")
		}
		if !in.ScheduledStartAt.After(now) {
			return nil, nil, apperr.Validationf("scheduled start must be in the future")
		}
		req.ScheduledStartAt = in.ScheduledStartAt
		req.ScheduledEndAt = in.ScheduledEndAt
	default:
		return nil, nil, apperr.Validationf("mode must be ON_DEMAND or SCHEDULED")
	}

	if err := e.Store.CreateTripRequest(ctx, req); err != nil {
		return nil, nil, err
	}

	var offers []*models.TripOffer
	if req.Mode == models.ModeOnDemand {
		var err error
		offers, err = e.RunWave(ctx, req, 1)
		if err != nil {
			e.Logger.Warn("initial dispatch wave failed", "request_id", req.ID, "error", err)
		}
	}
	return req, offers, nil
}

// CancelRequest cancels a still-PENDING request and terminates its open
// offers. Matched requests are cancelled through their trip instead.
func (e *Engine) CancelRequest(ctx context.Context, requestID, requesterID string) (*models.TripRequest, error) {
	var req *models.TripRequest
	err := e.Store.Transact(ctx, func(st storage.Store) error {
		var err error
		req, err = st.GetTripRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != requesterID {
			return apperr.Unauthorizedf("request %s does not belong to %s", requestID, requesterID)
		}
		if req.Status != models.RequestPending {
			return apperr.InvalidStatef("request %s is %s, want PENDING", requestID, req.Status)
		}
		req.Status = models.RequestCancelled
		if err := st.UpdateTripRequest(ctx, req); err != nil {
			return err
		}
		offers, err := st.ListTripOffers(ctx, storage.TripOfferFilter{
			TripRequestID: req.ID,
			Status:        models.OfferPending,
		})
		if err != nil {
			return err
		}
		now := e.Now()
		for _, o := range offers {
			o.Status = models.OfferExpired
			o.RespondedAt = &now
			if err := st.UpdateTripOffer(ctx, o); err != nil {
				return err
			}
		}
		if err := st.DeleteAvailabilityBlocksByRequest(ctx, req.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.Tracker.Clear(ctx, req.ID); err != nil {
		e.Logger.Warn("pending-offer clear failed", "request_id", req.ID, "error", err)
	}
	return req, nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 &&
		!(c.Lat == 0 && c.Lon == 0)
}
