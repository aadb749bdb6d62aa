package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/tracker"
	"github.com/example/freight-dispatch/internal/wallet"
)

// Engine runs wave-based candidate search for on-demand requests and
// issues offers. Waves widen the search radius (3/5/10 km by default)
// trading match latency against driver pool size. Wave issuance for one
// request is expected to be sequential; the engine does not guard
// against concurrent waves for the same request.
type Engine struct {
	Geo      geo.Index
	Store    storage.Store
	Tracker  tracker.OfferTracker
	Wallet   *wallet.Service
	Notifier notify.Notifier
	Cfg      config.Matching
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewEngine(g geo.Index, store storage.Store, tr tracker.OfferTracker, w *wallet.Service, notifier notify.Notifier, cfg config.Matching, logger *slog.Logger) *Engine {
	return &Engine{Geo: g, Store: store, Tracker: tr, Wallet: w, Notifier: notifier, Cfg: cfg, Logger: logger, Now: time.Now}
}

// FindCandidates returns ACTIVE drivers near the pickup point for the
// given wave, excluding drivers that already hold a pending offer for
// this request or are outside their credit limit. An empty result is a
// valid outcome, not an error; a Location Store failure also surfaces
// as an empty result since matching can retry on the next wave.
func (e *Engine) FindCandidates(ctx context.Context, req *models.TripRequest, wave int) ([]*models.Driver, error) {
	if req.Status != models.RequestPending {
		return nil, apperr.InvalidStatef("request %s is %s, want PENDING", req.ID, req.Status)
	}

	radiusKm := e.Cfg.WaveRadiusKm(wave)
	nearby, err := e.Geo.Nearest(ctx, req.Pickup, radiusKm, e.Cfg.WaveLimit)
	if err != nil {
		e.Logger.Warn("location store query failed", "request_id", req.ID, "wave", wave, "error", err)
		return nil, nil
	}
	if len(nearby) == 0 {
		return nil, nil
	}

	pending, err := e.Tracker.Members(ctx, req.ID)
	if err != nil {
		e.Logger.Warn("pending-offer lookup failed", "request_id", req.ID, "error", err)
		pending = map[string]bool{}
	}

	ids := make([]string, 0, len(nearby))
	for _, c := range nearby {
		ids = append(ids, c.DriverID)
	}
	drivers, err := e.Store.ListDrivers(ctx, storage.DriverFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Driver, len(drivers))
	for _, d := range drivers {
		byID[d.ID] = d
	}

	// Preserve the ascending-distance order from the geo query.
	var out []*models.Driver
	for _, c := range nearby {
		d, ok := byID[c.DriverID]
		if !ok || d.Status != models.DriverActive || pending[d.ID] {
			continue
		}
		within, err := e.Wallet.WithinCreditLimit(ctx, d)
		if err != nil {
			return nil, err
		}
		if !within {
			continue
		}
		out = append(out, d)
	}

	observability.WavesRunTotal.WithLabelValues(fmt.Sprint(wave)).Inc()
	return out, nil
}

// IssueOffers creates one PENDING offer per candidate with
// expires_at = now + offer TTL, registers each driver in the
// pending-offer set so later waves skip them, and pushes a best-effort
// notification. Notification failure never aborts offer creation.
func (e *Engine) IssueOffers(ctx context.Context, req *models.TripRequest, candidates []*models.Driver) ([]*models.TripOffer, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	now := e.Now()
	expiresAt := now.Add(e.Cfg.OfferTTL)

	offers := make([]*models.TripOffer, 0, len(candidates))
	for _, d := range candidates {
		offer := &models.TripOffer{
			ID:            uuid.New().String(),
			TripRequestID: req.ID,
			DriverID:      d.ID,
			OfferedFare:   req.EstimatedFare,
			Status:        models.OfferPending,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		}
		if err := e.Store.CreateTripOffer(ctx, offer); err != nil {
			return offers, err
		}
		if err := e.Tracker.Add(ctx, req.ID, d.ID, e.Cfg.OfferTTL); err != nil {
			e.Logger.Warn("pending-offer tracking failed", "request_id", req.ID, "driver_id", d.ID, "error", err)
		}
		offers = append(offers, offer)
		observability.OffersIssuedTotal.Inc()

		notify.BestEffort(ctx, e.Notifier, e.Logger, d.PushAddress, notify.Notification{
			Title: "New trip offer",
			Body:  fmt.Sprintf("Pickup nearby, fare %.2f", offer.OfferedFare),
			Data: map[string]string{
				"offer_id":        offer.ID,
				"trip_request_id": req.ID,
				"expires_at":      expiresAt.Format(time.RFC3339),
			},
		})
	}
	return offers, nil
}

// RunWave is the FindCandidates + IssueOffers cycle the API and the
// auto-rematch job use.
func (e *Engine) RunWave(ctx context.Context, req *models.TripRequest, wave int) ([]*models.TripOffer, error) {
	candidates, err := e.FindCandidates(ctx, req, wave)
	if err != nil {
		return nil, err
	}
	return e.IssueOffers(ctx, req, candidates)
}
