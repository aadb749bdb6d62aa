package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
)

// statusTTL bounds how long a driver counts as online without a fresh
// location update.
const statusTTL = 5 * time.Minute

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := decodeJSON(r, &loc); err != nil {
		s.writeError(w, err)
		return
	}
	if loc.DriverID == "" {
		s.writeError(w, apperr.Validationf("driver_id is required"))
		return
	}
	if loc.Updated.IsZero() {
		loc.Updated = time.Now()
	}

	// When Kafka is wired the consumer owns the index; otherwise apply
	// the update inline.
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.writeError(w, apperr.Externalf("location publish: %v", err))
			return
		}
	} else {
		status := "ONLINE"
		if !loc.Online {
			status = "OFFLINE"
			if err := s.Geo.Remove(r.Context(), loc.DriverID); err != nil {
				s.writeError(w, err)
				return
			}
		} else if err := s.Geo.Upsert(r.Context(), loc.DriverID, loc.Loc); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.Status.SetStatus(r.Context(), loc.DriverID, status, statusTTL); err != nil {
			s.logger.Warn("status cache update failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	if loc.Online {
		observability.DriversOnline.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID          string  `json:"id"`
		PushAddress string  `json:"push_address"`
		Rating      float64 `json:"rating"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.ID == "" {
		in.ID = newID()
	}
	d := &models.Driver{
		ID:          in.ID,
		Status:      models.DriverActive,
		PushAddress: in.PushAddress,
		Rating:      in.Rating,
		CreatedAt:   time.Now(),
	}
	if err := s.Store.CreateDriver(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var in struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.Store.GetDriver(r.Context(), driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch in.Status {
	case models.DriverActive, models.DriverOffline:
	default:
		s.writeError(w, apperr.Validationf("status must be ACTIVE or OFFLINE"))
		return
	}
	if d.Status == models.DriverLimited && in.Status == models.DriverActive {
		s.writeError(w, apperr.InvalidStatef("driver %s is LIMITED, settle the wallet first", d.ID))
		return
	}
	d.Status = in.Status
	if err := s.Store.UpdateDriver(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	offers, err := s.Store.ListTripOffers(r.Context(), storage.TripOfferFilter{
		DriverID: driverID,
		Status:   models.OfferPending,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in dispatch.CreateRequestInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	req, offers, err := s.Engine.CreateRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"trip_request":  req,
		"offers_issued": len(offers),
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetTripRequest(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequesterID string `json:"requester_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.Engine.CancelRequest(r.Context(), mux.Vars(r)["request_id"], in.RequesterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDispatchWave(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Wave int `json:"wave"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.Wave < 1 {
		in.Wave = 1
	}
	req, err := s.Store.GetTripRequest(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	offers, err := s.Engine.RunWave(r.Context(), req, in.Wave)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"wave": in.Wave, "offers": offers})
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetTripRequest(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	drivers, err := s.Assigner.FindAvailable(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

func (s *Server) handlePreAssign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.DriverID == "" {
		s.writeError(w, apperr.Validationf("driver_id is required"))
		return
	}
	req, err := s.Assigner.PreAssign(r.Context(), mux.Vars(r)["request_id"], in.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var in driverActionRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	trip, err := s.Coordinator.Accept(r.Context(), mux.Vars(r)["offer_id"], in.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	var in driverActionRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	offer, err := s.Coordinator.Reject(r.Context(), mux.Vars(r)["offer_id"], in.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Store.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleTripArriving(w http.ResponseWriter, r *http.Request) {
	s.tripTransition(w, r, s.Trips.MarkArriving)
}

func (s *Server) handleTripArrived(w http.ResponseWriter, r *http.Request) {
	s.tripTransition(w, r, s.Trips.MarkArrived)
}

func (s *Server) handleTripStart(w http.ResponseWriter, r *http.Request) {
	s.tripTransition(w, r, s.Trips.Start)
}

func (s *Server) tripTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tripID, driverID string) (*models.Trip, error)) {
	var in driverActionRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	trip, err := fn(r.Context(), mux.Vars(r)["trip_id"], in.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleTripComplete(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID  string  `json:"driver_id"`
		FinalFare float64 `json:"final_fare"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	trip, err := s.Trips.Complete(r.Context(), mux.Vars(r)["trip_id"], in.DriverID, in.FinalFare)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleTripCancel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CancelledBy string `json:"cancelled_by"`
		Reason      string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.CancelledBy == "" {
		s.writeError(w, apperr.Validationf("cancelled_by is required"))
		return
	}
	trip, err := s.Store.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Trips.Cancel(r.Context(), trip, in.CancelledBy, in.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	balance, err := s.Wallet.Balance(r.Context(), driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := s.Wallet.CreditLimit(r.Context(), driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"driver_id":    driverID,
		"balance":      balance,
		"credit_limit": limit,
	})
}

func (s *Server) handleWalletHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	txs, err := s.Wallet.History(r.Context(), mux.Vars(r)["driver_id"], limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleWalletPayment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount    float64 `json:"amount"`
		Reference string  `json:"reference"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Wallet.AddPayment(r.Context(), mux.Vars(r)["driver_id"], in.Amount, in.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleWalletBonus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount      float64 `json:"amount"`
		Description string  `json:"description"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Wallet.AddBonus(r.Context(), mux.Vars(r)["driver_id"], in.Amount, in.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleWalletPenalty(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount      float64 `json:"amount"`
		Description string  `json:"description"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Wallet.AddPenalty(r.Context(), mux.Vars(r)["driver_id"], in.Amount, in.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tx)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(id, conn)
	// Drain inbound frames; the first read error means the peer is
	// gone, so the session comes out of the registry.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(id, sess)
				return
			}
		}
	}()
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
