package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/ingest"
	"github.com/example/freight-dispatch/internal/match"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/schedule"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/trips"
	"github.com/example/freight-dispatch/internal/wallet"
)

type Server struct {
	Store       storage.Store
	Geo         geo.Index
	Status      geo.StatusCache
	Engine      *dispatch.Engine
	Coordinator *match.Coordinator
	Assigner    *schedule.Assigner
	Trips       *trips.Service
	Wallet      *wallet.Service
	Kafka       *ingest.KafkaProducer
	WSReg       *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(store storage.Store, g geo.Index, status geo.StatusCache, engine *dispatch.Engine, coord *match.Coordinator, assigner *schedule.Assigner, tripSvc *trips.Service, walletSvc *wallet.Service, kafka *ingest.KafkaProducer, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Store: store, Geo: g, Status: status, Engine: engine, Coordinator: coord,
		Assigner: assigner, Trips: tripSvc, Wallet: walletSvc,
		Kafka: kafka, WSReg: wsreg,
		logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers", s.handleCreateDriver).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/status", s.handleDriverStatus).Methods("PUT")
	api.HandleFunc("/drivers/{driver_id}/offers", s.handleListOffers).Methods("GET")

	api.HandleFunc("/trip-requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/trip-requests/{request_id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/trip-requests/{request_id}/cancel", s.handleCancelRequest).Methods("POST")
	api.HandleFunc("/trip-requests/{request_id}/dispatch", s.handleDispatchWave).Methods("POST")
	api.HandleFunc("/trip-requests/{request_id}/available-drivers", s.handleAvailableDrivers).Methods("GET")
	api.HandleFunc("/trip-requests/{request_id}/assign", s.handlePreAssign).Methods("POST")

	api.HandleFunc("/offers/{offer_id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{offer_id}/reject", s.handleRejectOffer).Methods("POST")

	api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/arriving", s.handleTripArriving).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/arrived", s.handleTripArrived).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/start", s.handleTripStart).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/complete", s.handleTripComplete).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleTripCancel).Methods("POST")

	api.HandleFunc("/drivers/{driver_id}/wallet", s.handleWalletBalance).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/wallet/transactions", s.handleWalletHistory).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/wallet/payments", s.handleWalletPayment).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/wallet/bonuses", s.handleWalletBonus).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/wallet/penalties", s.handleWalletPenalty).Methods("POST")

	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidState):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrExternalService):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
