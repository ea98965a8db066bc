package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/emergency"
	"github.com/example/trip-dispatch/internal/feed"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/netmon"
	"github.com/example/trip-dispatch/internal/orchestrator"
	"github.com/example/trip-dispatch/internal/pool"
)

// Server exposes the dispatch engine over HTTP and websockets.
type Server struct {
	Orch      *orchestrator.Orchestrator
	Pool      pool.Pool
	Feed      *feed.Adapter
	Emergency *emergency.Handler
	Net       *netmon.Monitor
	WSReg     *WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(orch *orchestrator.Orchestrator, p pool.Pool, fa *feed.Adapter, em *emergency.Handler, nm *netmon.Monitor, wsreg *WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Orch:      orch,
		Pool:      p,
		Feed:      fa,
		Emergency: em,
		Net:       nm,
		WSReg:     wsreg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleSubmit).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/pickup", s.handlePickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/hold", s.handleHold).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{trip_id}/accept", s.handleOfferAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{trip_id}/reject", s.handleOfferReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/emergency", s.handleEmergency).Methods("POST")
	s.mux.HandleFunc("/internal/drivers", s.handleDriverRegister).Methods("POST")
	s.mux.HandleFunc("/internal/locations", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/ws/{kind}/{entity_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tripID, err := s.Orch.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrActiveTrip) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"trip_id": tripID})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Orch.Snapshot(mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor models.Actor `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Actor == "" {
		body.Actor = models.ActorPassenger
	}
	if err := s.Orch.Cancel(mux.Vars(r)["trip_id"], body.Actor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Orch.StartPickup(mux.Vars(r)["trip_id"], body.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor models.Actor `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Actor == "" {
		body.Actor = models.ActorDriver
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.Orch.Complete(ctx, mux.Vars(r)["trip_id"], body.Actor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHold records a payment hold for a live trip. The amount comes
// from the pricing service; the engine only tracks the hold.
func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount     int64  `json:"amount"`
		Currency   string `json:"currency"`
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount <= 0 || body.Currency == "" {
		http.Error(w, "invalid hold request", http.StatusBadRequest)
		return
	}
	if err := s.Orch.PlaceHold(r.Context(), mux.Vars(r)["trip_id"], body.Amount, body.Currency, body.CustomerID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOfferAccept(w http.ResponseWriter, r *http.Request) {
	s.handleOffer(w, r, s.Orch.AcceptOffer)
}

func (s *Server) handleOfferReject(w http.ResponseWriter, r *http.Request) {
	s.handleOffer(w, r, s.Orch.RejectOffer)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request, action func(tripID, driverID string) error) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Net != nil {
		s.Net.Touch(body.DriverID)
	}
	if err := action(mux.Vars(r)["trip_id"], body.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var sig models.EmergencySignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	// fire-and-forget: always accepted
	s.Emergency.Signal(sig)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDriverRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID  string       `json:"id"`
		Pos models.Coord `json:"pos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		http.Error(w, "invalid driver registration", http.StatusBadRequest)
		return
	}
	s.Pool.Register(models.DriverRecord{ID: body.ID, Pos: body.Pos})
	if s.Net != nil {
		s.Net.Touch(body.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var rep models.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rep.At.IsZero() {
		rep.At = time.Now()
	}
	s.Feed.Submit(rep)
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["entity_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	if s.Net != nil {
		s.Net.Touch(id)
	}
	// reader loop: keeps the connection's liveness visible to netmon and
	// detects closure
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			if s.Net != nil {
				s.Net.SetState(id, netmon.Offline)
			}
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if s.Net != nil {
				s.Net.Touch(id)
			}
		}
	}()
}

// ForwardEvents pushes trip events from the bus to both parties' sockets.
// Runs until the channel closes.
func (s *Server) ForwardEvents(events <-chan models.TripEvent) {
	for ev := range events {
		passengerID, driverID, ok := s.Orch.Parties(ev.TripID)
		if !ok {
			continue
		}
		if passengerID != "" {
			_ = s.WSReg.Send(passengerID, ev)
		}
		if driverID != "" {
			_ = s.WSReg.Send(driverID, ev)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrTerminalState),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrEscalated),
		errors.Is(err, models.ErrActiveTrip):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrOfferExpired):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
