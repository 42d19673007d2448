package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"charge_core/common"
	"charge_core/protocol"
	"charge_core/registry"
	"charge_core/session"
)

// Coordinator is the session surface the HTTP layer drives.
type Coordinator interface {
	Start(ctx context.Context, serial string, connectorId int, userID, paymentMethodID string) (*session.Session, error)
	Stop(ctx context.Context, serial string, transactionId int) (*session.Session, error)
	ActiveSnapshot(serial string) (session.Snapshot, error)
	ActiveTransactionID(serial string) (int, bool)
}

// Commander dispatches raw remote commands (reset, unlock) through the
// gateway.
type Commander interface {
	Send(ctx context.Context, serial, action string, payload []byte) (common.Response, error)
}

// Devices reads registry state.
type Devices interface {
	Get(serial string) (*registry.Device, error)
}

type Server struct {
	Coordinator Coordinator
	Commander   Commander
	Devices     Devices

	validate *validator.Validate
}

func NewServer(coordinator Coordinator, commander Commander, devices Devices) *Server {
	return &Server{
		Coordinator: coordinator,
		Commander:   commander,
		Devices:     devices,
		validate:    validator.New(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/status/{serial}", s.GetStatus)
	r.Post("/command/{serial}/start", s.StartCommand)
	r.Post("/command/{serial}/stop", s.StopCommand)
	r.Post("/command/{serial}/reset", s.ResetCommand)
	r.Post("/command/{serial}/unlock", s.UnlockCommand)
	r.Get("/session/{serial}/active", s.ActiveSession)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

type statusResponse struct {
	Status              string     `json:"status"`
	NetworkStatus       string     `json:"networkStatus"`
	LastSeen            *time.Time `json:"lastSeen,omitempty"`
	ActiveTransactionId *int       `json:"activeTransactionId,omitempty"`
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	dev, err := s.Devices.Get(serial)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{
		Status:        string(dev.Overall().Value),
		NetworkStatus: string(dev.NetworkStatus),
	}
	if !dev.LastSeen.IsZero() {
		t := dev.LastSeen
		resp.LastSeen = &t
	}
	if txID, ok := s.Coordinator.ActiveTransactionID(serial); ok {
		resp.ActiveTransactionId = &txID
	}
	writeJSON(w, http.StatusOK, resp)
}

type startRequest struct {
	UserID          string `json:"userId" validate:"required"`
	ConnectorID     int    `json:"connectorId"`
	PaymentMethodID string `json:"paymentMethodId"`
}

func (s *Server) StartCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if req.ConnectorID == 0 {
		req.ConnectorID = 1
	}

	sess, err := s.Coordinator.Start(r.Context(), serial, req.ConnectorID, req.UserID, req.PaymentMethodID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"transactionId": sess.TransactionID,
		"sessionId":     sess.ID,
	})
}

type stopRequest struct {
	TransactionID int `json:"transactionId"`
}

func (s *Server) StopCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if _, err := s.Coordinator.Stop(r.Context(), serial, req.TransactionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type resetRequest struct {
	Type string `json:"type" validate:"required,oneof=Hard Soft"`
}

func (s *Server) ResetCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, `type must be "Hard" or "Soft"`, http.StatusBadRequest)
		return
	}

	payload, _ := json.Marshal(map[string]string{"type": req.Type})
	response, err := s.Commander.Send(r.Context(), serial, protocol.ActionReset, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCommandResponse(w, response)
}

type unlockRequest struct {
	ConnectorID int `json:"connectorId" validate:"required,gte=1"`
}

func (s *Server) UnlockCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, "connectorId must be >= 1", http.StatusBadRequest)
		return
	}

	payload, _ := json.Marshal(map[string]int{"connectorId": req.ConnectorID})
	response, err := s.Commander.Send(r.Context(), serial, protocol.ActionUnlockConnector, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCommandResponse(w, response)
}

func (s *Server) ActiveSession(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	snapshot, err := s.Coordinator.ActiveSnapshot(serial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeCommandResponse(w http.ResponseWriter, response common.Response) {
	if response.Err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   response.Err,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  response.Payload,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("response not encoded: %v", err)
	}
}

// writeError maps the failure taxonomy to HTTP statuses. Timeouts come
// back retryable; unknown errors degrade to 500 without details.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrDeviceNotFound), errors.Is(err, common.ErrNoActiveSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, common.ErrDeviceOffline), errors.Is(err, common.ErrSessionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, common.ErrCommandTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, common.ErrPreAuthRequired):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	default:
		log.Errorf("request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
