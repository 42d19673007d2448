package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_core/common"
	"charge_core/protocol"
	"charge_core/registry"
	"charge_core/session"
)

type stubCoordinator struct {
	startErr error
	stopErr  error
	snapErr  error
	snap     session.Snapshot
	txID     int
}

func (s *stubCoordinator) Start(ctx context.Context, serial string, connectorId int, userID, paymentMethodID string) (*session.Session, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &session.Session{ID: "sess-1", TransactionID: 7}, nil
}

func (s *stubCoordinator) Stop(ctx context.Context, serial string, transactionId int) (*session.Session, error) {
	if s.stopErr != nil {
		return nil, s.stopErr
	}
	return &session.Session{ID: "sess-1"}, nil
}

func (s *stubCoordinator) ActiveSnapshot(serial string) (session.Snapshot, error) {
	return s.snap, s.snapErr
}

func (s *stubCoordinator) ActiveTransactionID(serial string) (int, bool) {
	return s.txID, s.txID != 0
}

type stubCommander struct {
	err      error
	response common.Response
	actions  []string
}

func (s *stubCommander) Send(ctx context.Context, serial, action string, payload []byte) (common.Response, error) {
	s.actions = append(s.actions, action)
	return s.response, s.err
}

type stubDevices struct {
	reg *registry.Registry
}

func (s *stubDevices) Get(serial string) (*registry.Device, error) {
	return s.reg.Get(serial)
}

func newTestServer() (*Server, *stubCoordinator, *stubCommander, *registry.Registry) {
	coordinator := &stubCoordinator{}
	commander := &stubCommander{response: common.Response{Payload: map[string]interface{}{"status": "Accepted"}}}
	reg := registry.New()
	server := NewServer(coordinator, commander, &stubDevices{reg: reg})
	return server, coordinator, commander, reg
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	return rec
}

func TestGetStatusUnknownDevice(t *testing.T) {
	server, _, _, _ := newTestServer()
	rec := doRequest(t, server, http.MethodGet, "/status/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus(t *testing.T) {
	server, coordinator, _, reg := newTestServer()
	reg.RegisterOrGet("CP001")
	reg.MarkOnline("CP001")
	require.NoError(t, reg.UpdateStatus("CP001", 1, "Charging", ""))
	coordinator.txID = 42

	rec := doRequest(t, server, http.MethodGet, "/status/CP001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"Charging"`)
	assert.Contains(t, rec.Body.String(), `"networkStatus":"online"`)
	assert.Contains(t, rec.Body.String(), `"activeTransactionId":42`)
}

func TestStartCommand(t *testing.T) {
	server, _, _, _ := newTestServer()
	rec := doRequest(t, server, http.MethodPost, "/command/CP001/start", `{"userId":"user-1","connectorId":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transactionId":7`)
}

func TestStartCommandRequiresUser(t *testing.T) {
	server, _, _, _ := newTestServer()
	rec := doRequest(t, server, http.MethodPost, "/command/CP001/start", `{"connectorId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: CP001", common.ErrDeviceOffline), http.StatusConflict},
		{fmt.Errorf("%w: busy", common.ErrSessionConflict), http.StatusConflict},
		{fmt.Errorf("%w: CP001", common.ErrCommandTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: declined", common.ErrPreAuthRequired), http.StatusPaymentRequired},
		{fmt.Errorf("%w: CP001", common.ErrDeviceNotFound), http.StatusNotFound},
	}
	for _, tc := range cases {
		server, coordinator, _, _ := newTestServer()
		coordinator.startErr = tc.err
		rec := doRequest(t, server, http.MethodPost, "/command/CP001/start", `{"userId":"user-1"}`)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestResetCommandValidatesType(t *testing.T) {
	server, _, commander, _ := newTestServer()

	rec := doRequest(t, server, http.MethodPost, "/command/CP001/reset", `{"type":"Warm"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, commander.actions)

	rec = doRequest(t, server, http.MethodPost, "/command/CP001/reset", `{"type":"Hard"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{protocol.ActionReset}, commander.actions)
}

func TestUnlockCommand(t *testing.T) {
	server, _, commander, _ := newTestServer()

	rec := doRequest(t, server, http.MethodPost, "/command/CP001/unlock", `{"connectorId":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/command/CP001/unlock", `{"connectorId":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{protocol.ActionUnlockConnector}, commander.actions)
}

func TestActiveSessionNotFound(t *testing.T) {
	server, coordinator, _, _ := newTestServer()
	coordinator.snapErr = fmt.Errorf("%w: CP001", common.ErrNoActiveSession)
	rec := doRequest(t, server, http.MethodGet, "/session/CP001/active", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActiveSession(t *testing.T) {
	server, coordinator, _, _ := newTestServer()
	coordinator.snap = session.Snapshot{SessionID: "sess-1", TotalEnergy: 2.5, CurrentPower: 7000, EstimatedCost: 0.75, ElapsedSeconds: 120}
	rec := doRequest(t, server, http.MethodGet, "/session/CP001/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalEnergy":2.5`)
	assert.Contains(t, rec.Body.String(), `"elapsedSeconds":120`)
}

func TestHealthz(t *testing.T) {
	server, _, _, _ := newTestServer()
	rec := doRequest(t, server, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
