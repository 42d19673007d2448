package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_core/common"
	"charge_core/protocol"
)

type fakeGateway struct {
	mu       sync.Mutex
	sent     []string
	fail     error
	rejected bool

	// onSend runs between dispatch and acknowledgment, simulating
	// device-initiated frames racing the command's confirmation.
	onSend func(serial, action string)
}

func (f *fakeGateway) Send(ctx context.Context, serial, action string, payload []byte) (common.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, action)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(serial, action)
	}
	if f.fail != nil {
		return common.Response{}, f.fail
	}
	status := "Accepted"
	if f.rejected {
		status = "Rejected"
	}
	return common.Response{Payload: map[string]interface{}{"status": status}}, nil
}

func (f *fakeGateway) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.sent {
		if a == action {
			n++
		}
	}
	return n
}

type fakeDevices struct {
	online     bool
	status     protocol.ConnectorStatus
	optimistic []protocol.ConnectorStatus
}

func (f *fakeDevices) IsOnline(serial string) bool { return f.online }
func (f *fakeDevices) ConnectorStatus(serial string, connectorId int) protocol.ConnectorStatus {
	return f.status
}
func (f *fakeDevices) ApplyOptimistic(serial string, connectorId int, status protocol.ConnectorStatus) {
	f.optimistic = append(f.optimistic, status)
}

type fakePayments struct {
	declined bool
	calls    int
}

func (f *fakePayments) PreAuthorize(ctx context.Context, amount float64, paymentMethodID string) (string, error) {
	f.calls++
	if f.declined {
		return "", fmt.Errorf("card declined")
	}
	return "pi_test_123", nil
}

func newTestCoordinator() (*Coordinator, *fakeGateway, *fakeDevices, *fakePayments, *MemoryStore) {
	gw := &fakeGateway{}
	devices := &fakeDevices{online: true, status: protocol.StatusAvailable}
	payments := &fakePayments{}
	store := NewMemoryStore()
	c := NewCoordinator(gw, devices, store, payments, 0.30)
	return c, gw, devices, payments, store
}

func TestStartHappyPath(t *testing.T) {
	c, gw, devices, payments, store := newTestCoordinator()

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, "pi_test_123", sess.PaymentIntentID)
	assert.Equal(t, 1, payments.calls)
	assert.Equal(t, 1, gw.count(protocol.ActionRemoteStartTransaction))
	assert.Len(t, store.Sessions, 1)
	assert.Equal(t, []protocol.ConnectorStatus{protocol.StatusPreparing}, devices.optimistic)
}

func TestStartSecondSessionOnSameConnectorConflicts(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	_, err = c.Start(context.Background(), "CP001", 1, "user-2", "pm-2")
	assert.ErrorIs(t, err, common.ErrSessionConflict)
}

func TestStartOfflineDevice(t *testing.T) {
	c, gw, devices, payments, _ := newTestCoordinator()
	devices.online = false

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	assert.ErrorIs(t, err, common.ErrDeviceOffline)
	assert.Zero(t, payments.calls, "no hold may be placed for an offline device")
	assert.Zero(t, gw.count(protocol.ActionRemoteStartTransaction))
}

func TestStartChargingConnectorRejectedWithoutMutation(t *testing.T) {
	c, gw, _, payments, store := newTestCoordinator()
	c.devices.(*fakeDevices).status = protocol.StatusCharging

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	assert.ErrorIs(t, err, common.ErrSessionConflict)
	assert.Zero(t, payments.calls)
	assert.Zero(t, gw.count(protocol.ActionRemoteStartTransaction))
	assert.Empty(t, store.Sessions)
}

func TestStartPreAuthDeclined(t *testing.T) {
	c, gw, _, payments, _ := newTestCoordinator()
	payments.declined = true

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	assert.ErrorIs(t, err, common.ErrPreAuthRequired)
	assert.Zero(t, gw.count(protocol.ActionRemoteStartTransaction))
}

func TestStartTimeoutLeavesPendingAndRetryable(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()
	gw.fail = fmt.Errorf("%w: remote.start.transaction CP001", common.ErrCommandTimeout)

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	assert.ErrorIs(t, err, common.ErrCommandTimeout)

	// The slot stays reserved so a concurrent start cannot sneak in.
	_, err = c.Start(context.Background(), "CP001", 1, "user-2", "pm-2")
	assert.ErrorIs(t, err, common.ErrSessionConflict)

	// Once the device answers, the retry promotes the pending session.
	gw.fail = nil
	sess, err := c.RetryStart(context.Background(), "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())
}

func TestStartSurvivesDeviceFrameBeforeAcknowledgment(t *testing.T) {
	c, gw, _, _, store := newTestCoordinator()

	// The device's StartTransaction frame lands before the RemoteStart
	// confirmation makes it back, activating the session first.
	gw.onSend = func(serial, action string) {
		if action == protocol.ActionRemoteStartTransaction {
			c.BindTransaction(context.Background(), serial, 1)
		}
	}

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())
	assert.Len(t, store.Sessions, 1)
}

func TestStopSurvivesDeviceFrameBeforeAcknowledgment(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	// The device's StopTransaction frame closes the session while the
	// RemoteStop is still in flight.
	gw.onSend = func(serial, action string) {
		if action == protocol.ActionRemoteStopTransaction {
			_, closeErr := c.CloseByTransaction(context.Background(), serial, sess.TransactionID, 2.0)
			require.NoError(t, closeErr)
		}
	}

	closed, err := c.Stop(context.Background(), "CP001", sess.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, closed.ID)
	assert.False(t, closed.Open())
}

func TestStopAfterDeviceAlreadyClosedTransaction(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	_, err = c.CloseByTransaction(context.Background(), "CP001", sess.TransactionID, 2.0)
	require.NoError(t, err)

	// The caller's stop for the same transaction resolves as success
	// without sending anything.
	closed, err := c.Stop(context.Background(), "CP001", sess.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, closed.ID)
	assert.Zero(t, gw.count(protocol.ActionRemoteStopTransaction))
}

func TestStartRejectedByDeviceDiscardsSession(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()
	gw.rejected = true

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	assert.ErrorIs(t, err, common.ErrSessionConflict)

	// The slot is free again.
	gw.rejected = false
	_, err = c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	assert.NoError(t, err)
}

func TestRecordTelemetryAccumulates(t *testing.T) {
	c, _, _, _, store := newTestCoordinator()

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 2.0, 7200))
	require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 2.5, 6800))

	assert.Equal(t, 2.5, sess.EnergyKwh)
	assert.Equal(t, 7200.0, sess.PeakPowerW, "peak must keep the maximum")
	assert.Equal(t, 0.75, sess.Cost)
	assert.Len(t, store.Log, 2)
}

func TestRecordTelemetryWithoutSession(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	err := c.RecordTelemetry(context.Background(), "CP001", 1.0, 7000)
	assert.ErrorIs(t, err, common.ErrNoActiveSession)
}

func TestAutoStopFiresExactlyOnce(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()
	now := time.Now()
	c.clock = func() time.Time { return now }

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	// Keep the session open on stop so repeated zero samples could, in a
	// buggy coordinator, trigger a second stop.
	gw.rejected = true

	now = now.Add(90 * time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.0, 0))
	}
	assert.Zero(t, gw.count(protocol.ActionRemoteStopTransaction), "three samples are not enough")

	require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.0, 0))
	assert.Equal(t, 1, gw.count(protocol.ActionRemoteStopTransaction))

	for i := 0; i < 4; i++ {
		require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.0, 0))
	}
	assert.Equal(t, 1, gw.count(protocol.ActionRemoteStopTransaction), "watchdog must fire once per session")
}

func TestAutoStopNeedsMinimumElapsed(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()
	now := time.Now()
	c.clock = func() time.Time { return now }

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	// Within the first minute the zero readings are a normal ramp-up.
	now = now.Add(30 * time.Second)
	for i := 0; i < 6; i++ {
		require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 0, 0))
	}
	assert.Zero(t, gw.count(protocol.ActionRemoteStopTransaction))
}

func TestAutoStopCounterResetsOnPower(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()
	now := time.Now()
	c.clock = func() time.Time { return now }

	_, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.0, 0))
	}
	require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.1, 5000))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.1, 0))
	}
	assert.Zero(t, gw.count(protocol.ActionRemoteStopTransaction), "a live sample must reset the window")
}

func TestStopClosesMostRecentlyOpened(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()

	older, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)
	newer, err := c.Start(context.Background(), "CP001", 2, "user-2", "pm-2")
	require.NoError(t, err)

	closed, err := c.Stop(context.Background(), "CP001", 0)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, closed.ID)
	assert.True(t, older.Open())
	assert.False(t, newer.Open())
}

func TestStopWithoutSession(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	_, err := c.Stop(context.Background(), "CP001", 0)
	assert.ErrorIs(t, err, common.ErrNoActiveSession)
}

func TestStopTimeoutLeavesSessionOpen(t *testing.T) {
	c, gw, _, _, _ := newTestCoordinator()

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	gw.fail = fmt.Errorf("%w: remote.stop.transaction CP001", common.ErrCommandTimeout)
	_, err = c.Stop(context.Background(), "CP001", sess.TransactionID)
	assert.ErrorIs(t, err, common.ErrCommandTimeout)
	assert.True(t, sess.Open())
}

func TestCloseByTransactionIsIdempotent(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)

	closed, err := c.CloseByTransaction(context.Background(), "CP001", sess.TransactionID, 3.2)
	require.NoError(t, err)
	assert.Equal(t, 3.2, closed.EnergyKwh)
	assert.Equal(t, 0.96, closed.Cost)

	_, err = c.CloseByTransaction(context.Background(), "CP001", sess.TransactionID, 3.2)
	assert.ErrorIs(t, err, common.ErrNoActiveSession)
}

func TestFinalizeEnergyWithoutOpenSession(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	err := c.FinalizeEnergy(context.Background(), "CP001", 5.0, 7000)
	assert.True(t, errors.Is(err, common.ErrNoActiveSession))
}

func TestBindTransactionCreatesLocalSession(t *testing.T) {
	c, _, _, _, store := newTestCoordinator()

	txID := c.BindTransaction(context.Background(), "CP001", 1)
	assert.Greater(t, txID, 0)
	require.Len(t, store.Sessions, 1)

	// The device reporting the same transaction again binds, not duplicates.
	again := c.BindTransaction(context.Background(), "CP001", 1)
	assert.Equal(t, txID, again)
	assert.Len(t, store.Sessions, 1)
}

func TestActiveSnapshot(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	now := time.Now()
	c.clock = func() time.Time { return now }

	sess, err := c.Start(context.Background(), "CP001", 1, "user-1", "pm-1")
	require.NoError(t, err)
	now = now.Add(45 * time.Second)
	require.NoError(t, c.RecordTelemetry(context.Background(), "CP001", 1.5, 7000))

	snap, err := c.ActiveSnapshot("CP001")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, snap.SessionID)
	assert.Equal(t, 1.5, snap.TotalEnergy)
	assert.Equal(t, 7000.0, snap.CurrentPower)
	assert.Equal(t, 0.45, snap.EstimatedCost)
	assert.Equal(t, int64(45), snap.ElapsedSeconds)
}
