package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"charge_core/common"
	"charge_core/metrics"
	"charge_core/notifier"
	"charge_core/protocol"
)

// Zero-power watchdog window: a session running longer than a minute that
// reports no power for four consecutive samples is stopped automatically,
// exactly once.
const (
	autoStopZeroSamples = 4
	autoStopMinElapsed  = 60 * time.Second
)

// CommandSender dispatches a remote command and waits for the device
// acknowledgment. The gateway implements it.
type CommandSender interface {
	Send(ctx context.Context, serial, action string, payload []byte) (common.Response, error)
}

// DeviceDirectory exposes the registry state the coordinator consults
// before and after sending commands.
type DeviceDirectory interface {
	IsOnline(serial string) bool
	ConnectorStatus(serial string, connectorId int) protocol.ConnectorStatus
	ApplyOptimistic(serial string, connectorId int, status protocol.ConnectorStatus)
}

// PreAuthorizer places a payment hold before charging begins. A start is
// never sent to the device without a successful pre-authorization.
type PreAuthorizer interface {
	PreAuthorize(ctx context.Context, amount float64, paymentMethodID string) (string, error)
}

// Store persists session rows and the charging log. The coordinator owns
// lifecycle decisions; the store only records them.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Close(ctx context.Context, sessionID string, end time.Time, energyKwh, peakPowerW, cost float64) error
	SetFinalEnergy(ctx context.Context, sessionID string, energyKwh, peakPowerW float64) error
	AppendLog(ctx context.Context, serial string, ts time.Time, energyKwh, powerW float64) error
}

// Coordinator owns the charging-session lifecycle: authorization, start,
// live metering accumulation, stop and finalization. At most one open
// session exists per device+connector at any time.
type Coordinator struct {
	gateway  CommandSender
	devices  DeviceDirectory
	store    Store
	payments PreAuthorizer

	mu       sync.RWMutex
	open     map[string]map[int]*Session // serial -> connector -> open session
	nextSeq  uint64
	nextTxID int

	// lastClosed remembers the most recently closed session per serial,
	// so a Stop whose acknowledgment raced the device's own
	// StopTransaction frame still resolves as success.
	lastClosed map[string]*Session

	notification chan<- notifier.Notification

	ratePerKwh    float64
	preAuthAmount float64
	clock         func() time.Time
}

func NewCoordinator(gw CommandSender, devices DeviceDirectory, store Store, payments PreAuthorizer, ratePerKwh float64) *Coordinator {
	return &Coordinator{
		gateway:       gw,
		devices:       devices,
		store:         store,
		payments:      payments,
		open:          make(map[string]map[int]*Session),
		lastClosed:    make(map[string]*Session),
		nextTxID:      1,
		ratePerKwh:    ratePerKwh,
		preAuthAmount: 30.0,
		clock:         time.Now,
	}
}

// SetNotificationChannel wires the bus the coordinator publishes
// session.telemetry and session lifecycle events on.
func (c *Coordinator) SetNotificationChannel(ch chan<- notifier.Notification) {
	c.notification = ch
}

// SetPreAuthAmount overrides the hold placed before a start.
func (c *Coordinator) SetPreAuthAmount(amount float64) { c.preAuthAmount = amount }

func (c *Coordinator) publish(topic string, data map[string]interface{}) {
	if c.notification == nil {
		return
	}
	c.notification <- notifier.Notification{Topic: topic, Data: data}
}

// Start authorizes and starts a charging session. Preconditions: device
// online, connector chargeable, payment pre-authorization successful. The
// session only becomes active on device acknowledgment; a timeout leaves
// it pending and surfaces a retryable error.
func (c *Coordinator) Start(ctx context.Context, serial string, connectorId int, userID, paymentMethodID string) (*Session, error) {
	if !c.devices.IsOnline(serial) {
		return nil, fmt.Errorf("%w: %v", common.ErrDeviceOffline, serial)
	}
	status := c.devices.ConnectorStatus(serial, connectorId)
	if !protocol.ChargingEligible(status) {
		return nil, fmt.Errorf("%w: connector %v is %v", common.ErrSessionConflict, connectorId, status)
	}

	c.mu.Lock()
	if existing := c.openSessionLocked(serial, connectorId); existing != nil {
		c.mu.Unlock()
		if existing.State() == StatePending {
			return nil, fmt.Errorf("%w: start already pending for connector %v", common.ErrSessionConflict, connectorId)
		}
		return nil, fmt.Errorf("%w: session %v already open on connector %v", common.ErrSessionConflict, existing.ID, connectorId)
	}
	c.mu.Unlock()

	intentID, err := c.payments.PreAuthorize(ctx, c.preAuthAmount, paymentMethodID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPreAuthRequired, err)
	}

	c.mu.Lock()
	// re-check under the lock; a racing start may have won meanwhile
	if existing := c.openSessionLocked(serial, connectorId); existing != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session %v already open on connector %v", common.ErrSessionConflict, existing.ID, connectorId)
	}
	c.nextSeq++
	sess := &Session{
		ID:              uuid.NewString(),
		Serial:          serial,
		ConnectorID:     connectorId,
		UserID:          userID,
		PaymentIntentID: intentID,
		TransactionID:   c.nextTxID,
		RatePerKwh:      c.ratePerKwh,
		seq:             c.nextSeq,
		lifecycle:       newLifecycle(),
	}
	c.nextTxID++
	if c.open[serial] == nil {
		c.open[serial] = make(map[int]*Session)
	}
	c.open[serial][connectorId] = sess
	c.mu.Unlock()

	payload, _ := json.Marshal(map[string]interface{}{
		"idTag":       userID,
		"connectorId": connectorId,
	})
	response, err := c.gateway.Send(ctx, serial, protocol.ActionRemoteStartTransaction, payload)
	if err != nil {
		// Pending, not started: the caller may retry; the slot stays
		// reserved so no second start races the late acknowledgment.
		log.WithFields(log.Fields{"client": serial, "session": sess.ID}).
			Warnf("remote start unacknowledged: %v", err)
		return nil, fmt.Errorf("remote start pending: %w", err)
	}
	if !commandAccepted(response) {
		c.discard(sess)
		return nil, fmt.Errorf("%w: remote start rejected by device", common.ErrSessionConflict)
	}

	if err := c.acknowledge(sess); err != nil {
		return nil, err
	}

	c.devices.ApplyOptimistic(serial, connectorId, protocol.StatusPreparing)
	if err := c.store.Create(ctx, sess); err != nil {
		log.WithField("session", sess.ID).Errorf("session row not persisted: %v", err)
	}
	metrics.SessionsStarted.Inc()
	c.publish("session.started", map[string]interface{}{
		"chargePointId": serial,
		"sessionId":     sess.ID,
		"transactionId": sess.TransactionID,
		"userId":        userID,
	})
	logDefault(serial, "StartSession").Infof("session %v started on connector %v", sess.ID, connectorId)
	return sess, nil
}

// RetryStart re-sends the RemoteStart for a session stuck pending after a
// command timeout.
func (c *Coordinator) RetryStart(ctx context.Context, serial string, connectorId int) (*Session, error) {
	c.mu.Lock()
	sess := c.openSessionLocked(serial, connectorId)
	if sess == nil || sess.State() != StatePending {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing pending on connector %v", common.ErrNoActiveSession, connectorId)
	}
	c.mu.Unlock()

	payload, _ := json.Marshal(map[string]interface{}{
		"idTag":       sess.UserID,
		"connectorId": connectorId,
	})
	response, err := c.gateway.Send(ctx, serial, protocol.ActionRemoteStartTransaction, payload)
	if err != nil {
		return nil, fmt.Errorf("remote start pending: %w", err)
	}
	if !commandAccepted(response) {
		c.discard(sess)
		return nil, fmt.Errorf("%w: remote start rejected by device", common.ErrSessionConflict)
	}
	if err := c.acknowledge(sess); err != nil {
		return nil, err
	}
	c.devices.ApplyOptimistic(serial, connectorId, protocol.StatusPreparing)
	if err := c.store.Create(ctx, sess); err != nil {
		log.WithField("session", sess.ID).Errorf("session row not persisted: %v", err)
	}
	metrics.SessionsStarted.Inc()
	return sess, nil
}

// RecordTelemetry folds one meter reading into the active session:
// accumulated energy, peak power and cost, plus the charging log row and
// the live feed event. It also drives the zero-power watchdog.
func (c *Coordinator) RecordTelemetry(ctx context.Context, serial string, energyKwh, powerW float64) error {
	c.mu.Lock()
	sess := c.latestOpenLocked(serial)
	if sess == nil || sess.State() != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", common.ErrNoActiveSession, serial)
	}
	sess.EnergyKwh = energyKwh
	sess.CurrentPowerW = powerW
	if powerW > sess.PeakPowerW {
		sess.PeakPowerW = powerW
	}
	sess.Cost = round2(energyKwh * sess.RatePerKwh)

	if powerW == 0 {
		sess.zeroPowerSamples++
	} else {
		sess.zeroPowerSamples = 0
	}
	elapsed := c.clock().Sub(sess.StartTime)
	fireAutoStop := !sess.autoStopFired &&
		sess.zeroPowerSamples >= autoStopZeroSamples &&
		elapsed > autoStopMinElapsed
	if fireAutoStop {
		sess.autoStopFired = true
	}
	txID := sess.TransactionID
	sessID := sess.ID
	cost := sess.Cost
	c.mu.Unlock()

	if err := c.store.AppendLog(ctx, serial, c.clock(), energyKwh, powerW); err != nil {
		log.WithField("client", serial).Warnf("charging log append failed: %v", err)
	}
	c.publish("session.telemetry", map[string]interface{}{
		"chargePointId": serial,
		"sessionId":     sessID,
		"energyKwh":     energyKwh,
		"powerW":        powerW,
		"cost":          cost,
	})

	if fireAutoStop {
		metrics.AutoStops.Inc()
		logDefault(serial, "AutoStop").Infof("power at zero for %v samples after %v, stopping session %v",
			autoStopZeroSamples, elapsed.Round(time.Second), sessID)
		if _, err := c.Stop(ctx, serial, txID); err != nil {
			log.WithField("client", serial).Errorf("automatic stop failed: %v", err)
		}
	}
	return nil
}

// Stop sends the RemoteStop and, on acknowledgment, closes the most
// recently opened still-open session of the device. A timeout leaves the
// session untouched and surfaces a retryable error.
func (c *Coordinator) Stop(ctx context.Context, serial string, transactionId int) (*Session, error) {
	c.mu.RLock()
	sess := c.latestOpenLocked(serial)
	c.mu.RUnlock()
	if sess == nil {
		if prev := c.closedByTransaction(serial, transactionId); prev != nil {
			return prev, nil
		}
		return nil, fmt.Errorf("%w: %v", common.ErrNoActiveSession, serial)
	}
	if transactionId == 0 {
		transactionId = sess.TransactionID
	}

	payload, _ := json.Marshal(map[string]interface{}{"transactionId": transactionId})
	response, err := c.gateway.Send(ctx, serial, protocol.ActionRemoteStopTransaction, payload)
	if err != nil {
		return nil, fmt.Errorf("remote stop pending: %w", err)
	}
	if !commandAccepted(response) {
		return nil, fmt.Errorf("remote stop rejected by device %v", serial)
	}

	closed, err := c.closeLatest(ctx, serial)
	if err != nil {
		// The device's own StopTransaction frame may have closed the
		// session while the command was in flight; that is success.
		if prev := c.closedByTransaction(serial, transactionId); prev != nil {
			return prev, nil
		}
		return nil, err
	}
	return closed, nil
}

// closedByTransaction returns the last closed session of the serial when
// it matches the transaction id the caller is trying to stop.
func (c *Coordinator) closedByTransaction(serial string, transactionId int) *Session {
	if transactionId == 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	prev := c.lastClosed[serial]
	if prev != nil && prev.TransactionID == transactionId {
		return prev
	}
	return nil
}

// CloseByTransaction finalizes a session on a device-reported
// StopTransaction, without sending any command. Closing an already
// closed transaction is a no-op so late frames are handled idempotently.
func (c *Coordinator) CloseByTransaction(ctx context.Context, serial string, transactionId int, finalEnergyKwh float64) (*Session, error) {
	c.mu.RLock()
	sess := c.latestOpenLocked(serial)
	c.mu.RUnlock()
	if sess == nil || (transactionId != 0 && sess.TransactionID != transactionId) {
		return nil, fmt.Errorf("%w: transaction %v on %v", common.ErrNoActiveSession, transactionId, serial)
	}
	if finalEnergyKwh > 0 {
		c.mu.Lock()
		sess.EnergyKwh = finalEnergyKwh
		sess.Cost = round2(finalEnergyKwh * sess.RatePerKwh)
		c.mu.Unlock()
	}
	return c.closeLatest(ctx, serial)
}

// closeLatest closes the most recently opened open session (ordered by
// creation, descending), never an older one.
func (c *Coordinator) closeLatest(ctx context.Context, serial string) (*Session, error) {
	c.mu.Lock()
	sess := c.latestOpenLocked(serial)
	if sess == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", common.ErrNoActiveSession, serial)
	}
	now := c.clock()
	sess.EndTime = &now
	sess.CurrentPowerW = 0
	if sess.State() == StateActive {
		_ = sess.transition(eventFinish)
	}
	_ = sess.transition(eventComplete)
	delete(c.open[sess.Serial], sess.ConnectorID)
	c.lastClosed[sess.Serial] = sess
	c.mu.Unlock()

	c.devices.ApplyOptimistic(serial, sess.ConnectorID, protocol.StatusFinishing)
	if err := c.store.Close(ctx, sess.ID, now, sess.EnergyKwh, sess.PeakPowerW, sess.Cost); err != nil {
		log.WithField("session", sess.ID).Errorf("session close not persisted: %v", err)
	}
	metrics.SessionsStopped.Inc()
	c.publish("session.stopped", map[string]interface{}{
		"chargePointId": serial,
		"sessionId":     sess.ID,
		"transactionId": sess.TransactionID,
		"energyKwh":     sess.EnergyKwh,
		"cost":          sess.Cost,
	})
	logDefault(serial, "StopSession").Infof("session %v closed, %.3f kWh, cost %.2f", sess.ID, sess.EnergyKwh, sess.Cost)
	return sess, nil
}

// FinalizeEnergy overwrites the final meter figures of the most recent
// open session. With no open session it reports ErrNoActiveSession
// without closing anything.
func (c *Coordinator) FinalizeEnergy(ctx context.Context, serial string, energyKwh, peakPowerW float64) error {
	c.mu.Lock()
	sess := c.latestOpenLocked(serial)
	if sess == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", common.ErrNoActiveSession, serial)
	}
	sess.EnergyKwh = energyKwh
	sess.PeakPowerW = peakPowerW
	sess.Cost = round2(energyKwh * sess.RatePerKwh)
	c.mu.Unlock()

	if err := c.store.SetFinalEnergy(ctx, sess.ID, energyKwh, peakPowerW); err != nil {
		return err
	}
	return nil
}

// BindTransaction attaches a device-initiated StartTransaction to the
// pending/active session of the connector and returns the transaction id
// to confirm. A cable-and-app-less start creates a local session.
func (c *Coordinator) BindTransaction(ctx context.Context, serial string, connectorId int) int {
	c.mu.Lock()
	sess := c.openSessionLocked(serial, connectorId)
	if sess != nil {
		if sess.State() == StatePending {
			sess.StartTime = c.clock()
			_ = sess.transition(eventAcknowledge)
		}
		txID := sess.TransactionID
		c.mu.Unlock()
		return txID
	}
	c.nextSeq++
	sess = &Session{
		ID:          uuid.NewString(),
		Serial:      serial,
		ConnectorID: connectorId,
		UserID:      "local",
		TransactionID: func() int {
			id := c.nextTxID
			c.nextTxID++
			return id
		}(),
		StartTime:  c.clock(),
		RatePerKwh: c.ratePerKwh,
		seq:        c.nextSeq,
		lifecycle:  newLifecycle(),
	}
	_ = sess.transition(eventAcknowledge)
	if c.open[serial] == nil {
		c.open[serial] = make(map[int]*Session)
	}
	c.open[serial][connectorId] = sess
	txID := sess.TransactionID
	c.mu.Unlock()

	if err := c.store.Create(ctx, sess); err != nil {
		log.WithField("session", sess.ID).Errorf("session row not persisted: %v", err)
	}
	metrics.SessionsStarted.Inc()
	logDefault(serial, "StartTransaction").Infof("local session %v bound to connector %v", sess.ID, connectorId)
	return txID
}

// ActiveSnapshot serves the live view polled every few seconds by
// observers. Purely in-memory, never blocks on device I/O.
func (c *Coordinator) ActiveSnapshot(serial string) (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess := c.latestOpenLocked(serial)
	if sess == nil || sess.State() != StateActive {
		return Snapshot{}, fmt.Errorf("%w: %v", common.ErrNoActiveSession, serial)
	}
	return Snapshot{
		SessionID:      sess.ID,
		TransactionID:  sess.TransactionID,
		TotalEnergy:    sess.EnergyKwh,
		CurrentPower:   sess.CurrentPowerW,
		EstimatedCost:  sess.Cost,
		ElapsedSeconds: int64(c.clock().Sub(sess.StartTime).Seconds()),
	}, nil
}

// ActiveTransactionID returns the transaction id of the latest open
// session, if any.
func (c *Coordinator) ActiveTransactionID(serial string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess := c.latestOpenLocked(serial)
	if sess == nil {
		return 0, false
	}
	return sess.TransactionID, true
}

// acknowledge promotes a pending session to active. Idempotent: the
// device's own StartTransaction frame may have activated the session
// already (BindTransaction); that is success, not a conflict.
func (c *Coordinator) acknowledge(sess *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.State() != StatePending {
		return nil
	}
	sess.StartTime = c.clock()
	return sess.transition(eventAcknowledge)
}

func (c *Coordinator) openSessionLocked(serial string, connectorId int) *Session {
	if m := c.open[serial]; m != nil {
		if sess, ok := m[connectorId]; ok && sess.Open() {
			return sess
		}
	}
	return nil
}

func (c *Coordinator) latestOpenLocked(serial string) *Session {
	var latest *Session
	for _, sess := range c.open[serial] {
		if !sess.Open() {
			continue
		}
		if latest == nil || sess.seq > latest.seq {
			latest = sess
		}
	}
	return latest
}

func (c *Coordinator) discard(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = sess.transition(eventCancel)
	if m := c.open[sess.Serial]; m != nil && m[sess.ConnectorID] == sess {
		delete(m, sess.ConnectorID)
	}
}

func commandAccepted(response common.Response) bool {
	if response.Err != nil {
		return false
	}
	payload, ok := response.Payload.(map[string]interface{})
	if !ok {
		return true
	}
	status, ok := payload["status"]
	if !ok {
		return true
	}
	return fmt.Sprintf("%v", status) == "Accepted"
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func logDefault(chargePointId string, feature string) *log.Entry {
	return log.WithFields(log.Fields{"client": chargePointId, "message": feature})
}
