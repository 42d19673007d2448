package session

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// Lifecycle states of a charging session. A session is created pending,
// becomes active once the device acknowledged the RemoteStart, and cycles
// through finishing into completed on stop. Canceled covers rejected or
// abandoned starts.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateFinishing = "finishing"
	StateCompleted = "completed"
	StateCanceled  = "canceled"
)

const (
	eventAcknowledge = "acknowledge"
	eventFinish      = "finish"
	eventComplete    = "complete"
	eventCancel      = "cancel"
)

// Session is one charging transaction from authorized start to finalized
// stop. Energy is the accumulated kWh reading, PeakPowerW the maximum
// instantaneous power observed, Cost = EnergyKwh * RatePerKwh.
type Session struct {
	ID              string     `json:"sessionId"`
	Serial          string     `json:"serial"`
	ConnectorID     int        `json:"connectorId"`
	UserID          string     `json:"userId"`
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	TransactionID   int        `json:"transactionId"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	EnergyKwh       float64    `json:"energyKwh"`
	PeakPowerW      float64    `json:"peakPowerW"`
	CurrentPowerW   float64    `json:"currentPowerW"`
	RatePerKwh      float64    `json:"ratePerKwh"`
	Cost            float64    `json:"cost"`

	// seq orders sessions by creation so "the most recently opened open
	// session" is well defined even within one timestamp tick.
	seq uint64

	// zero-power watchdog bookkeeping
	zeroPowerSamples int
	autoStopFired    bool

	lifecycle *fsm.FSM
}

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventAcknowledge, Src: []string{StatePending}, Dst: StateActive},
			{Name: eventFinish, Src: []string{StateActive}, Dst: StateFinishing},
			{Name: eventComplete, Src: []string{StateFinishing}, Dst: StateCompleted},
			{Name: eventCancel, Src: []string{StatePending, StateActive}, Dst: StateCanceled},
		},
		fsm.Callbacks{},
	)
}

func (s *Session) State() string { return s.lifecycle.Current() }

func (s *Session) transition(event string) error {
	return s.lifecycle.Event(context.Background(), event)
}

// Open reports whether the session still occupies its connector slot.
func (s *Session) Open() bool {
	return s.EndTime == nil && s.State() != StateCompleted && s.State() != StateCanceled
}

// Snapshot is the read-only view served to 3-second pollers. Building it
// never touches the device.
type Snapshot struct {
	SessionID      string  `json:"sessionId"`
	TransactionID  int     `json:"transactionId"`
	TotalEnergy    float64 `json:"totalEnergy"`
	CurrentPower   float64 `json:"currentPower"`
	EstimatedCost  float64 `json:"estimatedCost"`
	ElapsedSeconds int64   `json:"elapsedSeconds"`
}
