package protocol

// ConnectorStatus is the authoritative per-connector state for charging
// eligibility, mirroring the OCPP 1.6 ChargePointStatus values.
type ConnectorStatus string

const (
	StatusAvailable     ConnectorStatus = "Available"
	StatusPreparing     ConnectorStatus = "Preparing"
	StatusCharging      ConnectorStatus = "Charging"
	StatusSuspendedEV   ConnectorStatus = "SuspendedEV"
	StatusSuspendedEVSE ConnectorStatus = "SuspendedEVSE"
	StatusFinishing     ConnectorStatus = "Finishing"
	StatusReserved      ConnectorStatus = "Reserved"
	StatusUnavailable   ConnectorStatus = "Unavailable"
	StatusFaulted       ConnectorStatus = "Faulted"

	// StatusUnknown absorbs any status string the core does not
	// recognize. The device is the source of truth: unexpected values
	// are stored, never rejected.
	StatusUnknown ConnectorStatus = "Desconocido"
)

// Status keeps the parsed value together with the raw string reported by
// the device, so unrecognized protocol additions survive a round trip.
type Status struct {
	Value ConnectorStatus
	Raw   string
}

var knownStatus = map[ConnectorStatus]bool{
	StatusAvailable:     true,
	StatusPreparing:     true,
	StatusCharging:      true,
	StatusSuspendedEV:   true,
	StatusSuspendedEVSE: true,
	StatusFinishing:     true,
	StatusReserved:      true,
	StatusUnavailable:   true,
	StatusFaulted:       true,
}

// ParseStatus maps a reported status string to its constant. Unknown
// strings yield StatusUnknown and false; this is tolerated, not an error.
func ParseStatus(s string) (Status, bool) {
	if knownStatus[ConnectorStatus(s)] {
		return Status{Value: ConnectorStatus(s), Raw: s}, true
	}
	return Status{Value: StatusUnknown, Raw: s}, false
}

// ChargingEligible reports whether a RemoteStart may be sent to a
// connector in the given state.
func ChargingEligible(s ConnectorStatus) bool {
	switch s {
	case StatusCharging, StatusFaulted, StatusUnavailable:
		return false
	}
	return true
}

// canonicalNext describes the regular charging cycle. The table is
// advisory only: an inbound StatusNotification always overwrites the
// current status regardless of what the table says, the table is
// consulted to flag surprising jumps in the logs and to gate optimistic
// local transitions.
var canonicalNext = map[ConnectorStatus][]ConnectorStatus{
	StatusAvailable:     {StatusPreparing},
	StatusPreparing:     {StatusCharging, StatusAvailable},
	StatusCharging:      {StatusSuspendedEV, StatusSuspendedEVSE, StatusFinishing},
	StatusSuspendedEV:   {StatusCharging, StatusFinishing},
	StatusSuspendedEVSE: {StatusCharging, StatusFinishing},
	StatusFinishing:     {StatusAvailable},
	StatusReserved:      {StatusPreparing, StatusAvailable},
}

// CanTransition reports whether from -> to follows the canonical cycle.
// Faulted, Unavailable and Reserved are reachable from any state, and any
// state may recover to Available after a fault or maintenance window.
func CanTransition(from, to ConnectorStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusFaulted, StatusUnavailable, StatusReserved, StatusUnknown:
		return true
	}
	if from == StatusFaulted || from == StatusUnavailable || from == StatusUnknown {
		return true
	}
	for _, next := range canonicalNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StandbyPowerThresholdW separates an actively charging reading from a
// standby one: the emulator reports "Charging" above 100 W and standby at
// or below it.
const StandbyPowerThresholdW = 100.0

// StatusForPower derives the connector status implied by an instantaneous
// power reading.
func StatusForPower(powerW float64) ConnectorStatus {
	if powerW > StandbyPowerThresholdW {
		return StatusCharging
	}
	return StatusAvailable
}
