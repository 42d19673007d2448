package protocol

// Action names of the remote command set, as addressed on the command bus.
const (
	ActionRemoteStartTransaction = "remote.start.transaction"
	ActionRemoteStopTransaction  = "remote.stop.transaction"
	ActionReset                  = "reset"
	ActionUnlockConnector        = "unlock.connector"
	ActionGetConfiguration       = "get.configuration"
	ActionChangeConfiguration    = "change.configuration"
	ActionChangeAvailability     = "change.availability"
	ActionClearCache             = "clear.cache"
	ActionUpdateFirmware         = "update.firmware"
	ActionGetDiagnostics         = "get.diagnostics"
	ActionSetChargingProfile     = "set.charging.profile"
	ActionClearChargingProfile   = "clear.charging.profile"
	ActionGetCompositeSchedule   = "get.composite.schedule"
	ActionGetLocalListVersion    = "get.local.list.version"
	ActionSendLocalListVersion   = "send.local.list.version"
	ActionReserveNow             = "reserve.now"
	ActionCancelReservation      = "cancel.reservation"
)

// CommandState tracks the lifecycle of an outbound instruction. A command
// is never silently dropped: it ends acknowledged, timed out or failed.
type CommandState string

const (
	CommandPending      CommandState = "Pending"
	CommandAcknowledged CommandState = "Acknowledged"
	CommandTimedOut     CommandState = "TimedOut"
	CommandFailed       CommandState = "Failed"
)

// Supported protocol subprotocol identifiers on the ws endpoint.
const (
	SubprotocolOCPP16  = "ocpp1.6"
	SubprotocolOCPP201 = "ocpp2.0.1"
)
