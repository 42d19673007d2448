package notifier

// Notification is an event emitted by the central system towards the
// message bus (boot.notification, status.notification, meter.values, ...).
type Notification struct {
	Topic string
	Data  map[string]interface{}
}
