package registry

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"charge_core/common"
	"charge_core/protocol"
)

type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkOffline NetworkStatus = "offline"
)

// Device is the authoritative record for one charge point: identity,
// connectivity and the last reported status per connector. Devices are
// never removed, a lost transport only flips NetworkStatus to offline.
type Device struct {
	Serial          string
	Vendor          string
	Model           string
	FirmwareVersion string
	NetworkStatus   NetworkStatus
	LastSeen        time.Time
	ErrorCode       string

	DiagnosticsStatus string
	FirmwareStatus    string

	// Connector 0 stands for the charge point itself, as in
	// StatusNotification frames with connectorId 0.
	connectors map[int]protocol.Status
}

// Status returns the last reported status of a connector. A connector
// never seen defaults to Available.
func (d *Device) Status(connectorId int) protocol.Status {
	if st, ok := d.connectors[connectorId]; ok {
		return st
	}
	return protocol.Status{Value: protocol.StatusAvailable, Raw: string(protocol.StatusAvailable)}
}

// Overall is the status shown for the device as a whole: connector 1
// when reported, otherwise the charge-point-level connector 0.
func (d *Device) Overall() protocol.Status {
	if st, ok := d.connectors[1]; ok {
		return st
	}
	return d.Status(0)
}

func (d *Device) snapshot() *Device {
	cp := *d
	cp.connectors = make(map[int]protocol.Status, len(d.connectors))
	for k, v := range d.connectors {
		cp.connectors[k] = v
	}
	return &cp
}

// Registry holds every known device, keyed by serial. Reads may run
// concurrently; writes are exclusive.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	clock   func() time.Time
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		clock:   time.Now,
	}
}

// RegisterOrGet provisions a device entry on first contact. Repeated
// calls with the same serial return the same entry.
func (r *Registry) RegisterOrGet(serial string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(serial)
}

func (r *Registry) registerLocked(serial string) *Device {
	dev, ok := r.devices[serial]
	if !ok {
		dev = &Device{
			Serial:        serial,
			NetworkStatus: NetworkOffline,
			connectors:    map[int]protocol.Status{},
		}
		r.devices[serial] = dev
		log.WithField("client", serial).Info("device provisioned")
	}
	return dev
}

// SetIdentity records the vendor/model/firmware reported in a
// BootNotification, creating the device if needed.
func (r *Registry) SetIdentity(serial, vendor, model, firmware string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.registerLocked(serial)
	dev.Vendor = vendor
	dev.Model = model
	if firmware != "" {
		dev.FirmwareVersion = firmware
	}
	dev.LastSeen = r.clock()
}

func (r *Registry) MarkOnline(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.registerLocked(serial)
	dev.NetworkStatus = NetworkOnline
	dev.LastSeen = r.clock()
}

// MarkOffline flips connectivity only. Connector status is left as last
// reported so a reconnect resumes from the device's previous state.
func (r *Registry) MarkOffline(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		return
	}
	dev.NetworkStatus = NetworkOffline
}

// Touch refreshes LastSeen (heartbeats, meter frames).
func (r *Registry) Touch(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[serial]; ok {
		dev.LastSeen = r.clock()
	}
}

// UpdateStatus applies an inbound StatusNotification. Last writer wins:
// the reported value always overwrites the current one, including
// unrecognized strings, which land as Desconocido. An unknown serial is
// logged and the frame dropped.
func (r *Registry) UpdateStatus(serial string, connectorId int, rawStatus, errorCode string) error {
	st, known := protocol.ParseStatus(rawStatus)

	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		log.WithField("client", serial).Warn("status frame for unknown device dropped")
		return fmt.Errorf("%w: %v", common.ErrDeviceNotFound, serial)
	}
	if !known {
		log.WithFields(log.Fields{"client": serial, "status": rawStatus}).
			Warn("unrecognized connector status stored as Desconocido")
	} else if prev, seen := dev.connectors[connectorId]; seen && !protocol.CanTransition(prev.Value, st.Value) {
		log.WithFields(log.Fields{"client": serial, "from": prev.Value, "to": st.Value}).
			Debug("status transition outside canonical cycle")
	}
	dev.connectors[connectorId] = st
	if errorCode != "" {
		dev.ErrorCode = errorCode
	}
	dev.LastSeen = r.clock()
	return nil
}

// ApplyOptimistic records a locally inferred status (Preparing right
// after a RemoteStart was acknowledged). It is advisory: the next
// authoritative StatusNotification overwrites it.
func (r *Registry) ApplyOptimistic(serial string, connectorId int, status protocol.ConnectorStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		return
	}
	dev.connectors[connectorId] = protocol.Status{Value: status, Raw: string(status)}
}

// Get returns a copy of the device, or ErrDeviceNotFound.
func (r *Registry) Get(serial string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %v", common.ErrDeviceNotFound, serial)
	}
	return dev.snapshot(), nil
}

// SetDiagnosticsStatus records the last DiagnosticsStatusNotification.
func (r *Registry) SetDiagnosticsStatus(serial, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		return fmt.Errorf("%w: %v", common.ErrDeviceNotFound, serial)
	}
	dev.DiagnosticsStatus = status
	return nil
}

// SetFirmwareStatus records the last FirmwareStatusNotification.
func (r *Registry) SetFirmwareStatus(serial, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		return fmt.Errorf("%w: %v", common.ErrDeviceNotFound, serial)
	}
	dev.FirmwareStatus = status
	return nil
}

// ConnectorStatus returns the last reported status value for one
// connector, defaulting to Available for devices or connectors never
// seen.
func (r *Registry) ConnectorStatus(serial string, connectorId int) protocol.ConnectorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[serial]
	if !ok {
		return protocol.StatusAvailable
	}
	if st, seen := dev.connectors[connectorId]; seen {
		return st.Value
	}
	return protocol.StatusAvailable
}

// IsOnline reports transport liveness as last recorded by the gateway.
func (r *Registry) IsOnline(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[serial]
	return ok && dev.NetworkStatus == NetworkOnline
}

// SweepStale marks offline every online device not seen within the
// timeout. Returns the serials flipped.
func (r *Registry) SweepStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flipped []string
	cutoff := r.clock().Add(-timeout)
	for serial, dev := range r.devices {
		if dev.NetworkStatus == NetworkOnline && dev.LastSeen.Before(cutoff) {
			dev.NetworkStatus = NetworkOffline
			flipped = append(flipped, serial)
			log.WithField("client", serial).Info("heartbeat timeout, device marked offline")
		}
	}
	return flipped
}
