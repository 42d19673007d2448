package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps session rows and the charging log in memory. It
// backs the coordinator when no database is configured and the tests.
type MemoryStore struct {
	mu       sync.Mutex
	Sessions []StoredSession
	Log      []LogEntry
}

type StoredSession struct {
	SessionID  string
	Serial     string
	EndTime    *time.Time
	EnergyKwh  float64
	PeakPowerW float64
	Cost       float64
}

type LogEntry struct {
	Serial    string
	Ts        time.Time
	EnergyKwh float64
	PowerW    float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions = append(m.Sessions, StoredSession{SessionID: s.ID, Serial: s.Serial})
	return nil
}

func (m *MemoryStore) Close(_ context.Context, sessionID string, end time.Time, energyKwh, peakPowerW, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Sessions {
		if m.Sessions[i].SessionID == sessionID {
			e := end
			m.Sessions[i].EndTime = &e
			m.Sessions[i].EnergyKwh = energyKwh
			m.Sessions[i].PeakPowerW = peakPowerW
			m.Sessions[i].Cost = cost
		}
	}
	return nil
}

func (m *MemoryStore) SetFinalEnergy(_ context.Context, sessionID string, energyKwh, peakPowerW float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Sessions {
		if m.Sessions[i].SessionID == sessionID {
			m.Sessions[i].EnergyKwh = energyKwh
			m.Sessions[i].PeakPowerW = peakPowerW
		}
	}
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, serial string, ts time.Time, energyKwh, powerW float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log = append(m.Log, LogEntry{Serial: serial, Ts: ts, EnergyKwh: energyKwh, PowerW: powerW})
	return nil
}
