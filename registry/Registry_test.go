package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_core/common"
	"charge_core/protocol"
)

func TestRegisterOrGetIsIdempotent(t *testing.T) {
	r := New()
	first := r.RegisterOrGet("CP001")
	second := r.RegisterOrGet("CP001")
	assert.Same(t, first, second)
}

func TestUpdateStatusUnknownSerialDropped(t *testing.T) {
	r := New()
	err := r.UpdateStatus("ghost", 1, "Available", "")
	assert.ErrorIs(t, err, common.ErrDeviceNotFound)
}

func TestUpdateStatusLastWriterWins(t *testing.T) {
	r := New()
	r.RegisterOrGet("CP001")

	require.NoError(t, r.UpdateStatus("CP001", 1, "Charging", ""))
	// A jump outside the canonical cycle still overwrites.
	require.NoError(t, r.UpdateStatus("CP001", 1, "Available", ""))
	assert.Equal(t, protocol.StatusAvailable, r.ConnectorStatus("CP001", 1))
}

func TestUpdateStatusUnknownValueStored(t *testing.T) {
	r := New()
	r.RegisterOrGet("CP001")

	require.NoError(t, r.UpdateStatus("CP001", 1, "VendorSpecific", ""))
	dev, err := r.Get("CP001")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnknown, dev.Status(1).Value)
	assert.Equal(t, "VendorSpecific", dev.Status(1).Raw)
}

func TestMarkOfflineKeepsDevice(t *testing.T) {
	r := New()
	r.RegisterOrGet("CP001")
	r.MarkOnline("CP001")
	require.NoError(t, r.UpdateStatus("CP001", 1, "Charging", ""))

	r.MarkOffline("CP001")

	dev, err := r.Get("CP001")
	require.NoError(t, err)
	assert.Equal(t, NetworkOffline, dev.NetworkStatus)
	// Connector status survives the disconnect.
	assert.Equal(t, protocol.StatusCharging, dev.Status(1).Value)
}

func TestApplyOptimisticOverwrittenByDevice(t *testing.T) {
	r := New()
	r.RegisterOrGet("CP001")

	r.ApplyOptimistic("CP001", 1, protocol.StatusPreparing)
	assert.Equal(t, protocol.StatusPreparing, r.ConnectorStatus("CP001", 1))

	require.NoError(t, r.UpdateStatus("CP001", 1, "Charging", ""))
	assert.Equal(t, protocol.StatusCharging, r.ConnectorStatus("CP001", 1))
}

func TestSweepStale(t *testing.T) {
	r := New()
	now := time.Now()
	r.clock = func() time.Time { return now }

	r.RegisterOrGet("CP001")
	r.MarkOnline("CP001")
	r.RegisterOrGet("CP002")
	r.MarkOnline("CP002")

	now = now.Add(11 * time.Minute)
	r.Touch("CP002")

	flipped := r.SweepStale(10 * time.Minute)
	assert.Equal(t, []string{"CP001"}, flipped)
	assert.False(t, r.IsOnline("CP001"))
	assert.True(t, r.IsOnline("CP002"))
}
