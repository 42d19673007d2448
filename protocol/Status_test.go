package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatusKnown(t *testing.T) {
	st, known := ParseStatus("Charging")
	assert.True(t, known)
	assert.Equal(t, StatusCharging, st.Value)
	assert.Equal(t, "Charging", st.Raw)
}

func TestParseStatusUnknownIsTolerated(t *testing.T) {
	st, known := ParseStatus("PowerSharing")
	assert.False(t, known)
	assert.Equal(t, StatusUnknown, st.Value)
	assert.Equal(t, "PowerSharing", st.Raw, "raw string must survive")
}

func TestChargingEligible(t *testing.T) {
	assert.True(t, ChargingEligible(StatusAvailable))
	assert.True(t, ChargingEligible(StatusPreparing))
	assert.True(t, ChargingEligible(StatusReserved))

	assert.False(t, ChargingEligible(StatusCharging))
	assert.False(t, ChargingEligible(StatusFaulted))
	assert.False(t, ChargingEligible(StatusUnavailable))
}

func TestCanTransitionCanonicalCycle(t *testing.T) {
	assert.True(t, CanTransition(StatusAvailable, StatusPreparing))
	assert.True(t, CanTransition(StatusPreparing, StatusCharging))
	assert.True(t, CanTransition(StatusCharging, StatusFinishing))
	assert.True(t, CanTransition(StatusFinishing, StatusAvailable))

	// Faulted and Unavailable are reachable from anywhere and recoverable.
	assert.True(t, CanTransition(StatusCharging, StatusFaulted))
	assert.True(t, CanTransition(StatusFaulted, StatusAvailable))

	assert.False(t, CanTransition(StatusAvailable, StatusCharging))
	assert.False(t, CanTransition(StatusFinishing, StatusCharging))
}

func TestStatusForPower(t *testing.T) {
	assert.Equal(t, StatusCharging, StatusForPower(150))
	assert.Equal(t, StatusAvailable, StatusForPower(50))
	assert.Equal(t, StatusAvailable, StatusForPower(StandbyPowerThresholdW))
	assert.Equal(t, StatusAvailable, StatusForPower(0))
}
