package main

import (
	"testing"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
)

func TestExtractReadingsWhAndW(t *testing.T) {
	mv := []types.MeterValue{{
		SampledValue: []types.SampledValue{
			{Value: "2500", Measurand: types.MeasurandEnergyActiveImportRegister, Unit: types.UnitOfMeasureWh},
			{Value: "7200", Measurand: types.MeasurandPowerActiveImport, Unit: types.UnitOfMeasureW},
		},
	}}
	energy, power, found := extractReadings(mv)
	assert.True(t, found)
	assert.Equal(t, 2.5, energy)
	assert.Equal(t, 7200.0, power)
}

func TestExtractReadingsKUnits(t *testing.T) {
	mv := []types.MeterValue{{
		SampledValue: []types.SampledValue{
			{Value: "2.5", Measurand: types.MeasurandEnergyActiveImportRegister, Unit: types.UnitOfMeasureKWh},
			{Value: "7.2", Measurand: types.MeasurandPowerActiveImport, Unit: types.UnitOfMeasureKW},
		},
	}}
	energy, power, found := extractReadings(mv)
	assert.True(t, found)
	assert.Equal(t, 2.5, energy)
	assert.InDelta(t, 7200.0, power, 0.001)
}

func TestExtractReadingsDefaultMeasurand(t *testing.T) {
	// Devices that omit the measurand report the energy register.
	mv := []types.MeterValue{{
		SampledValue: []types.SampledValue{{Value: "1000"}},
	}}
	energy, _, found := extractReadings(mv)
	assert.True(t, found)
	assert.Equal(t, 1.0, energy)
}

func TestExtractReadingsIgnoresGarbage(t *testing.T) {
	mv := []types.MeterValue{{
		SampledValue: []types.SampledValue{{Value: "not-a-number"}},
	}}
	_, _, found := extractReadings(mv)
	assert.False(t, found)
}
