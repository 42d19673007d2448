package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_core/common"
	"charge_core/notifier"
	"charge_core/registry"
	"charge_core/session"
	"charge_core/storage"
)

// CentralSystemHandler receives every inbound OCPP frame and routes it
// into the device registry and the session coordinator. Each handled
// frame is also pushed on the notification channel for the bus.
type CentralSystemHandler struct {
	registry     *registry.Registry
	coordinator  *session.Coordinator
	devices      *storage.DevicesRepo // nil when running without a database
	notification chan notifier.Notification
}

func NewCentralSystemHandler(reg *registry.Registry, coordinator *session.Coordinator, devices *storage.DevicesRepo) *CentralSystemHandler {
	return &CentralSystemHandler{
		registry:     reg,
		coordinator:  coordinator,
		devices:      devices,
		notification: make(chan notifier.Notification),
	}
}

func (handler *CentralSystemHandler) NotificationChannel() chan notifier.Notification {
	return handler.notification
}

func (handler *CentralSystemHandler) notify(topic, chargePointId string, request interface{}, extra map[string]interface{}) {
	var data = make(map[string]interface{})
	if request != nil {
		bt, _ := json.Marshal(request)
		json.Unmarshal(bt, &data)
	}
	data["chargePointId"] = chargePointId
	for k, v := range extra {
		data[k] = v
	}
	handler.notification <- notifier.Notification{Topic: topic, Data: data}
}

// ------------- Core profile callbacks -------------

func (handler *CentralSystemHandler) OnAuthorize(chargePointId string, request *core.AuthorizeRequest) (confirmation *core.AuthorizeConfirmation, err error) {
	return core.NewAuthorizationConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil
}

func (handler *CentralSystemHandler) OnBootNotification(chargePointId string, request *core.BootNotificationRequest) (confirmation *core.BootNotificationConfirmation, err error) {
	handler.registry.SetIdentity(chargePointId, request.ChargePointVendor, request.ChargePointModel, request.FirmwareVersion)

	if handler.devices != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := handler.devices.Provision(ctx, chargePointId); err != nil {
			logDefault(chargePointId, request.GetFeatureName()).Errorf("provisioning failed: %v", err)
		} else if err := handler.devices.SetIdentity(ctx, chargePointId, request.ChargePointVendor, request.ChargePointModel, request.FirmwareVersion); err != nil {
			logDefault(chargePointId, request.GetFeatureName()).Errorf("identity not persisted: %v", err)
		}
	}

	handler.notify("boot.notification", chargePointId, request, nil)
	return core.NewBootNotificationConfirmation(types.NewDateTime(time.Now()), defaultHeartbeatInterval, core.RegistrationStatusAccepted), nil
}

func (handler *CentralSystemHandler) OnDataTransfer(chargePointId string, request *core.DataTransferRequest) (confirmation *core.DataTransferConfirmation, err error) {
	handler.notify("data.transfer", chargePointId, nil, nil)
	return core.NewDataTransferConfirmation(core.DataTransferStatusAccepted), nil
}

func (handler *CentralSystemHandler) OnHeartbeat(chargePointId string, request *core.HeartbeatRequest) (confirmation *core.HeartbeatConfirmation, err error) {
	handler.registry.Touch(chargePointId)
	if handler.devices != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		handler.devices.TouchLastSeen(ctx, chargePointId, time.Now())
	}
	handler.notify("heartbeat", chargePointId, nil, nil)
	return core.NewHeartbeatConfirmation(types.NewDateTime(time.Now())), nil
}

func (handler *CentralSystemHandler) OnMeterValues(chargePointId string, request *core.MeterValuesRequest) (confirmation *core.MeterValuesConfirmation, err error) {
	handler.registry.Touch(chargePointId)

	energyKwh, powerW, found := extractReadings(request.MeterValue)
	if found {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handler.coordinator.RecordTelemetry(ctx, chargePointId, energyKwh, powerW); err != nil {
			if !errors.Is(err, common.ErrNoActiveSession) {
				logDefault(chargePointId, request.GetFeatureName()).Errorf("telemetry not recorded: %v", err)
			}
		}
	}

	handler.notify("meter.values", chargePointId, request, nil)
	return core.NewMeterValuesConfirmation(), nil
}

func (handler *CentralSystemHandler) OnStatusNotification(chargePointId string, request *core.StatusNotificationRequest) (confirmation *core.StatusNotificationConfirmation, err error) {
	err = handler.registry.UpdateStatus(chargePointId, request.ConnectorId, string(request.Status), string(request.ErrorCode))
	if err != nil {
		// Unknown serial: the frame is dropped, the confirmation still
		// goes out so the device does not retry forever.
		return core.NewStatusNotificationConfirmation(), nil
	}

	if handler.devices != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		handler.devices.UpsertConnectorStatus(ctx, chargePointId, request.ConnectorId, string(request.Status), string(request.ErrorCode))
	}

	handler.notify("status.notification", chargePointId, request, nil)
	return core.NewStatusNotificationConfirmation(), nil
}

func (handler *CentralSystemHandler) OnStartTransaction(chargePointId string, request *core.StartTransactionRequest) (confirmation *core.StartTransactionConfirmation, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transactionId := handler.coordinator.BindTransaction(ctx, chargePointId, request.ConnectorId)

	handler.notify("start.transaction", chargePointId, request, map[string]interface{}{"transactionId": transactionId})
	return core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transactionId), nil
}

func (handler *CentralSystemHandler) OnStopTransaction(chargePointId string, request *core.StopTransactionRequest) (confirmation *core.StopTransactionConfirmation, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	finalEnergyKwh := float64(request.MeterStop) / 1000.0
	if _, err := handler.coordinator.CloseByTransaction(ctx, chargePointId, request.TransactionId, finalEnergyKwh); err != nil {
		// Late or duplicate stop frames land here; accepted but ignored.
		logDefault(chargePointId, request.GetFeatureName()).Infof("stop frame without open session: %v", err)
	}

	handler.notify("stop.transaction", chargePointId, request, nil)
	return core.NewStopTransactionConfirmation(), nil
}

// ------------- Firmware management profile callbacks -------------

func (handler *CentralSystemHandler) OnDiagnosticsStatusNotification(chargePointId string, request *firmware.DiagnosticsStatusNotificationRequest) (confirmation *firmware.DiagnosticsStatusNotificationConfirmation, err error) {
	handler.registry.SetDiagnosticsStatus(chargePointId, string(request.Status))
	handler.notify("diagnostic.status.notification", chargePointId, request, nil)
	return firmware.NewDiagnosticsStatusNotificationConfirmation(), nil
}

func (handler *CentralSystemHandler) OnFirmwareStatusNotification(chargePointId string, request *firmware.FirmwareStatusNotificationRequest) (confirmation *firmware.FirmwareStatusNotificationConfirmation, err error) {
	handler.registry.SetFirmwareStatus(chargePointId, string(request.Status))
	handler.notify("firmware.status.notification", chargePointId, request, nil)
	return &firmware.FirmwareStatusNotificationConfirmation{}, nil
}

// Utility functions

// extractReadings pulls the accumulated energy (kWh) and instantaneous
// power (W) out of a MeterValues frame. Devices report energy as
// Energy.Active.Import.Register (Wh unless stated) and power as
// Power.Active.Import.
func extractReadings(meterValues []types.MeterValue) (energyKwh, powerW float64, found bool) {
	for _, mv := range meterValues {
		for _, sv := range mv.SampledValue {
			value, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			switch sv.Measurand {
			case types.MeasurandEnergyActiveImportRegister, "":
				if sv.Unit == types.UnitOfMeasureKWh {
					energyKwh = value
				} else {
					energyKwh = value / 1000.0
				}
				found = true
			case types.MeasurandPowerActiveImport:
				if sv.Unit == types.UnitOfMeasureKW {
					powerW = value * 1000.0
				} else {
					powerW = value
				}
				found = true
			}
		}
	}
	return energyKwh, powerW, found
}

func logDefault(chargePointId string, feature string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"client": chargePointId, "message": feature})
}
