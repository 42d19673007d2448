package actions

import (
	"encoding/json"
	"fmt"

	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"

	"charge_core/common"
)

type SmartChargingProfileActions struct {
	centralSystem ocpp16.CentralSystem
}

func InitializeSmartChargingProfileActions(centralSystem ocpp16.CentralSystem) SmartChargingProfileActions {
	return SmartChargingProfileActions{
		centralSystem: centralSystem,
	}
}

func (this *SmartChargingProfileActions) SetChargingProfile(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var req smartcharging.SetChargingProfileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		response.Err = &common.Error{
			Code:    "command.set.charging.profile.payload.not.valid",
			Message: "Campos no válidos para establecer el perfil de carga.",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *smartcharging.SetChargingProfileConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, smartcharging.SetChargingProfileFeatureName).Errorf("error on request: %v", err)
		} else {
			var (
				payload map[string]interface{}              = make(map[string]interface{})
				status  smartcharging.ChargingProfileStatus = confirmation.Status
				message string                              = ""
			)

			switch status {
			case smartcharging.ChargingProfileStatusAccepted:
				message = "Se ha aceptado el perfil de carga"
			case smartcharging.ChargingProfileStatusRejected:
				message = "No se ha aceptado el perfil de carga"
			case smartcharging.ChargingProfileStatusNotSupported:
				message = "La solicitud no es soportada por el cargador"
			}

			payload["status"] = status
			payload["message"] = message
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.SetChargingProfile(chargePointID, cb, req.ConnectorId, req.ChargingProfile)

	if e != nil {
		logDefault(chargePointID, smartcharging.SetChargingProfileFeatureName).Errorf("couldn't send message: %v", e)
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *SmartChargingProfileActions) ClearChargingProfile(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var req smartcharging.ClearChargingProfileRequest
	json.Unmarshal(payload, &req)

	cb := func(confirmation *smartcharging.ClearChargingProfileConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, smartcharging.ClearChargingProfileFeatureName).Errorf("error on request: %v", err)
		} else {
			var payload map[string]interface{} = make(map[string]interface{})
			payload["status"] = confirmation.Status
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.ClearChargingProfile(chargePointID, cb, func(request *smartcharging.ClearChargingProfileRequest) {
		request.Id = req.Id
		request.ConnectorId = req.ConnectorId
	})

	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *SmartChargingProfileActions) GetCompositeSchedule(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var req smartcharging.GetCompositeScheduleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		response.Err = &common.Error{
			Code:    "command.get.composite.schedule.payload.not.valid",
			Message: "Campos no válidos para obtener el horario de carga.",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *smartcharging.GetCompositeScheduleConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, smartcharging.GetCompositeScheduleFeatureName).Errorf("error on request: %v", err)
		} else {
			var payload map[string]interface{} = make(map[string]interface{})
			payload["status"] = confirmation.Status
			payload["connectorId"] = confirmation.ConnectorId
			payload["chargingSchedule"] = confirmation.ChargingSchedule
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.GetCompositeSchedule(chargePointID, cb, req.ConnectorId, req.Duration)

	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}
