package actions

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"

	"charge_core/common"
)

func logDefault(chargePointId string, feature string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"client": chargePointId, "message": feature})
}

// Function is the shape of every remote command sender: it pushes exactly
// one Response on the channel, either the device's answer or an error.
type Function func(string, []byte, chan common.Response)

type CoreProfileActions struct {
	centralSystem ocpp16.CentralSystem
}

func InitializeCoreProfileActions(centralSystem ocpp16.CentralSystem) CoreProfileActions {
	return CoreProfileActions{
		centralSystem: centralSystem,
	}
}

func (this *CoreProfileActions) Reset(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var data map[string]interface{} = make(map[string]interface{})
	if err := json.Unmarshal(payload, &data); err != nil {
		response.Err = &common.Error{
			Code:    "command.reset.payload.not.valid",
			Message: "Conversion a json no valida",
		}
		responseChannel <- response
		return
	}

	var resetType core.ResetType = core.ResetTypeSoft
	if fmt.Sprintf("%v", data["type"]) == "Hard" {
		resetType = core.ResetTypeHard
	}

	cb := func(confirmation *core.ResetConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.ResetFeatureName).Errorf("error on request: %v", err)
		} else {
			var (
				payload map[string]interface{} = make(map[string]interface{})
				status  core.ResetStatus       = confirmation.Status
				message string                 = ""
			)
			switch status {
			case core.ResetStatusAccepted:
				message = fmt.Sprintf("Se ha aceptado el reinicio por el modo: %v", resetType)
			case core.ResetStatusRejected:
				message = "No se ha aceptado el reinicio."
			}
			payload["status"] = status
			payload["message"] = message
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.Reset(chargePointID, cb, resetType)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) GetConfiguration(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var Validator = validator.New()
	request := &core.GetConfigurationRequest{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.get.configuration.payload.not.valid",
			Message: "Campos no válidos para obtener la configuración del Punto de Carga.",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *core.GetConfigurationConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.GetConfigurationFeatureName).Errorf("error on request: %v", err)
		} else {
			var payload map[string]interface{} = make(map[string]interface{})

			for _, configurationKey := range confirmation.ConfigurationKey {
				payload[configurationKey.Key] = struct {
					Readonly bool        `json:"readonly"`
					Value    interface{} `json:"value"`
				}{
					configurationKey.Readonly,
					*configurationKey.Value,
				}
			}
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.GetConfiguration(chargePointID, cb, request.Key)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) ChangeConfiguration(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var Validator = validator.New()
	request := &core.ChangeConfigurationRequest{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.change.configuration.payload.not.valid",
			Message: "Campos no válidos para cambiar un elemento de la configuración del Punto de Carga.",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *core.ChangeConfigurationConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.ChangeConfigurationFeatureName).Errorf("error on request: %v", err)
		} else if confirmation.Status == core.ConfigurationStatusNotSupported {
			response.Err = &common.Error{
				Code:    "command.change.configuration.key.unsupported",
				Message: fmt.Sprintf("La variable %v no existe en la configuracion del punto de carga: %v", request.Key, chargePointID),
			}
		} else if confirmation.Status == core.ConfigurationStatusRejected {
			response.Err = &common.Error{
				Code:    "command.change.configuration.readonly",
				Message: fmt.Sprintf("La variable (%v) es solo de lectura", request.Key),
			}
		} else if confirmation.Status == core.ConfigurationStatusRebootRequired {
			response.Payload = fmt.Sprintf("La variable %v ha sido actualizada, pero su cambio estará disponible después de reiniciar el punto de carga.", request.Key)
		} else {
			response.Payload = fmt.Sprintf("La variable %v ha sido actualizada.", request.Key)
		}
		responseChannel <- response
	}

	e := this.centralSystem.ChangeConfiguration(chargePointID, cb, request.Key, request.Value)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) ChangeAvailability(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	request := &core.ChangeAvailabilityRequest{}
	json.Unmarshal(payload, request)

	cb := func(confirmation *core.ChangeAvailabilityConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.ChangeAvailabilityFeatureName).Errorf("error on request: %v", err)
		} else {
			var (
				payload map[string]interface{}  = make(map[string]interface{})
				status  core.AvailabilityStatus = confirmation.Status
				message string                  = ""
			)

			switch status {
			case core.AvailabilityStatusAccepted:
				message = fmt.Sprintf("El conector %v ha sido actualizado al estado: %v", request.ConnectorId, request.Type)
			case core.AvailabilityStatusRejected:
				message = fmt.Sprintf("El conector %v ha rechazado el estado: %v", request.ConnectorId, request.Type)
			case core.AvailabilityStatusScheduled:
				message = fmt.Sprintf("El conector %v ha sido programado para cambiar al estado: %v cuando haya finalizado con sus transaccion(es)", request.ConnectorId, request.Type)
			}

			payload["status"] = status
			payload["message"] = message
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.ChangeAvailability(chargePointID, cb, request.ConnectorId, request.Type)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) RemoteStartTransaction(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response
	var data map[string]interface{} = make(map[string]interface{})

	if err := json.Unmarshal(payload, &data); err != nil {
		response.Err = &common.Error{
			Code:    "command.remote.start.transaction",
			Message: "Campos no válidos para iniciar una transaccion remota.",
		}
		responseChannel <- response
		return
	}
	request := &core.RemoteStartTransactionRequest{}

	if _, ok := data["idTag"]; !ok {
		response.Err = &common.Error{
			Code:    "command.remote.start.transaction",
			Message: "IdTag is required",
		}
		responseChannel <- response
		return
	}

	request.IdTag = fmt.Sprint(data["idTag"])

	if _, ok := data["connectorId"]; ok {
		connectorId, errInt := strconv.ParseInt(fmt.Sprint(data["connectorId"]), 10, 32)

		if errInt != nil {
			response.Err = &common.Error{
				Code:    "command.remote.start.transaction",
				Message: "connectorId must be a integer",
			}
			responseChannel <- response
			return
		} else if connectorId < 1 {
			response.Err = &common.Error{
				Code:    "command.remote.start.transaction",
				Message: "connectorId must be g(0)",
			}
			responseChannel <- response
			return
		}
		ci := int(connectorId)
		request.ConnectorId = &ci
	}

	cb := func(confirmation *core.RemoteStartTransactionConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.RemoteStartTransactionFeatureName).Errorf("error on request: %v", err)
		} else {
			var payload map[string]interface{} = make(map[string]interface{})

			payload["status"] = confirmation.Status
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.RemoteStartTransaction(chargePointID, cb, request.IdTag, func(req *core.RemoteStartTransactionRequest) {
		req.ConnectorId = request.ConnectorId
		req.ChargingProfile = request.ChargingProfile
	})

	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) RemoteStopTransaction(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var data map[string]interface{} = make(map[string]interface{})
	if err := json.Unmarshal(payload, &data); err != nil {
		response.Err = &common.Error{
			Code:    "command.remote.stop.transaction",
			Message: "Conversion a json no valida",
		}
		responseChannel <- response
		return
	}

	transactionId, errInt := strconv.ParseInt(fmt.Sprint(data["transactionId"]), 10, 32)

	if errInt != nil {
		response.Err = &common.Error{
			Code:    "command.remote.stop.transaction",
			Message: "transactionId must be a integer",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *core.RemoteStopTransactionConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.RemoteStopTransactionFeatureName).Errorf("error on request: %v", err)
		} else {
			var payload map[string]interface{} = make(map[string]interface{})

			payload["status"] = confirmation.Status
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.RemoteStopTransaction(chargePointID, cb, int(transactionId))

	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) UnlockConnector(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var data map[string]interface{} = make(map[string]interface{})
	if err := json.Unmarshal(payload, &data); err != nil {
		response.Err = &common.Error{
			Code:    "command.unlock.connector",
			Message: "Conversion a json no valida",
		}
		responseChannel <- response
		return
	}

	connectorId, errInt := strconv.ParseInt(fmt.Sprint(data["connectorId"]), 10, 32)
	if errInt != nil || connectorId < 1 {
		response.Err = &common.Error{
			Code:    "command.unlock.connector",
			Message: "connectorId must be a integer g(0)",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *core.UnlockConnectorConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.UnlockConnectorFeatureName).Errorf("error on request: %v", err)
		} else {
			var (
				payload map[string]interface{} = make(map[string]interface{})
				status  core.UnlockStatus      = confirmation.Status
				message string                 = ""
			)
			switch status {
			case core.UnlockStatusUnlocked:
				message = fmt.Sprintf("El conector %v ha sido desbloqueado", connectorId)
			case core.UnlockStatusUnlockFailed:
				message = fmt.Sprintf("No se ha podido desbloquear el conector %v", connectorId)
			case core.UnlockStatusNotSupported:
				message = fmt.Sprintf("El Punto de Carga no soporta el desbloqueo del conector %v", connectorId)
			}
			payload["status"] = status
			payload["message"] = message
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.UnlockConnector(chargePointID, cb, int(connectorId))
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *CoreProfileActions) ClearCache(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	cb := func(confirmation *core.ClearCacheConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, core.ClearCacheFeatureName).Errorf("error on request: %v", err)
		} else {
			var payload map[string]interface{} = make(map[string]interface{})
			payload["status"] = confirmation.Status
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.ClearCache(chargePointID, cb)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}
