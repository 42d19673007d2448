package actions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_core/common"
)

type FirmwareProfileActions struct {
	centralSystem ocpp16.CentralSystem
}

func InitializeFirmwareProfileActions(centralSystem ocpp16.CentralSystem) FirmwareProfileActions {
	return FirmwareProfileActions{
		centralSystem: centralSystem,
	}
}

func (this *FirmwareProfileActions) UpdateFirmware(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var data map[string]interface{} = make(map[string]interface{})
	if err := json.Unmarshal(payload, &data); err != nil {
		response.Err = &common.Error{
			Code:    "command.update.firmware",
			Message: "Conversion a json no valida",
		}
		responseChannel <- response
		return
	}

	location := fmt.Sprint(data["location"])
	if location == "" || location == "<nil>" {
		response.Err = &common.Error{
			Code:    "command.update.firmware",
			Message: "location is required",
		}
		responseChannel <- response
		return
	}

	request := &firmware.UpdateFirmwareRequest{
		Location:     location,
		RetrieveDate: types.NewDateTime(time.Now().Add(time.Minute)),
	}

	generalCB := func(confirmation ocpp.Response, protoError error) {
		if protoError != nil {
			response.Err = &common.Error{
				Code:    "command.update.firmware.request.error",
				Message: fmt.Sprintf("No se pudo programar la actualización del firmware por: %v", protoError),
			}
		} else {
			response.Payload = fmt.Sprintf("Se ha programado la actualización del firmware desde: %v", location)
		}
		responseChannel <- response
	}

	err := this.centralSystem.SendRequestAsync(chargePointID, request, generalCB)
	if err != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *FirmwareProfileActions) GetDiagnostics(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var data map[string]interface{} = make(map[string]interface{})
	if err := json.Unmarshal(payload, &data); err != nil {
		response.Err = &common.Error{
			Code:    "command.get.diagnostics",
			Message: "Conversion a json no valida",
		}
		responseChannel <- response
		return
	}

	location := fmt.Sprint(data["location"])
	if location == "" || location == "<nil>" {
		response.Err = &common.Error{
			Code:    "command.get.diagnostics",
			Message: "location is required",
		}
		responseChannel <- response
		return
	}

	request := &firmware.GetDiagnosticsRequest{Location: location}

	generalCB := func(confirmation ocpp.Response, protoError error) {
		if confirmation != nil && protoError == nil {
			getDiagnosticsConfirmation := confirmation.(*firmware.GetDiagnosticsConfirmation)
			var payload map[string]interface{} = make(map[string]interface{})
			payload["fileName"] = getDiagnosticsConfirmation.FileName
			response.Payload = payload
		} else {
			response.Err = &common.Error{
				Code:    "command.get.diagnostics.request.error",
				Message: fmt.Sprintf("No se pudo solicitar el diagnóstico por: %v", protoError),
			}
		}
		responseChannel <- response
	}

	err := this.centralSystem.SendRequestAsync(chargePointID, request, generalCB)
	if err != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}
