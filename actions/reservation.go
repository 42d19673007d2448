package actions

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_core/common"
)

type ReservationProfileActions struct {
	centralSystem ocpp16.CentralSystem
	reservationId int32
}

func InitializeReservationProfileActions(centralSystem ocpp16.CentralSystem) *ReservationProfileActions {
	return &ReservationProfileActions{
		centralSystem: centralSystem,
	}
}

func (this *ReservationProfileActions) ReserveNow(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var Validator = validator.New()
	request := &reservation.ReserveNowRequest{
		ExpiryDate:    types.NewDateTime(time.Now().Add(5 * time.Minute)),
		ReservationId: int(atomic.AddInt32(&this.reservationId, 1)),
	}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.reserve.now.payload.not.valid",
			Message: "Campos no válidos para realizar reservación en el Punto de Carga.",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *reservation.ReserveNowConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, reservation.ReserveNowFeatureName).Errorf("error on request: %v", err)
		} else {
			var (
				payload map[string]interface{}        = make(map[string]interface{})
				status  reservation.ReservationStatus = confirmation.Status
				message string                        = ""
			)

			switch status {
			case reservation.ReservationStatusAccepted:
				message = fmt.Sprintf("El conector %v ha sido reservado por el cliente %v hasta %v", request.ConnectorId,
					request.IdTag, request.ExpiryDate.FormatTimestamp())
				payload["reservationId"] = request.ReservationId
			case reservation.ReservationStatusFaulted:
				message = fmt.Sprintf("No se ha podido realizar la reservación en el conector %v por estar en estado de Falla.", request.ConnectorId)
			case reservation.ReservationStatusOccupied:
				message = fmt.Sprintf("No se ha podido realizar la reservación en el conector %v por estar ocupado.", request.ConnectorId)
			case reservation.ReservationStatusRejected:
				message = fmt.Sprintf("No se ha podido realizar la reservación en el conector %v porque el Punto de Carga no permite realizar reservaciones", request.ConnectorId)
			case reservation.ReservationStatusUnavailable:
				message = fmt.Sprintf("No se ha podido realizar la reservación en el conector %v por estar deshabilitado.", request.ConnectorId)
			}

			payload["status"] = status
			payload["message"] = message
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.ReserveNow(chargePointID, cb, request.ConnectorId, request.ExpiryDate, request.IdTag, request.ReservationId)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}

func (this *ReservationProfileActions) CancelReservation(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var response common.Response

	var Validator = validator.New()
	request := &reservation.CancelReservationRequest{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.cancel.reservation.payload.not.valid",
			Message: "Campos no válidos para cancelar la reservación en el Punto de Carga.",
		}
		responseChannel <- response
		return
	}

	cb := func(confirmation *reservation.CancelReservationConfirmation, err error) {
		if err != nil {
			logDefault(chargePointID, reservation.CancelReservationFeatureName).Errorf("error on request: %v", err)
		} else {
			var (
				payload map[string]interface{}              = make(map[string]interface{})
				status  reservation.CancelReservationStatus = confirmation.Status
				message string                              = ""
			)
			switch status {
			case reservation.CancelReservationStatusAccepted:
				message = fmt.Sprintf("La reservación %v ha sido cancelada", request.ReservationId)
			default:
				message = fmt.Sprintf("La reservación %v no ha sido cancelada", request.ReservationId)
			}
			payload["status"] = status
			payload["message"] = message
			response.Payload = payload
		}
		responseChannel <- response
	}

	e := this.centralSystem.CancelReservation(chargePointID, cb, request.ReservationId)
	if e != nil {
		response.Err = &common.Error{
			Code:    "command.message.not.send",
			Message: fmt.Sprintf("No se pudo enviar el comando al Punto de Carga: %v", chargePointID),
		}
		responseChannel <- response
	}
}
