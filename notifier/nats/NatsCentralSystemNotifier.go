package nats

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"charge_core/common"
	"charge_core/notifier"
)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// Function sends one remote command and reports the outcome on the
// response channel (same contract as gateway.Function).
type Function func(string, []byte, chan common.Response)

// natsCentralSystemNotifier bridges the central system to NATS: it
// publishes notifications from the callback channel and serves the
// request/reply command pattern on the "request" subject.
type natsCentralSystemNotifier struct {
	notification chan notifier.Notification // canal por el cual se envia el resultado de las operaciones del CP al CS
	connection   *nats.Conn                 // conexion a Nats
	handlers     map[string]Function        // mapa de funciones
	timeout      time.Duration              // tiempo de espera de las solicitudes
	url          string
}

func (ncs *natsCentralSystemNotifier) SetTimeout(timeout time.Duration) {
	ncs.timeout = timeout
}

func (ncs natsCentralSystemNotifier) Timeout() time.Duration {
	return ncs.timeout
}

func (ncs *natsCentralSystemNotifier) AddHandler(action string, fn Function) {
	ncs.handlers[action] = fn
}

func (ncs *natsCentralSystemNotifier) SetChannel(notification chan notifier.Notification) {
	ncs.notification = notification
}

func (ncs natsCentralSystemNotifier) notificationFromCentralSystem() {
	for {
		n := <-ncs.notification
		bt, err := json.Marshal(n.Data)

		if err != nil {
			log.Error(err)
		} else {
			ncs.connection.Publish(n.Topic, bt)
		}
	}
}

// funcion asociada al patron request/reply en Nats
func (n *natsCentralSystemNotifier) requestHandler() {
	var Validator = validator.New()

	n.connection.Subscribe("request", func(m *nats.Msg) {
		var command common.Command
		json.Unmarshal(m.Data, &command)
		validate := Validator.Struct(&command)

		if validate != nil {
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "command.format.not.valid",
					Message: "El comando no es válido",
				},
			})
			log.Errorf("invalid command: %v", string(m.Data))
			m.Respond(bt)
			return
		}

		fn, exists := n.handlers[command.Action]

		if !exists {
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "command.action.not.found",
					Message: fmt.Sprintf("No existe la acción \"%v\"", command.Action),
				},
			})
			m.Respond(bt)
			return
		}

		var responseChannel chan common.Response = make(chan common.Response)
		payload, _ := json.Marshal(command.Payload)

		go fn(command.ChargePointId, payload, responseChannel)

		select {
		case response := <-responseChannel:
			bt, _ := json.Marshal(response)
			m.Respond(bt)
		case <-time.After(n.timeout):
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "request.timeout",
					Message: "Ha caducado el tiempo de respuesta de la solicitud",
				},
			})
			log.WithField("action", command.Action).Error("request timed out")
			m.Respond(bt)
		}
	})
}

func (ncs *natsCentralSystemNotifier) Start() {
	url := ncs.url
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		log.Fatal(err)
	}
	ncs.connection = nc
	go ncs.notificationFromCentralSystem()
	go ncs.requestHandler()
}

func (ncs *natsCentralSystemNotifier) Stop() {
	if ncs.connection != nil {
		ncs.connection.Close()
		log.Info("NatsStopped")
	}
}

func New(url string) *natsCentralSystemNotifier {
	return &natsCentralSystemNotifier{
		notification: nil,
		connection:   nil,
		handlers:     make(map[string]Function),
		timeout:      30 * time.Second,
		url:          url,
	}
}
