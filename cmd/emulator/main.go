package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_core/common"
	"charge_core/config"
	"charge_core/protocol"
	"charge_core/storage"
)

// The emulator drives the system from the device side: it can provision a
// device row, inject power readings, patch final meter figures, or run as
// a full OCPP 1.6 charge point against the central system.

var log = logrus.New()

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "provision":
		err = provision(os.Args[2:])
	case "setpower":
		err = setPower(os.Args[2:])
	case "setfinalenergy":
		err = setFinalEnergy(os.Args[2:])
	case "run":
		err = run(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: emulator <command> [flags]

commands:
  provision       create the device rows for a serial
  setpower        write a power reading and the implied connector status
  setfinalenergy  patch the final meter figures of the open session
  run             connect to the central system as an OCPP 1.6 charge point`)
}

func connectDB(ctx context.Context) (*storage.DB, error) {
	cfg := config.Load()
	return storage.Connect(ctx, cfg.DatabaseURL)
}

func provision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	serial := fs.String("serial", "", "charge point serial")
	fs.Parse(args)
	if *serial == "" {
		return errors.New("missing -serial")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	dev, err := storage.NewDevicesRepo(db.Pool).Provision(ctx, *serial)
	if err != nil {
		return err
	}
	log.Infof("device %v provisioned, status %v", dev.Serial, dev.Status)
	return nil
}

func setPower(args []string) error {
	fs := flag.NewFlagSet("setpower", flag.ExitOnError)
	serial := fs.String("serial", "", "charge point serial")
	connector := fs.Int("connector", 1, "connector id")
	power := fs.Float64("power", 0, "instantaneous power in W")
	energy := fs.Float64("energy", 0, "accumulated energy in kWh")
	fs.Parse(args)
	if *serial == "" {
		return errors.New("missing -serial")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	status := protocol.StatusForPower(*power)
	if err := storage.NewDevicesRepo(db.Pool).UpsertConnectorStatus(ctx, *serial, *connector, string(status), ""); err != nil {
		return err
	}
	if err := storage.NewSessionsRepo(db.Pool).AppendLog(ctx, *serial, time.Now(), *energy, *power); err != nil {
		return err
	}
	log.Infof("%v connector %v now %v at %.0f W", *serial, *connector, status, *power)
	return nil
}

func setFinalEnergy(args []string) error {
	fs := flag.NewFlagSet("setfinalenergy", flag.ExitOnError)
	serial := fs.String("serial", "", "charge point serial")
	energy := fs.Float64("energy", 0, "final energy in kWh")
	peak := fs.Float64("peak", 0, "peak power in W")
	fs.Parse(args)
	if *serial == "" {
		return errors.New("missing -serial")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	err = storage.NewSessionsRepo(db.Pool).SetFinalEnergyLatestOpen(ctx, *serial, *energy, *peak)
	if errors.Is(err, common.ErrNoActiveSession) {
		log.Warnf("no active session found to update for %v", *serial)
		return nil
	}
	if err != nil {
		return err
	}
	log.Infof("final energy of %v set to %.3f kWh", *serial, *energy)
	return nil
}

// chargePointHandler answers the remote commands the central system may
// send while the emulator runs.
type chargePointHandler struct {
	chargePoint ocpp16.ChargePoint
	connector   int
	charging    atomic.Bool
	txID        atomic.Int32
}

func (h *chargePointHandler) OnChangeAvailability(request *core.ChangeAvailabilityRequest) (*core.ChangeAvailabilityConfirmation, error) {
	return core.NewChangeAvailabilityConfirmation(core.AvailabilityStatusAccepted), nil
}

func (h *chargePointHandler) OnChangeConfiguration(request *core.ChangeConfigurationRequest) (*core.ChangeConfigurationConfirmation, error) {
	return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusAccepted), nil
}

func (h *chargePointHandler) OnClearCache(request *core.ClearCacheRequest) (*core.ClearCacheConfirmation, error) {
	return core.NewClearCacheConfirmation(core.ClearCacheStatusAccepted), nil
}

func (h *chargePointHandler) OnDataTransfer(request *core.DataTransferRequest) (*core.DataTransferConfirmation, error) {
	return core.NewDataTransferConfirmation(core.DataTransferStatusAccepted), nil
}

func (h *chargePointHandler) OnGetConfiguration(request *core.GetConfigurationRequest) (*core.GetConfigurationConfirmation, error) {
	return core.NewGetConfigurationConfirmation([]core.ConfigurationKey{}), nil
}

func (h *chargePointHandler) OnRemoteStartTransaction(request *core.RemoteStartTransactionRequest) (*core.RemoteStartTransactionConfirmation, error) {
	if h.charging.Load() {
		return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}
	go func() {
		h.chargePoint.StatusNotification(h.connector, core.NoError, core.ChargePointStatusPreparing)
		conf, err := h.chargePoint.StartTransaction(h.connector, request.IdTag, 0, types.NewDateTime(time.Now()))
		if err != nil {
			log.Errorf("start transaction failed: %v", err)
			return
		}
		h.txID.Store(int32(conf.TransactionId))
		h.charging.Store(true)
		h.chargePoint.StatusNotification(h.connector, core.NoError, core.ChargePointStatusCharging)
	}()
	return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
}

func (h *chargePointHandler) OnRemoteStopTransaction(request *core.RemoteStopTransactionRequest) (*core.RemoteStopTransactionConfirmation, error) {
	if !h.charging.Load() {
		return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}
	go func() {
		h.charging.Store(false)
		h.chargePoint.StatusNotification(h.connector, core.NoError, core.ChargePointStatusFinishing)
		if _, err := h.chargePoint.StopTransaction(0, types.NewDateTime(time.Now()), int(h.txID.Load())); err != nil {
			log.Errorf("stop transaction failed: %v", err)
		}
		h.chargePoint.StatusNotification(h.connector, core.NoError, core.ChargePointStatusAvailable)
	}()
	return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
}

func (h *chargePointHandler) OnReset(request *core.ResetRequest) (*core.ResetConfirmation, error) {
	return core.NewResetConfirmation(core.ResetStatusAccepted), nil
}

func (h *chargePointHandler) OnUnlockConnector(request *core.UnlockConnectorRequest) (*core.UnlockConnectorConfirmation, error) {
	return core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlocked), nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	serial := fs.String("serial", "EMU-0001", "charge point serial")
	csURL := fs.String("cs", "ws://localhost:8887", "central system ws endpoint")
	connector := fs.Int("connector", 1, "connector id")
	powerW := fs.Float64("power", 7200, "power reported while charging, in W")
	interval := fs.Duration("interval", 10*time.Second, "meter reporting interval")
	fs.Parse(args)

	chargePoint := ocpp16.NewChargePoint(*serial, nil, nil)
	handler := &chargePointHandler{chargePoint: chargePoint, connector: *connector}
	chargePoint.SetCoreHandler(handler)

	if err := chargePoint.Start(*csURL); err != nil {
		return fmt.Errorf("connection to %v failed: %w", *csURL, err)
	}
	defer chargePoint.Stop()

	if _, err := chargePoint.BootNotification("Emulator", "charge_core"); err != nil {
		return err
	}
	if _, err := chargePoint.StatusNotification(*connector, core.NoError, core.ChargePointStatusAvailable); err != nil {
		return err
	}
	log.Infof("%v connected to %v", *serial, *csURL)

	var energyWh float64
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for range ticker.C {
		power := 0.0
		if handler.charging.Load() {
			power = *powerW
			energyWh += power * interval.Seconds() / 3600.0
		}
		meterValue := types.MeterValue{
			Timestamp: types.NewDateTime(time.Now()),
			SampledValue: []types.SampledValue{
				{Value: fmt.Sprintf("%.0f", energyWh), Measurand: types.MeasurandEnergyActiveImportRegister, Unit: types.UnitOfMeasureWh},
				{Value: fmt.Sprintf("%.0f", power), Measurand: types.MeasurandPowerActiveImport, Unit: types.UnitOfMeasureW},
			},
		}
		if _, err := chargePoint.MeterValues(*connector, []types.MeterValue{meterValue}); err != nil {
			log.Errorf("meter values not sent: %v", err)
		}
		if _, err := chargePoint.Heartbeat(); err != nil {
			log.Errorf("heartbeat failed: %v", err)
		}
	}
	return nil
}
