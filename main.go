package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/lorenzodonini/ocpp-go/ws"

	"charge_core/actions"
	"charge_core/api"
	"charge_core/config"
	"charge_core/gateway"
	nats "charge_core/notifier/nats"
	"charge_core/payments"
	"charge_core/protocol"
	"charge_core/registry"
	"charge_core/session"
	"charge_core/storage"
)

const defaultHeartbeatInterval = 600

var log *logrus.Logger
var centralSystem ocpp16.CentralSystem

func setupCentralSystem() ocpp16.CentralSystem {
	return ocpp16.NewCentralSystem(nil, nil)
}

func setupTlsCentralSystem(cfg config.Config) ocpp16.CentralSystem {
	var certPool *x509.CertPool
	// Load CA certificates
	if cfg.CACertificatePath == "" {
		log.Info("no CA certificate configured, using system CA pool")
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			log.Fatalf("couldn't get system CA pool: %v", err)
		}
		certPool = systemPool
	} else {
		certPool = x509.NewCertPool()
		data, err := os.ReadFile(cfg.CACertificatePath)
		if err != nil {
			log.Fatalf("couldn't read CA certificate from %v: %v", cfg.CACertificatePath, err)
		}
		if ok := certPool.AppendCertsFromPEM(data); !ok {
			log.Fatalf("couldn't read CA certificate from %v", cfg.CACertificatePath)
		}
	}
	if cfg.CertificatePath == "" || cfg.CertificateKey == "" {
		log.Fatal("TLS enabled but no server certificate/key configured")
	}
	server := ws.NewTLSServer(cfg.CertificatePath, cfg.CertificateKey, &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  certPool,
	})
	return ocpp16.NewCentralSystem(nil, server)
}

// Start function
func main() {
	cfg := config.Load()

	if cfg.TLSEnabled {
		centralSystem = setupTlsCentralSystem(cfg)
	} else {
		centralSystem = setupCentralSystem()
	}

	// Persistence. Without a reachable database the system still runs:
	// sessions are kept in memory and device rows are skipped.
	var (
		sessionStore session.Store
		devicesRepo  *storage.DevicesRepo
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := storage.Connect(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Warnf("database unreachable, falling back to in-memory sessions: %v", err)
		sessionStore = session.NewMemoryStore()
	} else {
		defer db.Close()
		if err := db.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("schema not ready: %v", err)
		}
		sessionStore = storage.NewSessionsRepo(db.Pool)
		devicesRepo = storage.NewDevicesRepo(db.Pool)
	}

	reg := registry.New()
	gw := gateway.New(cfg.CommandTimeout)
	paymentClient := payments.New(cfg.PaymentBaseURL, cfg.PaymentAPIKey)
	coordinator := session.NewCoordinator(gw, reg, sessionStore, paymentClient, cfg.DefaultRatePerKwh)

	csHandler := NewCentralSystemHandler(reg, coordinator, devicesRepo)
	coordinator.SetNotificationChannel(csHandler.NotificationChannel())

	centralSystem.SetCoreHandler(csHandler)
	centralSystem.SetFirmwareManagementHandler(csHandler)

	ocppj.SetLogger(log)
	ocppj.SetMessageValidation(false)

	centralSystem.SetNewChargePointHandler(func(chargePoint ocpp16.ChargePointConnection) {
		reg.RegisterOrGet(chargePoint.ID())
		reg.MarkOnline(chargePoint.ID())
		gw.MarkConnected(chargePoint.ID())
		if devicesRepo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := devicesRepo.Provision(ctx, chargePoint.ID()); err != nil {
				log.WithField("client", chargePoint.ID()).Errorf("provisioning failed: %v", err)
			}
			devicesRepo.SetNetworkStatus(ctx, chargePoint.ID(), "online")
		}
		log.WithField("client", chargePoint.ID()).Info("new charge point connected")
	})

	centralSystem.SetChargePointDisconnectedHandler(func(chargePoint ocpp16.ChargePointConnection) {
		// The device entry stays; only connectivity flips.
		reg.MarkOffline(chargePoint.ID())
		gw.MarkDisconnected(chargePoint.ID())
		if devicesRepo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			devicesRepo.SetNetworkStatus(ctx, chargePoint.ID(), "offline")
		}
		log.WithField("client", chargePoint.ID()).Info("charge point disconnected")
	})

	coreProfileActions := actions.InitializeCoreProfileActions(centralSystem)
	firmwareProfileActions := actions.InitializeFirmwareProfileActions(centralSystem)
	localAuthProfileActions := actions.InitializeLocalAuthProfileActions(centralSystem)
	reservationProfileActions := actions.InitializeReservationProfileActions(centralSystem)
	smartChargingProfilesActions := actions.InitializeSmartChargingProfileActions(centralSystem)

	// The gateway serializes per-device command dispatch for the session
	// coordinator and the HTTP surface.
	gw.AddHandler(protocol.ActionReset, coreProfileActions.Reset)
	gw.AddHandler(protocol.ActionRemoteStartTransaction, coreProfileActions.RemoteStartTransaction)
	gw.AddHandler(protocol.ActionRemoteStopTransaction, coreProfileActions.RemoteStopTransaction)
	gw.AddHandler(protocol.ActionUnlockConnector, coreProfileActions.UnlockConnector)
	gw.AddHandler(protocol.ActionChangeAvailability, coreProfileActions.ChangeAvailability)

	natsNotifier := nats.New(cfg.NatsURL)
	natsNotifier.SetChannel(csHandler.NotificationChannel())
	natsNotifier.SetTimeout(3 * time.Minute)
	log.Printf("Esperar respuesta de las solicitudes: %v", natsNotifier.Timeout().String())

	natsNotifier.AddHandler(protocol.ActionReset, coreProfileActions.Reset)
	natsNotifier.AddHandler(protocol.ActionGetConfiguration, coreProfileActions.GetConfiguration)
	natsNotifier.AddHandler(protocol.ActionChangeConfiguration, coreProfileActions.ChangeConfiguration)
	natsNotifier.AddHandler(protocol.ActionChangeAvailability, coreProfileActions.ChangeAvailability)
	natsNotifier.AddHandler(protocol.ActionRemoteStartTransaction, coreProfileActions.RemoteStartTransaction)
	natsNotifier.AddHandler(protocol.ActionRemoteStopTransaction, coreProfileActions.RemoteStopTransaction)
	natsNotifier.AddHandler(protocol.ActionUnlockConnector, coreProfileActions.UnlockConnector)
	natsNotifier.AddHandler(protocol.ActionClearCache, coreProfileActions.ClearCache)

	natsNotifier.AddHandler(protocol.ActionUpdateFirmware, firmwareProfileActions.UpdateFirmware)
	natsNotifier.AddHandler(protocol.ActionGetDiagnostics, firmwareProfileActions.GetDiagnostics)

	natsNotifier.AddHandler(protocol.ActionSendLocalListVersion, localAuthProfileActions.SendLocalListVersion)
	natsNotifier.AddHandler(protocol.ActionGetLocalListVersion, localAuthProfileActions.GetLocalListVersion)

	natsNotifier.AddHandler(protocol.ActionReserveNow, reservationProfileActions.ReserveNow)
	natsNotifier.AddHandler(protocol.ActionCancelReservation, reservationProfileActions.CancelReservation)

	natsNotifier.AddHandler(protocol.ActionClearChargingProfile, smartChargingProfilesActions.ClearChargingProfile)
	natsNotifier.AddHandler(protocol.ActionGetCompositeSchedule, smartChargingProfilesActions.GetCompositeSchedule)
	natsNotifier.AddHandler(protocol.ActionSetChargingProfile, smartChargingProfilesActions.SetChargingProfile)

	natsNotifier.Start()
	defer natsNotifier.Stop()

	// HTTP surface: status, commands, live session view, metrics.
	apiServer := api.NewServer(coordinator, gw, reg)
	go func() {
		log.Infof("http api listening on %v", cfg.HTTPListenAddr)
		if err := http.ListenAndServe(cfg.HTTPListenAddr, apiServer.Routes()); err != nil {
			log.Errorf("http api stopped: %v", err)
		}
	}()

	// Devices silent beyond the heartbeat timeout flip to offline.
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatTimeout / 4)
		defer ticker.Stop()
		for range ticker.C {
			for _, serial := range reg.SweepStale(cfg.HeartbeatTimeout) {
				gw.MarkDisconnected(serial)
			}
		}
	}()

	// Run central system
	log.Infof("starting central system on port %v", cfg.ListenPort)
	centralSystem.Start(cfg.ListenPort, "/{ws}")

	log.Info("stopped central system")
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// Set this to DebugLevel if you want to retrieve verbose logs from the ocppj and websocket layers
	log.SetLevel(logrus.InfoLevel)
}
