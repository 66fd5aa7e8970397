//go:build tinygo

// Command device is the TinyGo firmware entry point: it brings up the
// Connection Manager, then starts the authenticated remote-control
// listener, the UDP discovery responder, and the MQTT status publisher
// alongside it.
package main

import (
	"crypto/sha256"
	"log/slog"
	"net/netip"
	"time"

	"machine"

	"openenterprise/wifimgr/connmgr"
	"openenterprise/wifimgr/discovery"
	"openenterprise/wifimgr/flashrange"
	"openenterprise/wifimgr/mqttstatus"
	"openenterprise/wifimgr/ota"
	"openenterprise/wifimgr/provisioning"
	"openenterprise/wifimgr/remotecrypto"
	"openenterprise/wifimgr/remotehandlers"
	"openenterprise/wifimgr/remotesession"
	"openenterprise/wifimgr/settings"
	"openenterprise/wifimgr/telemetry"
	"openenterprise/wifimgr/version"

	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/udp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	remotePort  = uint16(1404)
	tcpBufSize  = 4096 + 64
	defaultName = "wifimgr-device"
	maxTCPPorts = 2 // remote control + telemetry/mqtt dial-outs
	pollTime    = 5 * time.Millisecond
)

// The settings blob occupies the last erase sector, past both application
// partitions, so neither a firmware image nor an OTA stage can clobber it.
var settingsRegion = settings.Region{
	Range: flashrange.FlashRange{
		StartOffset: ota.FlashCapacity - ota.SectorSize,
		Size:        ota.SectorSize,
	},
}

var (
	remoteRxBuf [tcpBufSize]byte
	remoteTxBuf [tcpBufSize]byte
)

// activeSessions is read by mqttstatus's status source; it is mutated only
// from the single-threaded accept loop below.
var activeSessions int

// hashedSecret is re-derived whenever the settings blob changes; sessions
// read it at accept time, so an update takes effect on the next handshake.
type hashedSecret struct {
	key   [32]byte
	valid bool
}

func main() {
	time.Sleep(2 * time.Second) // let USB serial attach before the first log line
	println("========================================")
	println("  openenterprise/wifimgr")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("  Marker: ", version.BuildMarker)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	// A trial-booted OTA image confirms itself here: reaching this point
	// means the new firmware came up far enough to matter. The bootrom
	// reverts to the previous partition if this never runs.
	if err := ota.Confirm(); err != nil {
		logger.Warn("init:partition-confirm-failed", slog.String("err", err.Error()))
	}

	flashWriter := settings.RP2350FlashWriter{}
	store, err := settings.Load(flashWriter, settingsRegion)
	if err != nil {
		logger.Error("settings:load-failed", slog.String("err", err.Error()))
		store = settings.Parse(nil)
	}

	driver := connmgr.NewCYW43439Driver(hostnameFromSettings(store), maxTCPPorts)
	mgr := connmgr.New(driver, store, connmgr.Config{Country: countryFromSettings(store)})

	if mgr.HasNoWiFiDetails() {
		logger.Warn("settings:empty", slog.String("action", "seeding first-boot provisioning blob"))
		*store = *settings.Parse(provisioning.SeedBlob())
		if err := store.Save(flashWriter, settingsRegion); err != nil {
			logger.Error("settings:seed-save-failed", slog.String("err", err.Error()))
		}
	}

	var secret hashedSecret
	secret.refresh(store)

	if err := mgr.Init(); err != nil {
		logger.Error("connmgr:init-failed", slog.String("err", err.Error()))
	}
	mgr.Connect()
	logger.Info("connmgr:init", slog.String("state", mgr.State().String()))

	bootTime := time.Now()
	var stack *xnet.StackAsync

	// Main loop: drive the Connection Manager at roughly 1 Hz until it
	// reports CONNECTED_IP, then start the network-facing services once
	// and keep ticking for health monitoring and reconnects.
	servicesStarted := false
	for {
		feedWatchdog()
		mgr.Tick(time.Now())

		if mgr.IsConnected() && !servicesStarted {
			stack = driver.Stack().LnetoStack()
			logger.Info("connmgr:connected", slog.String("ip", mgr.IPStatusText()))

			go loopForeverStack(driver.Stack())

			if !secret.valid {
				logger.Warn("remote:no-secret", slog.String("action", "service will reject all handshakes"))
			}
			registry := buildRegistry(store, flashWriter, &secret, mgr, bootTime)
			go remoteListenLoop(stack, &secret, registry, logger)
			go discoveryLoop(stack, logger)
			startMQTTStatus(stack, store, mgr, logger)

			if collectorAddr, err := telemetryAddrFromSettings(store); err == nil {
				if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
					logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
				}
			}

			servicesStarted = true
		}

		if !mgr.IsConnected() && servicesStarted {
			logger.Warn("connmgr:disconnected", slog.String("state", mgr.State().String()))
			servicesStarted = false
		}

		time.Sleep(1 * time.Second)
	}
}

// loopForeverStack pumps the network stack's packet queues from its own
// goroutine for the lifetime of the process.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdog()
			count = 0
		}
	}
}

func feedWatchdog() {
	machine.Watchdog.Update()
}

// refresh re-stretches update_secret from the store, the same derivation
// the handshake consumes. An absent or empty secret disables the service.
func (h *hashedSecret) refresh(store *settings.Store) {
	secret, ok := store.UpdateSecret()
	if !ok || secret == "" {
		*h = hashedSecret{}
		return
	}
	*h = hashedSecret{key: remotecrypto.Stretch([]byte(secret)), valid: true}
}

func countryFromSettings(store *settings.Store) connmgr.CountryCode {
	raw, ok := store.Lookup("country")
	if !ok || len(raw) != 2 || raw[0] < 'A' || raw[0] > 'Z' || raw[1] < 'A' || raw[1] > 'Z' {
		return connmgr.CountryCode{}
	}
	return connmgr.CountryCode{raw[0], raw[1]}
}

func hostnameFromSettings(store *settings.Store) string {
	if name, ok := store.Lookup("name"); ok && name != "" {
		return name
	}
	return defaultName
}

// telemetryAddrFromSettings resolves where to ship telemetry, if anywhere;
// absent configuration is treated as "telemetry disabled", not an error
// the boot sequence should fail on.
func telemetryAddrFromSettings(store *settings.Store) (netip.AddrPort, error) {
	raw, ok := store.Lookup("telemetry_collector")
	if !ok || raw == "" {
		return netip.AddrPort{}, errNoTelemetryConfigured
	}
	return netip.ParseAddrPort(raw)
}

var errNoTelemetryConfigured = deviceErr("device: no telemetry collector configured")

type deviceErr string

func (e deviceErr) Error() string { return string(e) }

// boardID derives an 8-byte device identity from build metadata. The
// RP2350 flash-ID read is an out-of-scope platform primitive; build
// metadata is what this firmware image actually has on hand at boot.
func boardID() [8]byte {
	sum := sha256.Sum256([]byte(version.GitSHA + version.BuildDate))
	var id [8]byte
	copy(id[:], sum[:8])
	return id
}

func buildRegistry(store *settings.Store, flashWriter settings.FlashWriter, secret *hashedSecret, mgr *connmgr.Manager, bootTime time.Time) *remotehandlers.Registry {
	r := remotehandlers.NewRegistry()
	info := remotehandlers.DeviceInfo{
		BoardID:   boardID(),
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildDate: version.BuildDate,
		Hostname:  hostnameFromSettings(store),
		Uptime:    func() time.Duration { return time.Since(bootTime) },
		IPv4:      func() string { return mgr.IPStatusText() },
	}
	sa := &remotehandlers.SettingsAccess{
		Store:  store,
		Writer: flashWriter,
		Region: settingsRegion,
		// A settings write may have replaced update_secret; the next
		// handshake must see the new derivation.
		OnApplied: func() { secret.refresh(store) },
	}
	remotehandlers.RegisterBuiltins(r, info, sa, remotehandlers.RP2350Flash{}, remotehandlers.RP2350Flash{}, remotehandlers.RP2350MemoryMap())
	return r
}

// remoteListenLoop accepts at most one concurrent remote-control session
// and hands each connection to remotesession/remotehandlers for its whole
// lifetime before listening again.
func remoteListenLoop(stack *xnet.StackAsync, secret *hashedSecret, registry *remotehandlers.Registry, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("remote:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             remoteRxBuf[:],
		TxBuf:             remoteTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		logger.Error("remote:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), remotePort)
	logger.Info("remote:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := stack.ListenTCP(&conn, remotePort); err != nil {
			logger.Error("remote:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("remote:connected")
		activeSessions = 1

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("remote:session-panic")
				}
			}()
			greeting := remotesession.Greeting{BoardID: boardID(), Version: version.Version}
			sess, err := remotesession.Accept(remotesession.NewLnetoConn(&conn), secret.key, secret.valid, greeting, remotesession.CryptoRandSource{})
			if err != nil {
				logger.Warn("remote:handshake-failed", slog.String("err", err.Error()))
				return
			}
			defer sess.Close()
			serveSession(sess, registry, logger)
		}()

		activeSessions = 0
		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("remote:disconnected")
	}
}

// serveSession runs the encrypted request/response cycle for one
// authenticated session until the peer closes or a handler's Commit stage
// fires (reboot, OTA finalize — those do not return).
func serveSession(sess *remotesession.Session, registry *remotehandlers.Registry, logger *slog.Logger) {
	for {
		frame, err := sess.RecvFrame()
		if err != nil {
			return
		}
		resp, commit, err := registry.Dispatch(remotehandlers.Request{
			MsgType: frame.Header.MsgType,
			Param:   frame.Header.ParameterOrResult,
			Data:    frame.Payload,
		})
		if err != nil {
			logger.Warn("remote:handler-error", slog.String("err", err.Error()))
			sess.SendEncryptedError(wireErrorFor(err))
			return
		}
		// A successful reply carries the OK discriminator, not the request's
		// message type: the client tells replies and encrypted error headers
		// apart by this byte.
		replyHeader := remotecrypto.Header{MsgType: remotesession.ErrOK, ParameterOrResult: resp.Result}
		if err := sess.SendFrame(remotesession.Frame{Header: replyHeader, Payload: resp.Data}); err != nil {
			return
		}
		if commit != nil {
			// Two-stage handler: the reply above is the acknowledgment;
			// commit (reboot, OTA finalize) runs only now that it has been
			// flushed, and does not return on success.
			commit()
			return
		}
	}
}

func wireErrorFor(err error) byte {
	switch err.(type) {
	case remotehandlers.ErrUnknownMessageType:
		return remotesession.ErrBadHandler
	case remotehandlers.ErrBadParameter:
		return remotesession.ErrBadParam
	default:
		return remotesession.ErrUnknown
	}
}

// discoveryLoop answers board-identity queries on the same port number as
// the remote-control TCP listener, independently of it.
func discoveryLoop(stack *xnet.StackAsync, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("discovery:panic-recovered")
		}
	}()

	var conn udp.Conn
	if err := stack.ListenUDP(&conn, discovery.Port); err != nil {
		logger.Error("discovery:listen-failed", slog.String("err", err.Error()))
		return
	}
	responder := discovery.NewResponder(discovery.NewLnetoPacketConn(&conn), boardID())
	for {
		if _, err := responder.ServeOnce(); err != nil {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// startMQTTStatus launches the periodic status publisher if a broker is
// configured via the settings store's mqtt_broker key; absence disables it
// rather than failing boot.
func startMQTTStatus(stack *xnet.StackAsync, store *settings.Store, mgr *connmgr.Manager, logger *slog.Logger) {
	raw, ok := store.Lookup("mqtt_broker")
	if !ok || raw == "" {
		logger.Info("mqttstatus:disabled", slog.String("reason", "no mqtt_broker configured"))
		return
	}
	brokerAddr, err := netip.ParseAddrPort(raw)
	if err != nil {
		logger.Warn("mqttstatus:disabled", slog.String("reason", "invalid mqtt_broker"), slog.String("err", err.Error()))
		return
	}

	bootTime := time.Now()
	publisher := mqttstatus.NewLnetoPublisher(stack, brokerAddr, hostnameFromSettings(store), logger)
	source := mqttstatus.StatusSource{
		State:      func() string { return mgr.ConnectStatusText() },
		SlotNumber: func() int { return mgr.SelectedSlot() },
		BootTime:   bootTime,
		Sessions:   func() int { return activeSessions },
	}
	topic, _ := store.Lookup("mqtt_topic")
	runner := mqttstatus.NewRunner(publisher, source, mqttstatus.Config{Topic: topic})
	go func() {
		for {
			runner.Tick(time.Now())
			time.Sleep(1 * time.Minute)
		}
	}()
}
