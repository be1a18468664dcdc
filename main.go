package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"castbridge/internal/app/bridge"
	"castbridge/pkg/castv2"
	"castbridge/pkg/certgen"
	"castbridge/pkg/discovery"
	"castbridge/pkg/display"
	"castbridge/pkg/signaling"
)

func main() {
	loadEnv()
	cfg := loadConfig()

	loggerFactory := logging.NewDefaultLoggerFactory()
	logger := loggerFactory.NewLogger("main")
	logConfig(logger, cfg)

	identity, err := certgen.Issue()
	if err != nil {
		fatalf(logger, "issue TLS identity: %v", err)
	}
	cert, err := identity.TLSCertificate()
	if err != nil {
		fatalf(logger, "pair TLS identity: %v", err)
	}

	hub := display.NewHub(display.Options{LoggerFactory: loggerFactory})
	hub.Start()

	relay := signaling.NewRelay(hub, signaling.Options{LoggerFactory: loggerFactory})
	relay.Start()

	br := bridge.New(hub, relay, loggerFactory)

	castServer := castv2.NewServer(castv2.Options{
		Addr:          cfg.CastAddr,
		Certificate:   cert,
		Callbacks:     br.CastCallbacks(),
		LoggerFactory: loggerFactory,
	})
	if err := castServer.Start(); err != nil {
		fatalf(logger, "castv2 listener: %v", err)
	}

	wsListener, err := net.Listen("tcp", cfg.WSAddr)
	if err != nil {
		fatalf(logger, "display listener: %v", err)
	}
	wsServer := &http.Server{Handler: hub.HTTPHandler()}
	go func() {
		if err := wsServer.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("display server: %v", err)
		}
	}()
	logger.Infof("display transport listening on %s", wsListener.Addr())

	var dialServer *discovery.DialServer
	var advertiser *discovery.Advertiser
	if cfg.Discovery {
		dialServer = discovery.NewDialServer(discovery.DialServerOptions{
			Addr:          cfg.DialAddr,
			FriendlyName:  cfg.FriendlyName,
			DeviceID:      cfg.DeviceID,
			Model:         cfg.DeviceModel,
			LoggerFactory: loggerFactory,
		})
		if err := dialServer.Start(); err != nil {
			logger.Errorf("dial server: %v", err)
			dialServer = nil
		}

		advertiser = discovery.NewAdvertiser(discovery.AdvertiserOptions{
			FriendlyName:  cfg.FriendlyName,
			DeviceID:      cfg.DeviceID,
			Model:         cfg.DeviceModel,
			Port:          portOf(cfg.CastAddr, 8009),
			LoggerFactory: loggerFactory,
		})
		if err := advertiser.Start(); err != nil {
			logger.Errorf("mdns advertiser: %v", err)
			advertiser = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	signal.Stop(sigCh)

	logger.Infof("shutting down")
	_ = castServer.Close()
	_ = relay.Close()
	_ = hub.Close()
	_ = wsServer.Close()
	if dialServer != nil {
		_ = dialServer.Close()
	}
	if advertiser != nil {
		advertiser.Close()
	}
}

type config struct {
	CastAddr     string
	WSAddr       string
	DialAddr     string
	FriendlyName string
	DeviceModel  string
	DeviceID     string
	Discovery    bool
}

func loadConfig() config {
	return config{
		CastAddr:     getenv("CASTV2_ADDR", ":8009"),
		WSAddr:       getenv("WS_ADDR", ":8010"),
		DialAddr:     getenv("DIAL_ADDR", ":8008"),
		FriendlyName: getenv("FRIENDLY_NAME", "CastBridge"),
		DeviceModel:  getenv("DEVICE_MODEL", "Chromecast"),
		DeviceID:     uuid.NewString(),
		Discovery:    parseBool(getenv("DISCOVERY", "on")),
	}
}

func logConfig(log logging.LeveledLogger, cfg config) {
	log.Infof("config: castv2=%s ws=%s dial=%s name=%q model=%q discovery=%v",
		cfg.CastAddr, cfg.WSAddr, cfg.DialAddr, cfg.FriendlyName, cfg.DeviceModel, cfg.Discovery)
}

func fatalf(log logging.LeveledLogger, format string, args ...interface{}) {
	log.Errorf(format, args...)
	os.Exit(1)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}

// portOf extracts the port from a listen address like ":8009" or
// "0.0.0.0:8009"; the fallback covers unparsable addresses.
func portOf(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return fallback
	}
	return port
}

func loadEnv() {
	if err := loadEnvFile(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env load warning for .env: %v\n", err)
	}
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}
