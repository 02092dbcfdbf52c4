package main

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"syscall"

	"github.com/DaniilSokolyuk/go-netecho/cfg"
	"github.com/DaniilSokolyuk/go-netecho/core"
	"github.com/DaniilSokolyuk/go-netecho/core/device"
	"github.com/DaniilSokolyuk/go-netecho/echo"
)

//go:embed config.json
var configData string

func main() {
	// Setup logging - check SLOG_LEVEL env var
	logLevel := slog.LevelInfo
	if lvl := os.Getenv("SLOG_LEVEL"); lvl != "" {
		switch lvl {
		case "debug", "DEBUG":
			logLevel = slog.LevelDebug
		case "info", "INFO":
			logLevel = slog.LevelInfo
		case "warn", "WARN":
			logLevel = slog.LevelWarn
		case "error", "ERROR":
			logLevel = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	slog.SetDefault(slog.New(handler))

	config, err := loadConfig()
	if err != nil {
		slog.Error("load config error", slog.Any("err", err))
		os.Exit(1)
	}

	os.Exit(run(config, os.Stderr))
}

// loadConfig reads the config file named by the first argument, or
// config.json next to the executable, writing the default there first if
// it does not exist.
func loadConfig() (*cfg.Config, error) {
	var cfgFile string
	if len(os.Args) > 1 {
		cfgFile = os.Args[1]
	} else {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("get executable error: %w", err)
		}

		cfgFile = path.Join(path.Dir(executable), "config.json")
	}

	if !cfg.Exists(cfgFile) {
		slog.Info("Config file not found, creating a new one", "file", cfgFile)
		err := os.WriteFile(cfgFile, []byte(configData), 0666)
		if err != nil {
			return nil, fmt.Errorf("write config %s: %w", cfgFile, err)
		}
	}

	config, err := cfg.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgFile, err)
	}
	slog.Info("Config loaded", "file", cfgFile)
	return config, nil
}

// run performs setup, serves echo until interrupted and shuts down. It
// returns the process exit status.
func run(config *cfg.Config, dump io.Writer) int {
	rt := core.New()
	bridge := core.NewBridge(rt)
	stop := bridge.Notify(os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := serve(rt, bridge, config, dump)
	rt.Shutdown()
	return status
}

func serve(rt *core.Runtime, bridge *core.Bridge, config *cfg.Config, dump io.Writer) int {
	if err := setup(rt, config); err != nil {
		slog.Error("setup() failure", slog.Any("err", err))
		return 1
	}
	bridge.Replay()

	local, err := core.ParseEndpoint(config.Echo.Listen)
	if err != nil {
		slog.Error("echo listen address", slog.Any("err", err))
		return 1
	}

	conf := echo.Config{
		Local:      local,
		BufferSize: config.Echo.BufferSize,
	}
	if config.Echo.Hexdump {
		conf.Dump = dump
	}

	svc := echo.New(echo.RuntimeOpener(rt), conf)
	if err := svc.Run(); err != nil {
		slog.Error("echo service failure", slog.Any("err", err))
		return 1
	}

	slog.Info("Echo service stopped", "echoed", svc.Echoed())
	return 0
}

// setup builds the topology described by config and starts the runtime.
// The first failure aborts it; the caller's shutdown releases whatever was
// registered.
func setup(rt *core.Runtime, config *cfg.Config) error {
	if err := rt.Initialize(); err != nil {
		return err
	}

	ifaces := make(map[string]core.InterfaceID, len(config.Devices))
	for _, d := range config.Devices {
		drv, err := newDriver(d, config.Capture)
		if err != nil {
			return err
		}

		dev, err := rt.RegisterDevice(drv)
		if err != nil {
			return err
		}

		if d.Interface == nil {
			continue
		}

		iface, err := rt.BindInterface(dev, d.Interface.Address, d.Interface.Netmask)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		if err := rt.RegisterInterface(dev, iface); err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		ifaces[d.Name] = iface
	}

	if config.Route != nil {
		iface, ok := ifaces[config.Route.Device]
		if !ok {
			return fmt.Errorf("%w: device %s has no interface", core.ErrRoute, config.Route.Device)
		}
		if err := rt.SetDefaultRoute(iface, config.Route.Gateway); err != nil {
			return err
		}
	}

	return rt.Start()
}

func newDriver(d cfg.Device, capture cfg.Capture) (device.Driver, error) {
	ether := device.EtherConfig{
		Name:    d.Name,
		MAC:     d.HardwareAddr,
		MTU:     d.MTU,
		Capture: capture,
	}

	switch d.Kind {
	case cfg.KindLoopback:
		return device.NewLoopback(d.Name), nil
	case cfg.KindTap:
		return device.NewTap(ether), nil
	case cfg.KindPCAP:
		return device.NewPCAP(ether, d.HostInterface), nil
	default:
		return nil, fmt.Errorf("%w: unknown device kind %q", core.ErrDevice, d.Kind)
	}
}
