// check-raid reports Linux software RAID health and capacity to an MQTT
// broker, announcing every array to Home Assistant through MQTT
// discovery.
//
// Usage:
//
//	check-raid                Poll and publish until interrupted
//	check-raid -p             Print the effective configuration and exit
//	check-raid init [dir]     Write an example config.yaml (default: .)
//	check-raid version        Print version and build information
//
// Configuration is loaded from a single YAML or JSON file discovered
// automatically (see [config.DefaultSearchPaths]).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/check-raid/internal/buildinfo"
	"github.com/nugget/check-raid/internal/config"
	"github.com/nugget/check-raid/internal/discovery"
	"github.com/nugget/check-raid/internal/mdadm"
	"github.com/nugget/check-raid/internal/monitor"
	"github.com/nugget/check-raid/internal/mqtt"
)

// shutdownTimeout bounds the offline publish and broker disconnect.
const shutdownTimeout = 5 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// that the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		fmt.Fprintf(os.Stderr, "Exception: %s\n", rootCause(err))
		os.Exit(1)
	}
}

// rootCause returns the innermost wrapped error.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// options holds the parsed command line.
type options struct {
	configPath string
	interval   int
	verbose    bool
	print      bool
	help       bool
	command    string
	args       []string
}

// parseArgs parses the command line by hand. The flag package's global
// state gets in the way of calling run from parallel tests.
func parseArgs(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "-c" || arg == "-config" || arg == "--config") && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-config="):
			o.configPath = strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			o.configPath = strings.TrimPrefix(arg, "--config=")
		case (arg == "-i" || arg == "-interval" || arg == "--interval") && i+1 < len(args):
			n, err := parseInterval(args[i+1])
			if err != nil {
				return o, err
			}
			o.interval = n
			i++
		case strings.HasPrefix(arg, "-interval="), strings.HasPrefix(arg, "--interval="):
			_, v, _ := strings.Cut(arg, "=")
			n, err := parseInterval(v)
			if err != nil {
				return o, err
			}
			o.interval = n
		case arg == "-v" || arg == "-verbose" || arg == "--verbose":
			o.verbose = true
		case arg == "-p" || arg == "-print" || arg == "--print":
			o.print = true
		case arg == "-h" || arg == "-help" || arg == "--help":
			o.help = true
		case !strings.HasPrefix(arg, "-") && o.command == "":
			o.command = arg
		case !strings.HasPrefix(arg, "-"):
			o.args = append(o.args, arg)
		default:
			return o, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return o, nil
}

func parseInterval(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q (expected seconds)", s)
	}
	return n, nil
}

// run is the real entry point. Structured logs go to stdout. It returns
// nil on clean shutdown, including an interrupt, and the fatal error
// otherwise; main prints it and exits 1.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.help {
		return printUsage(stdout)
	}

	switch opts.command {
	case "":
		return runMonitor(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(opts.args) > 0 {
			dir = opts.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		if len(opts.args) > 0 {
			return fmt.Errorf("unexpected argument: %s", opts.args[0])
		}
		return runVersion(stdout)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	info := buildinfo.Info()
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "check-raid - RAID health reporting for Home Assistant over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: check-raid [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  (none)       Poll arrays and publish until interrupted")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -c, -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -i, -interval <secs>   Poll interval in seconds (default: 900, minimum 30)")
	fmt.Fprintln(w, "  -v, -verbose           Log at debug level")
	fmt.Fprintln(w, "  -p, -print             Print the effective configuration and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, loads and validates the configuration.
func loadConfig(opts options) (*config.Config, string, error) {
	base := config.Default()
	if opts.interval > 0 {
		base.Sys.Interval = opts.interval
	}

	path, err := config.FindConfig(opts.configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path, base)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// runMonitor is the default mode: resolve every array, connect to the
// broker and poll until interrupted.
func runMonitor(ctx context.Context, stdout io.Writer, opts options) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if opts.verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	sudo := ""
	if cfg.Sys.Sudo {
		sudo = cfg.Sys.SudoBin
	}
	reader := mdadm.NewReader(mdadm.ReaderConfig{
		MdadmBin: cfg.Sys.MdadmBin,
		Sudo:     sudo,
		Logger:   logger,
	})
	mdadmVersion := reader.Version(ctx)
	hostInfo := mdadm.HostDescription(ctx)

	if opts.print {
		return printConfig(stdout, cfg, cfgPath, mdadmVersion, hostInfo)
	}

	logger.Info("starting check-raid",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"device_name", cfg.Sys.DeviceName,
		"devices", len(cfg.Devices),
		"interval", cfg.Sys.PollInterval(),
		"broker", mqtt.Describe(cfg.MQTT),
		"mdadm", mdadmVersion,
		"os", hostInfo,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	availTopic := cfg.HASS.AvailabilityTopic
	session := mqtt.NewSession(mqtt.SessionConfig{
		MQTT:              cfg.MQTT,
		AvailabilityTopic: availTopic,
		Logger:            logger,
	})
	pub := mqtt.NewPublisher(mqtt.PublisherConfig{
		Client:            session,
		QoS:               byte(cfg.MQTT.QoS),
		AvailabilityTopic: availTopic,
		Online:            cfg.MQTT.OnlineStatus(),
		Offline:           cfg.MQTT.OfflineStatus(),
		Logger:            logger,
	})

	mon, err := monitor.New(ctx, monitor.Config{
		Devices: cfg.Devices,
		Options: discovery.Options{
			DeviceName:        cfg.Sys.DeviceName,
			BaseTopic:         cfg.HASS.BaseTopic,
			AutoconfTopic:     cfg.HASS.AutoconfTopic,
			AvailabilityTopic: availTopic,
			PayloadOnline:     cfg.MQTT.OnlineStatus(),
			PayloadOffline:    cfg.MQTT.OfflineStatus(),
			Icon:              cfg.MQTT.Icon,
			SWVersion:         mdadmVersion,
			Manufacturer:      hostInfo,
		},
		Reader:    reader,
		Publisher: pub,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	machine := mqtt.NewMachine(mqtt.MachineConfig{
		Client:            session,
		Publisher:         pub,
		AvailabilityTopic: availTopic,
		Online:            cfg.MQTT.OnlineStatus(),
		OnConnect:         mon.Announce,
		Logger:            logger,
	})

	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		machine.Shutdown(shutdownCtx)
		logger.Info("check-raid stopped")
	}()

	err = mqtt.NewScheduler(mqtt.SchedulerConfig{
		Machine:   machine,
		Publisher: pub,
		Poller:    mon,
		Events:    session.Events(),
		Interval:  cfg.Sys.PollInterval(),
		Logger:    logger,
	}).Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("shutdown signal received")
	return nil
}

// printConfig writes the effective configuration as YAML with the
// broker password masked, followed by the detected tool versions.
func printConfig(w io.Writer, cfg *config.Config, path, mdadmVersion, hostInfo string) error {
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintf(w, "# %s\n", path)
	if _, err := w.Write(out); err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "# mdadm: %s\n", mdadmVersion)
	fmt.Fprintf(w, "# os:    %s\n", hostInfo)
	fmt.Fprintf(w, "# %s\n", buildinfo.String())
	return nil
}
