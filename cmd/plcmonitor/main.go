// plcmonitor - PLC data-block monitor
//
// Polls S7 and Modbus controllers, evaluates their data blocks into named
// signals, and republishes changes via REST API, MQTT, Valkey, Kafka and
// InfluxDB.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"plcmonitor/config"
	"plcmonitor/engine"
	"plcmonitor/logging"
	"plcmonitor/schema"
	"plcmonitor/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if strings.HasPrefix(arg, "--log-debug=") || strings.HasPrefix(arg, "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	envFile     = flag.String("env", ".env", "Path to .env file with PLCMONITOR_* overrides")
	showVersion = flag.Bool("version", false, "Show version and exit")
	listSchemas = flag.Bool("schemas", false, "List the built-in signal schemas and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (optionally a protocol filter)")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("plcmonitor %s\n", Version)
		os.Exit(0)
	}

	if *listSchemas {
		for _, name := range schema.Names() {
			s, _ := schema.Lookup(name)
			fmt.Printf("%-16s %3d bytes  %s\n", name, s.MinSize(), s.Description)
		}
		os.Exit(0)
	}

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error in environment overrides: %v\n", err)
		os.Exit(1)
	}

	// Override web config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.API.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

func run(cfg *config.Config) {
	// Operational log goes to stdout, and to a file if requested.
	logger := logging.NewConsoleLogger(os.Stdout)
	if *logFile != "" {
		fl, err := logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			fl.SetEcho(os.Stdout)
			logger = fl
		}
	}
	defer logger.Close()

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			if filter == "" {
				logger.Log("Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				logger.Log("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
			defer debugLogger.Close()
		}
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    engine.LogFunc(logger.Func()),
	})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		ws := web.NewServer(cfg, eng)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			webServer = ws
			fmt.Printf("Web server at %s\n", ws.Address())
			if cfg.Web.API.Enabled {
				fmt.Printf("  REST API: %s/api/devices\n", ws.Address())
			}
			if cfg.Metrics.Enabled {
				path := cfg.Metrics.Path
				if path == "" {
					path = "/metrics"
				}
				fmt.Printf("  Metrics:  %s%s\n", ws.Address(), path)
			}
		}
	}

	started := eng.StartEnabled()
	logger.Log("Monitoring %d of %d devices", started, len(cfg.DeviceList()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if webServer != nil {
			webServer.Stop()
		}
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "Shutdown timed out")
	}

	fmt.Println("Stopped")
}
