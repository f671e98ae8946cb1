package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"orchestra-ai/internal/adapter/gateway"
	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/config"
	"orchestra-ai/internal/infra/logger"
	"orchestra-ai/internal/infra/tracer"
	"orchestra-ai/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("orchestra", gateway.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'orchestra --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`orchestra - capability-routed agent orchestration engine

USAGE:
    orchestra [COMMAND] [FLAGS]

COMMANDS:
    doctor      Check config, agent sources, runners and gateway
    encrypt     Encrypt a secret read from stdin for use as "enc:..." in config
    version     Print the version

    (no command) - Load agents and serve until interrupted

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: ORCHESTRA_* variables override config
    ORCHESTRA_CONFIG_KEY decrypts "enc:" values

EXAMPLES:
    orchestra                                  # Run with config.yaml
    orchestra --config /etc/orchestra.yaml     # Run with custom config
    echo -n s3cret | ORCHESTRA_CONFIG_KEY=k orchestra encrypt
    orchestra doctor`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Engine: runners, registry, admission, breakers, history
	d, err := initDispatcher(cfg, bus, log)
	if err != nil {
		return err
	}
	report, err := d.Reload(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	log.Info("agents loaded", "count", report.Loaded, "skipped", len(report.Skipped), "duration", report.Duration)

	// 5. Audit trail
	fileAudit, err := initAudit(cfg)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	var audit domain.AuditLogger
	if fileAudit != nil {
		defer fileAudit.Close()
		audit = fileAudit
	}

	// 6. Scheduler
	sched, err := initScheduler(cfg, d, fileAudit, log)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// 7. Gateway
	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		srv = initGateway(cfg, bus, d, sched, audit, log)
	}

	// 8. Run until signalled
	shutdown, gwErr, err := startBackground(ctx, sched, srv)
	if err != nil {
		return err
	}
	log.Info("orchestra started", "agents", d.Registry().Len(), "gateway", cfg.Gateway.Enabled)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-gwErr:
		runErr = fmt.Errorf("gateway: %w", err)
	}
	stop()
	shutdown()
	return runErr
}

// runEncrypt encrypts the first line of stdin with ORCHESTRA_CONFIG_KEY.
func runEncrypt() error {
	passphrase := os.Getenv(config.EnvPrefix + "CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("%sCONFIG_KEY is not set", config.EnvPrefix)
	}
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return fmt.Errorf("no input on stdin")
	}
	out, err := config.EncryptValue(strings.TrimRight(sc.Text(), "\r"), passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + out)
	return nil
}
