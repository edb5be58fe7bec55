package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"ue1live/internal/app"
	"ue1live/internal/config"
)

// ConfigFileEnv names the config file when -config is not given.
const ConfigFileEnv = "UE1_CONFIG_FILE"

// Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	configFile string
	envFile    string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("ue1live", flag.ContinueOnError)
	opts := options{}
	fs.StringVar(&opts.configFile, "config", os.Getenv(ConfigFileEnv), "config file (JSON, YAML or TOML)")
	fs.StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before reading UE1_* variables")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	// STEP 1: Load configuration with precedence (env > file > defaults)
	cfg, err := config.Load(opts.configFile, opts.envFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create application")
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	// STEP 4: Start serving
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return errors.Wrap(err, "application error")
	}

	// STEP 5: Wait for shutdown signal or a serving error
	var runErr error
	select {
	case err := <-application.Errors():
		runErr = errors.Wrap(err, "application error")
	case sig := <-signalCh:
		log.Printf("Received signal %v, shutting down gracefully", sig)
	}

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown error")
	}
	return runErr
}
