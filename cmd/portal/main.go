package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/electricity-meter-portal/internal/config"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lifecycleTimeout = 30 * time.Second

// cliFlags are command-line overrides applied on top of the environment
type cliFlags struct {
	EnvFile string
	Port    int
}

func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	fs := pflag.NewFlagSet("portal", pflag.ContinueOnError)
	fs.StringVar(&flags.EnvFile, "env-file", "", "load environment variables from this file instead of searching for .env")
	fs.IntVar(&flags.Port, "port", 0, "HTTP port, overrides SERVICE_PORT")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

// loadEnv loads an explicit env file, or the first .env found near the working directory
func loadEnv(explicit string) {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", explicit, err)
			os.Exit(2)
		}
		fmt.Printf("Loaded environment from: %s\n", explicit)
		return
	}

	envPaths := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	loadEnv(flags.EnvFile)

	app := fx.New(
		fx.Supply(flags),
		appOptions(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startupLogger, _ := newLogger(&config.Config{ServiceName: "electricity-meter-portal"})
	startupLogger.Info("starting application...", zap.Duration("timeout", lifecycleTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			startupLogger.Error("application did not start in time; a dependency (database or RabbitMQ) is probably unreachable")
		}
		startupLogger.Fatal("application failed to start", zap.Error(err))
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		startupLogger.Error("error stopping app", zap.Error(err))
	}
}
