package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/bender/config"
	"github.com/migadu/bender/logger"
	"github.com/migadu/bender/pkg/errors"
	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/pkg/retry"
	serverPkg "github.com/migadu/bender/server"
	"github.com/migadu/bender/server/httpapi"
	"github.com/migadu/bender/server/httpproxy"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "config.toml"
	collectInterval   = 15 * time.Second
)

// bindRetry covers a previous instance still holding the port during a
// restart.
var bindRetry = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      5,
}

func main() {
	os.Exit(run())
}

func run() int {
	errorHandler := errors.NewErrorHandler(os.Stderr)
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bender version %s (commit: %s, built at: %s)\n", version, commit, date)
		return errors.ExitOK
	}

	if code := loadAndValidateConfig(*configPath, &cfg, errorHandler); code != errors.ExitOK {
		return code
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "BENDER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "BENDER: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("Bender proxy starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	servers, err := startServers(ctx, cfg.Servers)
	if err != nil {
		return errorHandler.FatalError("start servers", err)
	}

	providers := make([]metrics.StatsProvider, 0, len(servers))
	apiServers := make([]httpapi.ProxyServer, 0, len(servers))
	for _, s := range servers {
		providers = append(providers, s)
		apiServers = append(apiServers, s)
	}

	collector := metrics.NewCollector(collectInterval, providers...)
	go collector.Start(ctx)
	defer collector.Stop()

	errChan := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go httpapi.Start(ctx, apiServers, httpapi.ServerOptions{
			Addr:         cfg.Metrics.Addr,
			MetricsPath:  cfg.Metrics.Path,
			APIKey:       cfg.Metrics.APIKey,
			AllowedHosts: cfg.Metrics.AllowedHosts,
		}, errChan)
	}

	code := errors.ExitOK
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		code = errorHandler.FatalError("admin HTTP server", err)
		cancel()
	}

	shutdownTimeout, _ := cfg.GetShutdownTimeout()
	stopServers(servers, shutdownTimeout)
	logger.Info("Bender proxy stopped")
	return code
}

// loadAndValidateConfig fills cfg from configPath. A missing default file
// falls back to a single listener on :8080.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) int {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if !os.IsNotExist(err) || configPath != defaultConfigPath {
			return errorHandler.ConfigError(configPath, err)
		}
		fmt.Fprintf(os.Stderr, "BENDER: default configuration file '%s' not found, using application defaults\n", configPath)
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = append(cfg.Servers, config.ProxyServerConfig{Name: "http", Addr: ":8080"})
	}

	if err := cfg.Validate(); err != nil {
		return errorHandler.ValidationError("configuration", err)
	}
	return errors.ExitOK
}

// startServers starts one proxy server per entry. If any of them fails the
// ones already running are stopped again.
func startServers(ctx context.Context, entries []config.ProxyServerConfig) ([]*httpproxy.Server, error) {
	servers := make([]*httpproxy.Server, 0, len(entries))
	for _, entry := range entries {
		s, err := startServer(ctx, entry)
		if err != nil {
			stopServers(servers, config.DefaultShutdownWait)
			return nil, fmt.Errorf("server '%s': %w", entry.Name, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func startServer(ctx context.Context, entry config.ProxyServerConfig) (*httpproxy.Server, error) {
	opts, err := httpproxy.OptionsFromConfig(entry)
	if err != nil {
		return nil, err
	}
	s, err := httpproxy.New(ctx, opts)
	if err != nil {
		return nil, err
	}

	err = retry.WithRetry(ctx, func() error {
		err := s.Start()
		if err == nil || serverPkg.IsAddrInUse(err) {
			return err
		}
		return retry.Stop(err)
	}, bindRetry)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// stopServers stops all servers concurrently and gives up waiting after
// timeout.
func stopServers(servers []*httpproxy.Server, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *httpproxy.Server) {
			defer wg.Done()
			s.Stop()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(timeout):
		logger.Warn("Server shutdown timeout reached", "timeout", timeout)
	}
}
