package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/TFMV/Mallard/flightserver"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the YAML configuration file structure
type FileConfig struct {
	Server1 ServerFileConfig  `yaml:"server1"`
	Server2 ServerFileConfig  `yaml:"server2"`
	Auth    *bool             `yaml:"auth"`
	Users   map[string]string `yaml:"users"`
}

type ServerFileConfig struct {
	Location string `yaml:"location"`
	DB       string `yaml:"db"`
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// env returns the environment variable value or a default
func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	configFile := flag.String("config", env("MALLARD_CONFIG", ""), "Path to YAML config file (env: MALLARD_CONFIG)")
	server1Location := flag.String("server1-location", "", "Listen location for server1 (env: MALLARD_SERVER1_LOCATION)")
	server2Location := flag.String("server2-location", "", "Listen location for server2 (env: MALLARD_SERVER2_LOCATION)")
	server1DB := flag.String("server1-db", "", "DuckDB file for server1, empty for in-memory (env: MALLARD_SERVER1_DB)")
	server2DB := flag.String("server2-db", "", "DuckDB file for server2, empty for in-memory (env: MALLARD_SERVER2_DB)")
	auth := flag.Bool("auth", false, "Require Basic/Bearer authentication (env: MALLARD_AUTH)")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Mallard - DuckDB-backed Arrow Flight servers\n\n")
		fmt.Fprintf(os.Stderr, "Usage: mallard [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_CONFIG            Path to YAML config file\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_SERVER1_LOCATION  Listen location for server1 (default: grpc://localhost:8815)\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_SERVER2_LOCATION  Listen location for server2 (default: grpc://localhost:8816)\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_SERVER1_DB        DuckDB file for server1 (default: in-memory)\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_SERVER2_DB        DuckDB file for server2 (default: in-memory)\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_AUTH              Require authentication (default: false)\n")
		fmt.Fprintf(os.Stderr, "  MALLARD_OTLP_ENDPOINT     Ship logs over OTLP in addition to stderr\n")
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	shutdownLogging := initLogging()
	defer shutdownLogging()

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file", "path", *configFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded configuration", "path", *configFile)
		fileCfg = loaded
	}

	cliSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { cliSet[f.Name] = true })

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{
		Set:             cliSet,
		Server1Location: *server1Location,
		Server2Location: *server2Location,
		Server1DB:       *server1DB,
		Server2DB:       *server2DB,
		Auth:            *auth,
	}, os.Getenv, func(msg string) {
		slog.Warn(msg)
	})

	registry := flightserver.NewExchangerRegistry(
		flightserver.NewAppendProcessedExchanger(memory.DefaultAllocator),
	)

	srv1, err := flightserver.NewServer(resolved.Server1, registry)
	if err != nil {
		slog.Error("Failed to create server1", "error", err)
		os.Exit(1)
	}
	srv2, err := flightserver.NewServer(resolved.Server2, registry)
	if err != nil {
		srv1.Shutdown()
		slog.Error("Failed to create server2", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutting down...")
		srv1.Shutdown()
		srv2.Shutdown()
	}()

	errs := serveBoth(srv1, srv2)
	for _, err := range errs {
		slog.Error("Server error", "error", err)
	}
	if len(errs) > 0 {
		os.Exit(1)
	}
}

// serveBoth serves both servers until they stop. A failure on either side
// shuts down the other, so a startup error such as a port already in use does
// not leave a half-running pair behind.
func serveBoth(srv1, srv2 *flightserver.Server) []error {
	var wg sync.WaitGroup
	var stopOnce sync.Once
	errCh := make(chan error, 2)
	for _, srv := range []*flightserver.Server{srv1, srv2} {
		wg.Add(1)
		go func(s *flightserver.Server) {
			defer wg.Done()
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
				stopOnce.Do(func() {
					srv1.Shutdown()
					srv2.Shutdown()
				})
			}
		}(srv)
	}

	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}
