// Command registry runs the darkbatch committee registry.
//
// The registry is the roster of settlement operators and the source of the
// shared engine configuration. Operators register through the authenticated
// admin API; peers and gateways read the roster and configuration from the
// public API.
//
// # Endpoints
//
// Public (no auth):
//   - GET /operators - List registered operators
//   - GET /config - Authoritative engine configuration
//
// Admin (basic auth when --admin-token set):
//   - POST /admin/operators - Register an operator
//   - DELETE /admin/operators/{operator_id} - Remove an operator
//
// # Persistence
//
// With --db-host set, the roster persists in PostgreSQL and survives
// restarts. Without it, an in-memory store is used.
//
// # Usage
//
//	go run ./cmd/registry --addr=:8080 --admin-token=admin:secret
//	go run ./cmd/registry --config=engine.yaml --db-host=localhost --db-user=darkbatch
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilfi/darkbatch/api/httpserver"
	"github.com/veilfi/darkbatch/cmd/common"
	"github.com/veilfi/darkbatch/services"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (empty disables)")
		configPath  = flag.String("config", "", "Path to YAML engine configuration")
		adminToken  = flag.String("admin-token", "", "Basic auth token for admin operations (user:pass)")
		jsonLogs    = flag.Bool("log-json", false, "Log in JSON format")
		debug       = flag.Bool("log-debug", false, "Log debug messages")

		dbHost     = flag.String("db-host", "", "PostgreSQL host (empty uses in-memory store)")
		dbPort     = flag.Int("db-port", 5432, "PostgreSQL port")
		dbUser     = flag.String("db-user", "darkbatch", "PostgreSQL user")
		dbPassword = flag.String("db-password", "", "PostgreSQL password")
		dbName     = flag.String("db-name", "darkbatch", "PostgreSQL database name")
		dbSSLMode  = flag.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	)
	flag.Parse()

	log := common.NewLogger("darkbatch-registry", *jsonLogs, *debug)

	engineConfig, err := common.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	var store services.RegistryStore
	if *dbHost != "" {
		store, err = services.NewPostgresStore(&services.PostgresConfig{
			Host:     *dbHost,
			Port:     *dbPort,
			User:     *dbUser,
			Password: *dbPassword,
			Database: *dbName,
			SSLMode:  *dbSSLMode,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to PostgreSQL: %v\n", err)
			os.Exit(1)
		}
		log.Info("using PostgreSQL roster store", "host", *dbHost, "database", *dbName)
	} else {
		store = services.NewInMemoryStore()
		log.Info("using in-memory roster store")
	}

	registry, err := services.NewRegistry(log, &engineConfig, store, *adminToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating registry: %v\n", err)
		os.Exit(1)
	}

	srv, err := httpserver.New(&httpserver.Config{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		Log:                      log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}

	srv.RunInBackground()
	log.Info("registry running", "addr", *addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	srv.Shutdown()
}
