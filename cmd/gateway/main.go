// Command gateway runs the darkbatch trader gateway.
//
// The gateway is the entry point for swap intents. Amounts are encrypted
// through the threshold service the moment they arrive, so cleartext values
// never reach storage. The gateway also hosts the ledger and threshold APIs
// that operators consume, backed by an in-process mock chain with a
// simulated block clock.
//
// # Endpoints
//
// Public (CORS enabled):
//   - POST /intents - Submit a swap intent
//   - GET /intents/{id} - Inspect a stored intent (encrypted amount only)
//   - GET /batches/{id} - Batch state, including the settlement once published
//
// Operator-facing:
//   - /ledger/* - Chain API (blocks, intents, batches, events, settlements)
//   - /threshold/* - Threshold encrypt/decrypt service
//
// Admin (basic auth when --admin-token set):
//   - POST /admin/batches/{id}/finalize - Force-finalize a batch
//
// # Usage
//
//	go run ./cmd/gateway --addr=:8081 --block-interval=2s --admin-token=admin:secret
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilfi/darkbatch/batch"
	"github.com/veilfi/darkbatch/cmd/common"
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/services"
)

func main() {
	var (
		addr          = flag.String("addr", ":8081", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address (empty disables)")
		configPath    = flag.String("config", "", "Path to YAML engine configuration")
		adminToken    = flag.String("admin-token", "", "Basic auth token for admin operations (user:pass)")
		blockInterval = flag.Duration("block-interval", 2*time.Second, "Simulated block time")
		jsonLogs      = flag.Bool("log-json", false, "Log in JSON format")
		debug         = flag.Bool("log-debug", false, "Log debug messages")
	)
	flag.Parse()

	log := common.NewLogger("darkbatch-gateway", *jsonLogs, *debug)

	engineConfig, err := common.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	threshold, err := codec.NewMockThresholdService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating threshold service: %v\n", err)
		os.Exit(1)
	}
	cdc := codec.New(threshold)

	mock := ledger.NewMockLedger()
	acc := batch.NewAccumulator(log, batch.Config{
		IntervalBlocks: engineConfig.BatchIntervalBlocks,
		MaxIdleBlocks:  engineConfig.MaxIdleBlocks,
		MaxSize:        engineConfig.MaxBatchSize,
	}, mock.Height, mock.RecordFinalized)
	mock.SetBatchManager(acc)

	gw, err := services.NewGateway(log, &services.ServiceConfig{
		EngineConfig: &engineConfig,
		ServiceType:  services.GatewayService,
		HTTPAddr:     *addr,
		MetricsAddr:  *metricsAddr,
		AdminToken:   *adminToken,
	}, mock, cdc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating gateway: %v\n", err)
		os.Exit(1)
	}
	gw.ServeThreshold(threshold)
	gw.Start()

	ticker := time.NewTicker(*blockInterval)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mock.AdvanceBlocks(1)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	close(done)
	gw.Stop()
}
