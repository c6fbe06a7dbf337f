// Command operator runs one darkbatch settlement operator.
//
// Operators do the committee's work: scan the ledger for finalized batches,
// decrypt intent amounts through the threshold service, compute the matched
// and netted settlement, attest to its canonical hash, and publish once
// enough distinct committee signatures accumulate.
//
// The operator fetches the authoritative engine configuration from the
// registry so the whole committee batches identically; there is no local
// engine config flag on purpose.
//
// # Registration
//
// On startup the operator signs its registration record and submits it to
// the registry's admin endpoint, which requires --admin-token. Peers are
// discovered from the roster on a refresh loop.
//
// # Usage
//
//	go run ./cmd/operator --addr=:8082 \
//	    --registry=http://localhost:8080 --admin-token=admin:secret \
//	    --ledger=http://localhost:8081
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilfi/darkbatch/cmd/common"
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/services"
)

func main() {
	var (
		addr          = flag.String("addr", ":8082", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address (empty disables)")
		registryURL   = flag.String("registry", "", "Registry URL (required)")
		ledgerURL     = flag.String("ledger", "", "Ledger API base URL, usually the gateway (required)")
		adminToken    = flag.String("admin-token", "", "Registry admin token for registration (user:pass)")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		jsonLogs      = flag.Bool("log-json", false, "Log in JSON format")
		debug         = flag.Bool("log-debug", false, "Log debug messages")
	)
	flag.Parse()

	if *registryURL == "" || *ledgerURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --registry and --ledger are required")
		os.Exit(1)
	}

	log := common.NewLogger("darkbatch-operator", *jsonLogs, *debug)

	signingKey, err := common.LoadOrGenerateSigningKey(*signingKeyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Signing key error: %v\n", err)
		os.Exit(1)
	}

	engineConfig, err := common.FetchEngineConfig(*registryURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching engine config: %v\n", err)
		os.Exit(1)
	}

	l := ledger.NewHTTPClient(*ledgerURL)
	cdc := codec.New(codec.NewHTTPThresholdClient(*ledgerURL))

	op, err := services.NewOperator(log, &services.ServiceConfig{
		EngineConfig: engineConfig,
		ServiceType:  services.OperatorService,
		HTTPAddr:     *addr,
		MetricsAddr:  *metricsAddr,
		RegistryURL:  *registryURL,
		LedgerURL:    *ledgerURL,
		AdminToken:   *adminToken,
	}, l, cdc, signingKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating operator: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Operator ID: %s\n", op.Engine().OperatorID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := op.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting operator: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	op.Stop()
}
