// Command demo runs a complete local darkbatch deployment in one process:
// the registry, the gateway with its simulated chain, and a committee of
// settlement operators.
//
// With --scenario, the demo also submits two crossing swap intents through
// the gateway, finalizes the batch, and prints the published settlement.
// Without it, the deployment keeps running until interrupted so it can be
// driven externally:
//
//	curl -X POST http://localhost:9001/intents -d '{
//	  "submitter": "0x1111111111111111111111111111111111111111",
//	  "token_in":  "0x2222222222222222222222222222222222222222",
//	  "token_out": "0x3333333333333333333333333333333333333333",
//	  "amount": "1000", "pool_id": "demo"
//	}'
//
// # Usage
//
//	go run ./cmd/demo --operators=3 --scenario
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilfi/darkbatch/cmd/common"
	"github.com/veilfi/darkbatch/protocol"
	"github.com/veilfi/darkbatch/services"
)

func main() {
	var (
		numOperators  = flag.Int("operators", 3, "Number of settlement operators")
		basePort      = flag.Int("base-port", 9000, "First port; registry, gateway, operators follow")
		blockInterval = flag.Duration("block-interval", time.Second, "Simulated block time")
		adminToken    = flag.String("admin-token", "admin:demo", "Admin token shared by registry and gateway")
		scenario      = flag.Bool("scenario", false, "Run a scripted settlement and exit")
		jsonLogs      = flag.Bool("log-json", false, "Log in JSON format")
		debug         = flag.Bool("log-debug", false, "Log debug messages")
	)
	flag.Parse()

	log := common.NewLogger("darkbatch-demo", *jsonLogs, *debug)

	engineConfig := protocol.DefaultConfig()
	engineConfig.MinAttestations = min(*numOperators, 2)

	orch := services.NewOrchestrator(log, &services.OrchestratorConfig{
		NumOperators:  *numOperators,
		BasePort:      *basePort,
		BlockInterval: *blockInterval,
		Engine:        engineConfig,
		AdminToken:    *adminToken,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting deployment: %v\n", err)
		os.Exit(1)
	}
	defer orch.Stop()

	fmt.Printf("Registry: %s\n", orch.RegistryURL())
	fmt.Printf("Gateway:  %s\n", orch.GatewayURL())
	fmt.Printf("Operators: %d\n", *numOperators)

	if *scenario {
		if err := runScenario(orch, *adminToken); err != nil {
			fmt.Fprintf(os.Stderr, "Scenario failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

// runScenario submits two crossing intents, finalizes their batch through
// the admin API, and waits for the committee to publish the settlement.
func runScenario(orch *services.Orchestrator, adminToken string) error {
	const (
		alice  = "0x1111111111111111111111111111111111111111"
		bob    = "0x2222222222222222222222222222222222222222"
		tokenX = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		tokenY = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	)

	fmt.Println("\nSubmitting crossing intents: 1000 X->Y and 800 Y->X")
	if err := submitIntent(orch.GatewayURL(), alice, tokenX, tokenY, "1000"); err != nil {
		return err
	}
	if err := submitIntent(orch.GatewayURL(), bob, tokenY, tokenX, "800"); err != nil {
		return err
	}

	open, ok := orch.Mock.BatchManager().OpenBatch("demo")
	if !ok {
		return fmt.Errorf("no open batch after submissions")
	}
	fmt.Printf("Batch %s holds both intents; finalizing\n", open.ID)

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/admin/batches/%s/finalize", orch.GatewayURL(), open.ID), nil)
	if err != nil {
		return err
	}
	user, pass, _ := splitToken(adminToken)
	req.SetBasicAuth(user, pass)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin finalize returned %d", resp.StatusCode)
	}

	fmt.Println("Waiting for the committee to settle...")
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		var status services.BatchStatusResponse
		if err := getJSON(fmt.Sprintf("%s/batches/%s", orch.GatewayURL(), open.ID), &status); err != nil {
			return err
		}
		if status.Settlement != nil {
			fmt.Printf("\nSettled with %d committee signatures\n", status.Settlement.DistinctOperators())
			for _, tr := range status.Settlement.Transfers {
				fmt.Printf("  transfer: %s <-> %s, %s %s for %s %s\n",
					short(tr.UserA), short(tr.UserB), tr.AmountA, short(tr.TokenA), tr.AmountB, short(tr.TokenB))
			}
			for _, ns := range status.Settlement.NetSwaps {
				fmt.Printf("  net swap: %s %s -> %s\n", ns.NetAmount, short(ns.TokenIn), short(ns.TokenOut))
			}
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("settlement did not appear within 30s")
}

func submitIntent(gatewayURL, submitter, tokenIn, tokenOut, amount string) error {
	body, _ := json.Marshal(&services.SubmitIntentRequest{
		Submitter: submitter,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Amount:    amount,
		PoolID:    "demo",
	})
	resp, err := http.Post(gatewayURL+"/intents", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("intent submission returned %d", resp.StatusCode)
	}
	return nil
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func splitToken(token string) (user, pass string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			return token[:i], token[i+1:], true
		}
	}
	return token, "", false
}

func short(addr string) string {
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}
