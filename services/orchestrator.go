package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilfi/darkbatch/api/httpserver"
	"github.com/veilfi/darkbatch/batch"
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

// OrchestratorConfig describes a local deployment.
type OrchestratorConfig struct {
	NumOperators int
	BasePort     int

	// BlockInterval is the simulated chain's block time.
	BlockInterval time.Duration

	Engine     protocol.EngineConfig
	AdminToken string
}

// Orchestrator runs a complete darkbatch deployment in one process: the
// simulated ledger with its batch accumulator, the registry, the gateway
// and a committee of operators. Used by the demo command and as a reference
// for production wiring.
type Orchestrator struct {
	log    *slog.Logger
	config *OrchestratorConfig

	Mock      *ledger.MockLedger
	Threshold *codec.MockThresholdService

	registrySrv *httpserver.Server
	gateway     *Gateway
	operators   []*Operator

	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator for the given deployment shape.
func NewOrchestrator(log *slog.Logger, config *OrchestratorConfig) *Orchestrator {
	return &Orchestrator{log: log, config: config}
}

// RegistryURL returns the registry's base URL.
func (o *Orchestrator) RegistryURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", o.config.BasePort)
}

// GatewayURL returns the gateway's base URL.
func (o *Orchestrator) GatewayURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", o.config.BasePort+1)
}

// Start brings up all services and the block ticker.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	threshold, err := codec.NewMockThresholdService()
	if err != nil {
		return fmt.Errorf("creating threshold service: %w", err)
	}
	o.Threshold = threshold
	cdc := codec.New(threshold)

	o.Mock = ledger.NewMockLedger()
	acc := batch.NewAccumulator(o.log, batch.Config{
		IntervalBlocks: o.config.Engine.BatchIntervalBlocks,
		MaxIdleBlocks:  o.config.Engine.MaxIdleBlocks,
		MaxSize:        o.config.Engine.MaxBatchSize,
	}, o.Mock.Height, o.Mock.RecordFinalized)
	o.Mock.SetBatchManager(acc)

	if err := o.startRegistry(); err != nil {
		return err
	}
	if err := o.startGateway(cdc); err != nil {
		return err
	}
	if err := o.startOperators(ctx, cdc); err != nil {
		return err
	}

	go o.runBlockTicker(ctx)

	o.log.Info("deployment running",
		"registry", o.RegistryURL(),
		"gateway", o.GatewayURL(),
		"operators", o.config.NumOperators,
	)
	return nil
}

func (o *Orchestrator) startRegistry() error {
	registry, err := NewRegistry(o.log.With("service", "registry"), &o.config.Engine, NewInMemoryStore(), o.config.AdminToken)
	if err != nil {
		return err
	}

	o.registrySrv, err = httpserver.New(&httpserver.Config{
		ListenAddr:               fmt.Sprintf("127.0.0.1:%d", o.config.BasePort),
		Log:                      o.log.With("service", "registry"),
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, registry)
	if err != nil {
		return err
	}
	o.registrySrv.RunInBackground()
	return nil
}

func (o *Orchestrator) startGateway(cdc *codec.Codec) error {
	gw, err := NewGateway(o.log, &ServiceConfig{
		EngineConfig: &o.config.Engine,
		ServiceType:  GatewayService,
		HTTPAddr:     fmt.Sprintf("127.0.0.1:%d", o.config.BasePort+1),
		RegistryURL:  o.RegistryURL(),
		AdminToken:   o.config.AdminToken,
	}, o.Mock, cdc)
	if err != nil {
		return err
	}
	o.gateway = gw
	gw.ServeThreshold(o.Threshold)
	gw.Start()
	return nil
}

func (o *Orchestrator) startOperators(ctx context.Context, cdc *codec.Codec) error {
	committee := make([]crypto.OperatorID, 0, o.config.NumOperators)

	for i := 0; i < o.config.NumOperators; i++ {
		_, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}

		op, err := NewOperator(o.log, &ServiceConfig{
			EngineConfig: &o.config.Engine,
			ServiceType:  OperatorService,
			HTTPAddr:     fmt.Sprintf("127.0.0.1:%d", o.config.BasePort+2+i),
			RegistryURL:  o.RegistryURL(),
			LedgerURL:    o.GatewayURL(),
			AdminToken:   o.config.AdminToken,
		}, ledger.NewHTTPClient(o.GatewayURL()), cdc, priv)
		if err != nil {
			return fmt.Errorf("creating operator %d: %w", i, err)
		}

		if err := op.Start(ctx); err != nil {
			return fmt.Errorf("starting operator %d: %w", i, err)
		}
		o.operators = append(o.operators, op)
		committee = append(committee, op.Engine().OperatorID())
	}

	o.Mock.SetCommittee(committee)

	// make sure everyone sees the full roster right away
	for _, op := range o.operators {
		op.requestDiscovery()
	}
	return nil
}

func (o *Orchestrator) runBlockTicker(ctx context.Context) {
	ticker := time.NewTicker(o.config.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Mock.AdvanceBlocks(1)
		}
	}
}

// Stop shuts the deployment down.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	for _, op := range o.operators {
		op.Stop()
	}
	if o.gateway != nil {
		o.gateway.Stop()
	}
	if o.registrySrv != nil {
		o.registrySrv.Shutdown()
	}
}
