// Package cmd provides the darkbatch service binaries.
//
// # Commands
//
// registry: Committee roster and configuration distribution. Operators
// register through the authenticated admin API; everyone reads the roster
// and the shared engine configuration from the public API.
//
//	go run ./cmd/registry --addr=:8080 --admin-token=admin:secret
//	go run ./cmd/registry --postgres="postgres://darkbatch@localhost/darkbatch?sslmode=disable"
//
// gateway: Trader-facing entry point. Encrypts intent amounts on arrival
// and hosts the ledger and threshold APIs the operators consume, so a full
// deployment runs without a real chain.
//
//	go run ./cmd/gateway --addr=:8081 --block-interval=2s
//
// operator: One committee member. Scans the ledger for finalized batches,
// decrypts and matches intents, exchanges attestations with peers, and
// publishes settlements once quorum is reached.
//
//	go run ./cmd/operator --registry=http://localhost:8080 --ledger=http://localhost:8081
//
// demo: Runs a complete local deployment (registry, gateway, N operators)
// in one process with a simulated block clock.
//
//	go run ./cmd/demo --operators=3
//
// # Configuration
//
// The registry and gateway accept a YAML engine configuration via --config;
// flags override file values. Operators never take an engine config: they
// fetch the authoritative one from the registry so the whole committee
// batches identically.
package cmd
