// Package services contains the HTTP-facing components of darkbatch:
//
//   - Registry: the committee roster. Operators register their signing keys
//     and endpoints; everyone discovers peers and the shared engine
//     configuration from it.
//   - Gateway: the trader-facing API. It encrypts intent amounts, forwards
//     them to the ledger, and hosts the mock ledger for deployments without
//     a real chain.
//   - Operator: one committee member. It runs the settlement engine's
//     polling loops and exposes the attestation exchange endpoints.
//   - Orchestrator: wires a full local deployment of all of the above for
//     demos and end-to-end tests.
//
// Services embed the shared httpserver.Server and talk to each other with
// protocol.Signed messages over JSON/HTTP.
package services
