// Package protocol provides the plumbing shared by the settlement engine's
// components: the Signed message wrapper that authenticates inter-operator
// traffic, the canonical settlement hash that attestations are made over,
// engine configuration, and the bounded backoff policy for transient
// failures at the ledger and decryption boundaries.
package protocol
