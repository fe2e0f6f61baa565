// Package proofs keeps a per-agent ledger of Keccak-256 digests over agent
// results. A digest can later be checked against the data it was computed
// from. Records may optionally be signed with a secp256k1 key.
package proofs
