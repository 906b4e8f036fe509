// Package crypto implements the cryptographic primitives used by the
// Tox DHT protocol layer.
//
// This package handles key generation, shared-secret precomputation,
// nonce generation, and authenticated encryption using the NaCl
// crypto_box construction through Go's x/crypto packages.
//
// All functions in this package are pure and safe for concurrent use;
// none of them block or perform I/O beyond reading the system's
// cryptographic random source.
package crypto
