// Package identity provides resolution of account identifiers (handles
// and DIDs) to identity metadata, with bi-directional verification of the
// handle/DID binding, and optional caching layers.
package identity
