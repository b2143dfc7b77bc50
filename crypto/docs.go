/*
Package crypto provides the signing key abstraction used for DPoP proofs
and client authentication assertions: key generation, signing and
verification, and serialization to multibase and JSON Web Key (JWK)
formats.

Only the NIST P-256 / secp256r1 / ES256 curve is implemented. Signatures
are "compact" 64-byte (r, s) encodings with low-S normalization.

Key material has two projections: public-only ([PublicKey], safe to embed
in proof headers and JWKS documents) and full ([PrivateKeyExportable],
which includes secret material and must only cross the persistence
boundary). The full projection is deliberately excluded from String()
output and log formatting.
*/
package crypto
