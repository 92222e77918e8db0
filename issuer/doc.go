// Package issuer mints access, refresh, and ID tokens for a validated grant.
//
// Issue is a pure function of its Grant and the configured signer: the caller
// supplies the clock reading and token identifiers, and the result carries the
// storage.Token record the caller persists.
package issuer
