// Package signer provides the token signing capability used by the issuer
// and by bearer-token authentication.
//
// The JWT implementation accepts exactly one algorithm per instance. The
// algorithm named in an incoming token header is never trusted: tokens signed
// with any other algorithm, including "none", fail verification with
// ErrInvalidToken.
//
//	s, err := signer.NewJWT(signer.Config{
//	    Algorithm: signer.AlgHS256,
//	    Secret:    secret,
//	    Issuer:    "https://auth.example.com",
//	})
package signer
