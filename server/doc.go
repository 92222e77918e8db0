// Package server implements the OAuth 2.1 grant engine.
//
// The Server validates authorization and token requests against the client
// registry, the authorization code store and the token store, mints token
// sets through an issuer.Issuer, and persists the result. It is a library;
// the HTTP surface lives in the root package.
//
// Supported grants:
//   - authorization_code with PKCE (S256; plain only when AllowPKCEPlain is set)
//   - refresh_token with OAuth 2.1 rotation and family-wide reuse detection
//   - client_credentials for confidential clients
//
// Concurrent requests for the same code or refresh token are serialized by
// the storage layer: RedeemAuthorizationCode and RotateRefreshToken let at
// most one caller succeed. The loser receives invalid_grant.
//
// Every error returned by the Server is an *OAuthError carrying the RFC 6749
// error code and the HTTP status to respond with.
//
// Example usage:
//
//	store := memory.New()
//	sig, _ := signer.NewJWT(signer.Config{Secret: secret, Issuer: "https://auth.example.com"})
//	iss, _ := issuer.New(sig, issuer.Config{AccessTokenTTL: 3600})
//
//	srv, err := server.New(store, iss, &server.Config{
//	    Issuer:      "https://auth.example.com",
//	    RequirePKCE: true,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := srv.Token(ctx, server.TokenRequest{
//	    GrantType:    server.GrantTypeAuthorizationCode,
//	    ClientID:     "my-client",
//	    Code:         code,
//	    RedirectURI:  "https://app.example.com/callback",
//	    CodeVerifier: verifier,
//	})
package server
