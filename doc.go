// Package oauth is the net/http surface of the grant engine.
//
// Handler exposes the authorization, token, revocation (RFC 7009),
// introspection (RFC 7662) and metadata (RFC 8414) endpoints on top of a
// server.Server. Authenticate and ValidateToken are middleware for resource
// servers that accept the issued Bearer access tokens.
//
//	handler := oauth.NewHandler(srv, oauth.Config{})
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//	mux.Handle("/api/", handler.ValidateToken(apiHandler))
package oauth
