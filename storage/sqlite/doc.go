// Package sqlite provides a storage.Storage implementation backed by SQLite
// through the pure-Go modernc.org/sqlite driver.
//
// The schema is embedded and applied on Open. Timestamps are stored as UTC
// milliseconds. Clients keep their list attributes as JSON text columns.
//
// Usage:
//
//	store, err := sqlite.Open("/var/lib/oauth/oauth.db")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
// Call PurgeExpired periodically to drop expired codes and dead token records.
package sqlite
