// Package util provides small helpers shared across the grant engine packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - ParseScope / JoinScope / IsScopeSubset: space-delimited scope handling
package util
