// Package identity holds the Classworks persistence records (accounts,
// devices, apps, app installs, auto-auth rules) and the stores that keep them.
//
// Two stores implement Store: MemoryStore for single-process deployments and
// tests, and PostgresStore over a caller-owned pgx pool.
package identity
