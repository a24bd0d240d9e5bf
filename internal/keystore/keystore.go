// Package keystore provides access to the provisioned API-key records the
// auth cache resolves identities from.
//
// Two backends are available:
//   - RedisStore  — shared across replicas, recommended for production.
//   - MemoryStore — in-process, seeded from configuration. For development
//     and tests.
package keystore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when no record exists for the key.
var ErrKeyNotFound = errors.New("keystore: key not found")

// Record is one provisioned API key.
type Record struct {
	ID     int64
	Name   string
	Active bool
}

// Store looks up provisioned API keys. Implementations must be safe for
// concurrent use.
type Store interface {
	LookupByKey(ctx context.Context, key string) (Record, error)
}
