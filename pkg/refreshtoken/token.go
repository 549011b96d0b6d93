// Package refreshtoken implements a refresh-token registry: a stateful
// service that issues, validates, rotates, revokes, and expires opaque
// refresh tokens backed by a Redis-compatible key-value store.
//
// The public entry point is Registry (registry.go). Everything else in
// this package — the backend adapter, the circuit breaker, the validator,
// the stats engine, the cleanup scheduler, and the event sink — is
// orchestrated by it and is not meant to be used standalone outside of
// tests.
package refreshtoken

import "time"

// TokenRecord is the only persisted entity in the registry.
type TokenRecord struct {
	Subject  string            `json:"subject"`
	DeviceID string            `json:"deviceId"`
	IssuedAt int64             `json:"issuedAt"` // epoch milliseconds
	Used     bool              `json:"used"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// CreateData is the caller-supplied payload for Save.
type CreateData struct {
	Subject  string
	DeviceID string
	Meta     map[string]string
}

// nowMillis returns the current time as epoch milliseconds, the unit
// TokenRecord.IssuedAt is stamped in.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
