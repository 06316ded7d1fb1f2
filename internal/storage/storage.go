// Package storage provides the persistent key/value store used by the
// engine for scheduled triggers and snoozed tabs.
package storage

// KV is a minimal byte-oriented key/value store. Get reports whether the
// key was present; a missing key is not an error.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}
