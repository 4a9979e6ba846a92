package directory

import (
	"context"
	"errors"
	"time"
)

// Identity is the stable user key, independent of any single connection.
type Identity = string

var (
	ErrNotFound          = errors.New("identity not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Profile is the public slice of a user record the call flow needs.
type Profile struct {
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Gender   string `json:"gender"`
	Language string `json:"language"`
	Location string `json:"location"`
}

// CallRecord captures one completed call for the history UI. SessionID
// keys the record: recording the same session twice is a no-op.
type CallRecord struct {
	SessionID  string    `json:"session_id"`
	A          Identity  `json:"a"`
	B          Identity  `json:"b"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Store is the user directory the core consults but does not own.
//
// ApplyDelta is idempotent per (identity, ref): a delta that was already
// applied under the same ref is a no-op. Debits that would take the
// balance negative fail with ErrInsufficientFunds and leave it unchanged.
type Store interface {
	LookupByCredential(ctx context.Context, credential string) (Identity, error)
	Profile(ctx context.Context, id Identity) (Profile, error)
	Balance(ctx context.Context, id Identity) (int64, error)
	ApplyDelta(ctx context.Context, id Identity, delta int64, ref string) error
	RecordHistory(ctx context.Context, rec CallRecord) error
	Close() error
}
