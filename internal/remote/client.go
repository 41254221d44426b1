// Package remote delivers survey payloads to the system of record.
//
// Two backends are provided: MongoClient inserts into a MongoDB collection
// and RESTClient posts to a PostgREST-style endpoint. Both report any
// rejection or transport problem as a *DeliveryError; callers are not
// expected to tell retryable causes apart.
package remote

import (
	"context"

	"github.com/conectividade/fieldsync/internal/survey"
)

// Ack is the remote system's acknowledgment of an insert.
type Ack struct {
	// RemoteID is the identifier assigned by the remote system.
	// Empty when the backend returns none.
	RemoteID string
}

// Client is the insert-only contract the sync pass consumes.
//
// Implementations must be safe for concurrent use and are constructed once
// at process start, then passed to whoever needs them.
type Client interface {
	// Submit sends one payload verbatim. A non-nil error means the record
	// was not accepted.
	Submit(ctx context.Context, payload *survey.Payload) (Ack, error)

	// Ping checks that the remote system is reachable.
	Ping(ctx context.Context) error

	// Close releases connections held by the client.
	Close(ctx context.Context) error
}
