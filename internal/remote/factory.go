package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend kinds accepted by New.
const (
	KindMongo = "mongo"
	KindREST  = "rest"
)

// Options selects and configures a backend.
type Options struct {
	Kind string

	// Mongo
	URI        string
	Database   string
	Collection string

	// REST
	URL    string
	APIKey string
	Table  string

	Timeout time.Duration
}

// New builds the configured client. It is called once at process start and
// the result is handed to the sync coordinator; there is no package-level
// client.
func New(ctx context.Context, opts Options, logger *slog.Logger) (Client, error) {
	switch opts.Kind {
	case KindMongo:
		return ConnectMongo(ctx, MongoOptions{
			URI:        opts.URI,
			Database:   opts.Database,
			Collection: opts.Collection,
			Timeout:    opts.Timeout,
		}, logger)
	case KindREST, "":
		return NewRESTClient(RESTOptions{
			BaseURL: opts.URL,
			APIKey:  opts.APIKey,
			Table:   opts.Table,
			Timeout: opts.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown remote kind %q (must be %s or %s)", opts.Kind, KindMongo, KindREST)
	}
}
