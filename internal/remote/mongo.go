package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/conectividade/fieldsync/internal/survey"
)

// ---- Abstractions for Testability ----

// Inserter is the part of *mongo.Collection the client uses.
type Inserter interface {
	InsertOne(
		ctx context.Context,
		document interface{},
		opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Session is the part of *mongo.Client the client uses.
type Session interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
}

// MongoOptions configures ConnectMongo.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	// Timeout bounds server selection and each insert.
	Timeout time.Duration
}

// MongoClient inserts surveys into a MongoDB collection.
type MongoClient struct {
	coll    Inserter
	session Session
	timeout time.Duration
	logger  *slog.Logger
}

// NewMongoClient creates a MongoClient over an existing collection and session.
func NewMongoClient(coll Inserter, session Session, timeout time.Duration, logger *slog.Logger) *MongoClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoClient{
		coll:    coll,
		session: session,
		timeout: timeout,
		logger:  logger,
	}
}

// ConnectMongo creates a client for the configured deployment.
//
// No round trip is made here: the device is often offline at start-up and
// the driver connects lazily. Use Ping to check reachability.
func ConnectMongo(ctx context.Context, opts MongoOptions, logger *slog.Logger) (*MongoClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if opts.Database == "" || opts.Collection == "" {
		return nil, fmt.Errorf("mongo database and collection are required")
	}

	logger.DebugContext(ctx, "Configuring MongoDB client",
		"database", opts.Database, "collection", opts.Collection)

	clientOptions := options.Client().ApplyURI(opts.URI)
	if opts.Timeout > 0 {
		clientOptions.SetServerSelectionTimeout(opts.Timeout)
		clientOptions.SetConnectTimeout(opts.Timeout)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	coll := client.Database(opts.Database).Collection(opts.Collection)
	return NewMongoClient(coll, client, opts.Timeout, logger), nil
}

// Submit inserts the payload as one document. The generated _id is the
// remote id.
func (c *MongoClient) Submit(ctx context.Context, payload *survey.Payload) (Ack, error) {
	if payload == nil {
		return Ack{}, &DeliveryError{Reason: "empty payload"}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result, err := c.coll.InsertOne(ctx, payload)
	if err != nil {
		return Ack{}, &DeliveryError{Reason: mongoReason(err), Err: err}
	}

	return Ack{RemoteID: insertedID(result)}, nil
}

// Ping checks the primary is reachable.
func (c *MongoClient) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.session.Ping(ctx, readpref.Primary()); err != nil {
		return &DeliveryError{Reason: "ping failed", Err: err}
	}
	return nil
}

// Close disconnects from the deployment.
func (c *MongoClient) Close(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	if err := c.session.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

func (c *MongoClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func insertedID(result *mongo.InsertOneResult) string {
	if result == nil || result.InsertedID == nil {
		return ""
	}
	switch id := result.InsertedID.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

func mongoReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return "network timeout"
	case mongo.IsNetworkError(err):
		return "network error"
	case mongo.IsDuplicateKeyError(err):
		return "duplicate key"
	default:
		return "insert rejected"
	}
}
