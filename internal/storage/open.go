package storage

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
)

// Drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverMongo     = "mongo"
	DriverFirestore = "firestore"
)

// Options selects and configures a Store driver
type Options struct {
	Driver string

	PostgresURL string

	MongoURI      string
	MongoDatabase string

	FirestoreProject         string
	FirestorePrefix          string
	FirestoreCredentialsFile string
}

// Open creates the Store named by opts.Driver
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.PostgresURL)
	case DriverMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
	case DriverFirestore:
		var clientOpts []option.ClientOption
		if opts.FirestoreCredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(opts.FirestoreCredentialsFile))
		}
		return NewFirestoreStore(ctx, opts.FirestoreProject, opts.FirestorePrefix, clientOpts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// ContextOptions configures the conversation context store
type ContextOptions struct {
	RedisURL string
	Prefix   string
	TTL      time.Duration
}

// OpenContext returns a redis-backed context store when a URL is configured, memory otherwise
func OpenContext(ctx context.Context, opts ContextOptions) (ContextStore, error) {
	if opts.RedisURL == "" {
		return NewMemoryContextStore(), nil
	}
	return NewRedisContextStore(ctx, opts.RedisURL, opts.Prefix, opts.TTL)
}
