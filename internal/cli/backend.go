package cli

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/fpang/socratic-discovery/internal/store"
	"github.com/rs/zerolog/log"
)

// BackendOptions selects where the session snapshot lives. The first option
// set wins, in field order; with none set the file backend is used.
type BackendOptions struct {
	Ephemeral   bool
	RedisURL    string
	DynamoTable string
	StateDir    string
}

// OpenBackend opens the selected snapshot backend. The returned close function
// releases its connections and is never nil.
func OpenBackend(ctx context.Context, opts BackendOptions) (store.Backend, string, func(), error) {
	noop := func() {}

	switch {
	case opts.Ephemeral:
		return store.NewMemoryBackend(), "in-process", noop, nil

	case opts.RedisURL != "":
		rdb, err := store.OpenRedis(ctx, opts.RedisURL)
		if err != nil {
			return nil, "", noop, err
		}
		closeFn := func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close Redis client")
			}
		}
		return store.NewRedisBackend(rdb, store.SnapshotTTL), rdb.Options().Addr, closeFn, nil

	case opts.DynamoTable != "":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, "", noop, fmt.Errorf("load AWS config: %w", err)
		}
		return store.NewDynamoBackend(dynamodb.NewFromConfig(cfg), opts.DynamoTable), opts.DynamoTable, noop, nil

	default:
		dir := opts.StateDir
		if dir == "" {
			dir = store.DefaultStateDir()
		}
		fb, err := store.NewFileBackend(dir)
		if err != nil {
			return nil, "", noop, err
		}
		return fb, fb.Dir(), noop, nil
	}
}
