package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "github.com/lib/pq"

	"github.com/dgduncan/go-offline-sync/connectivity"
	"github.com/dgduncan/go-offline-sync/internal/config"
	"github.com/dgduncan/go-offline-sync/stores"
	"github.com/dgduncan/go-offline-sync/stores/badger"
	"github.com/dgduncan/go-offline-sync/stores/dynamodb"
	"github.com/dgduncan/go-offline-sync/stores/memory"
	"github.com/dgduncan/go-offline-sync/stores/postgres"
	"github.com/dgduncan/go-offline-sync/stores/sqlite"
)

// openStore opens the configured backend. The returned function releases it.
func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, func() error, error) {
	noop := func() error { return nil }
	quota := int(cfg.Quota)

	switch cfg.Type {
	case "memory":
		return memory.NewWithQuota(quota), noop, nil

	case "badger":
		s, err := badger.Open(badger.Config{Path: cfg.Path, MaxBytes: quota})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "sqlite":
		s, err := sqlite.Open(sqlite.Config{Path: cfg.Path, MaxBytes: quota})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		s, err := postgres.New(ctx, db, &postgres.Config{MaxValueBytes: quota})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})

		// DynamoDB Local starts empty
		if cfg.Endpoint != "" {
			var inUse *types.ResourceInUseException
			if err := dynamodb.CreateTable(ctx, client, cfg.Table); err != nil && !errors.As(err, &inUse) {
				return nil, nil, fmt.Errorf("failed to create table: %w", err)
			}
		}

		s, err := dynamodb.New(ctx, client, &dynamodb.Config{Table: cfg.Table, MaxValueBytes: quota})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	default:
		return nil, nil, stores.ValidationError{Reason: "unknown store type " + cfg.Type}
	}
}

// signals builds the connectivity signals. With interface detection on, the
// interfaces are primary and the upstream probe confirms reachability;
// otherwise the probe alone decides.
func signals(cfg *config.Config) (primary, secondary connectivity.Signal) {
	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Upstream
	}

	probe := &connectivity.Probe{
		URL:      probeURL,
		Interval: cfg.Connectivity.ProbeInterval,
		Timeout:  cfg.Connectivity.ProbeTimeout,
	}

	if cfg.Connectivity.Interfaces {
		return &connectivity.Interfaces{Interval: cfg.Connectivity.InterfacesInterval}, probe
	}
	return probe, nil
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
