// Package app wires configuration into the services shared by the API and
// reconcile binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"metered-assistant/internal/config"
	"metered-assistant/internal/estimator"
	"metered-assistant/internal/integrations/openai"
	"metered-assistant/internal/integrations/paramstore"
	"metered-assistant/internal/lease"
	"metered-assistant/internal/ledger"
	"metered-assistant/internal/repository"
	"metered-assistant/internal/repository/sqlstore"
	"metered-assistant/internal/usecase"
)

// Store is everything the services need from a persistence backend. Both
// the DynamoDB repository and the libSQL store implement it.
type Store interface {
	ledger.Store
	usecase.ConversationDirectory
	usecase.IntentStore
	usecase.ReconcileStore
}

type App struct {
	Ledger     *ledger.Service
	Turns      *usecase.TurnService
	Reconciler *usecase.Reconciler

	closers []func() error
}

// NewLogger builds the root logger.
func NewLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger().Level(cfg.LogLevel())
}

func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	store, dynamo, err := a.openStore(ctx, cfg, awsCfg, log)
	if err != nil {
		return nil, err
	}
	locks, err := a.openLocker(ctx, cfg, dynamo, log)
	if err != nil {
		return nil, err
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithTTL(cfg.Params.CacheTTL))
	if err != nil {
		return nil, fmt.Errorf("app: create parameter store client: %w", err)
	}
	engine, err := openai.NewClient(params, cfg.Params.Prefix,
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.OpenAI.HTTPTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}
	runner, err := openai.NewRunner(engine, log,
		openai.WithPollInterval(cfg.Poll.Interval),
		openai.WithPollMaxWait(cfg.Poll.MaxWait),
		openai.WithPollMaxAttempts(cfg.Poll.MaxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create job runner: %w", err)
	}

	est, err := estimator.New(cfg.Billing.Model, cfg.Billing.CompletionTokens, cfg.Billing.Markup)
	if err != nil {
		return nil, fmt.Errorf("app: create estimator: %w", err)
	}
	a.Ledger, err = ledger.New(store, log)
	if err != nil {
		return nil, fmt.Errorf("app: create ledger: %w", err)
	}
	a.Turns, err = usecase.NewTurnService(usecase.TurnDeps{
		Conversations: store,
		Credits:       a.Ledger,
		Estimator:     est,
		Runner:        runner,
		Intents:       store,
		Locks:         locks,
	}, log,
		usecase.WithMaxContentLength(cfg.Turn.MaxContentLength),
		usecase.WithLeaseTTL(cfg.Lease.TTL),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create turn service: %w", err)
	}
	a.Reconciler, err = usecase.NewReconciler(store, engine, log,
		usecase.WithStaleAfter(cfg.Reconcile.StaleAfter),
		usecase.WithConcurrency(cfg.Reconcile.Concurrency),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create reconciler: %w", err)
	}

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("lease", cfg.Lease.Backend).
		Str("model", est.Model()).
		Msg("services ready")
	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, log zerolog.Logger) (Store, *repository.Client, error) {
	switch cfg.Store.Backend {
	case config.StoreDynamoDB:
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("app: create DynamoDB repository: %w", err)
		}
		return client, client, nil
	case config.StoreSQLite:
		s, err := sqlstore.Open(ctx, cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, nil, fmt.Errorf("app: open sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *App) openLocker(ctx context.Context, cfg *config.Config, dynamo *repository.Client, log zerolog.Logger) (usecase.Locker, error) {
	switch cfg.Lease.Backend {
	case config.LeaseDynamoDB:
		if dynamo == nil {
			return nil, errors.New("app: dynamodb leases need the dynamodb store")
		}
		return dynamo, nil
	case config.LeaseRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: 5 * time.Second,
		})
		a.closers = append(a.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("app: ping redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
		return lease.NewRedis(rdb)
	case config.LeaseMemory:
		return lease.NewMemory(), nil
	default:
		return nil, fmt.Errorf("app: unknown lease backend %q", cfg.Lease.Backend)
	}
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
