package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/tomasbasham/eoa/internal/compute"
	"github.com/tomasbasham/eoa/internal/config"
	"github.com/tomasbasham/eoa/internal/cycle"
	"github.com/tomasbasham/eoa/internal/ledger"
	"github.com/tomasbasham/eoa/internal/ledger/postgres"
	"github.com/tomasbasham/eoa/internal/ledger/sqlite"
	"github.com/tomasbasham/eoa/internal/logging"
	"github.com/tomasbasham/eoa/internal/storage"
)

// backends are the process-wide dependencies every command draws on.
type backends struct {
	cfg     *config.Config
	logger  *slog.Logger
	objects storage.Store
	ledger  *ledger.Ledger
	trigger *compute.Trigger

	closers []func() error
}

// load reads configuration from the environment, builds the logger writing
// to errOut and opens every backend the configuration selects.
func load(ctx context.Context, errOut io.Writer) (*backends, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	b := &backends{cfg: cfg, logger: logger}
	if err := b.open(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) open(ctx context.Context) error {
	objects, err := b.openObjects(ctx)
	if err != nil {
		return err
	}
	b.objects = objects

	table, err := b.openTable(ctx)
	if err != nil {
		return err
	}
	b.ledger = ledger.New(table, ledger.Options{
		Location: b.cfg.Location(),
		Logger:   b.logger,
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.Compute.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	b.trigger = compute.New(compute.Options{
		Workflows:    sfn.NewFromConfig(awsCfg),
		Functions:    lambda.NewFromConfig(awsCfg),
		Targets:      b.cfg.Targets(),
		PollInterval: b.cfg.Compute.PollInterval,
		Location:     b.cfg.Location(),
		Logger:       b.logger,
	})
	return nil
}

func (b *backends) openObjects(ctx context.Context) (storage.Store, error) {
	sc := b.cfg.Storage
	switch sc.Backend {
	case config.StorageGCS:
		s, err := storage.NewGCSStore(ctx, sc.Bucket, sc.SignedURLTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise GCS store: %w", err)
		}
		b.closers = append(b.closers, s.Close)
		return s, nil
	case config.StorageMinio:
		s, err := storage.NewMinioStore(ctx, storage.MinioOptions{
			Endpoint:     sc.Endpoint,
			AccessKey:    sc.AccessKey,
			SecretKey:    sc.SecretKey,
			Bucket:       sc.Bucket,
			Region:       sc.Region,
			UseSSL:       sc.UseSSL,
			SignedURLTTL: sc.SignedURLTTL,
			Logger:       b.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise S3 store: %w", err)
		}
		return s, nil
	}
	s, err := storage.NewLocalStore(sc.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise local store: %w", err)
	}
	return s, nil
}

func (b *backends) openTable(ctx context.Context) (ledger.Table, error) {
	lc := b.cfg.Ledger
	switch lc.Backend {
	case config.LedgerSQLite:
		t, err := sqlite.Open(lc.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, t.Close)
		return t, nil
	case config.LedgerPostgres:
		t, err := postgres.Open(ctx, lc.DatabaseURL, b.logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			t.Close()
			return nil
		})
		return t, nil
	}
	return ledger.NewMemoryTable(), nil
}

// sessions builds the upload orchestrators. Each job is started with the
// effective tunables as its payload.
func (b *backends) sessions() *cycle.Sessions {
	return cycle.NewSessions(cycle.Options{
		Store:        cycle.NewMemoryStore(),
		Objects:      b.objects,
		Trigger:      b.trigger,
		Payload:      b.payload,
		UploadStem:   b.cfg.UploadStem,
		ResultPrefix: b.cfg.ResultPrefix,
		Interval:     b.cfg.Compute.PollInterval,
		Display:      b.cfg.Location(),
		Logger:       b.logger,
	})
}

func (b *backends) payload(ctx context.Context) (map[string]any, error) {
	cfg, err := b.ledger.EffectiveConfig(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any(cfg), nil
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
