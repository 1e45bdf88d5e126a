package metrics

import (
	"context"
	"fmt"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

// NewService returns a Recorder backed by SQLite, or a no-op recorder when
// metrics are disabled.
func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Metrics collection disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create metrics repository")
		return nil, err
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Metrics service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, sample *Sample) error {
	errFactory := errors.New()

	if sample == nil || sample.GPUID == "" {
		return errFactory.New(ErrInvalidMetrics)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(sample); err != nil {
			return errFactory.Wrap(ErrMetricsCollection, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, gpuID string, limit int) ([]Sample, error) {
	errFactory := errors.New()

	if gpuID == "" || limit <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("gpu %q, limit %d", gpuID, limit))
	}
	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrOperationTimeout, err)
	}

	samples, err := s.repo.Recent(gpuID, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageQuery, err)
	}

	return samples, nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopRecorder) Record(_ context.Context, _ *Sample) error {
	return nil
}

func (*noopRecorder) Recent(_ context.Context, _ string, _ int) ([]Sample, error) {
	return []Sample{}, nil
}

func (*noopRecorder) Close() error {
	return nil
}
