package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samims/concierge/internal/storage"
)

type HealthService interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) error
}

type healthService struct {
	stores []storage.HealthCheckStorage
	logger *slog.Logger
}

// NewHealthService checks every given store on readiness. The counter store
// is deliberately absent: the rate limiter survives its outage.
func NewHealthService(logger *slog.Logger, stores ...storage.HealthCheckStorage) HealthService {
	l := logger.With("layer", "service", "component", "healthService")
	return &healthService{stores: stores, logger: l}
}

func (s *healthService) Liveness(_ context.Context) error {
	return nil
}

func (s *healthService) Readiness(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var errs []error
	for _, st := range s.stores {
		if err := st.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Readiness check failed", slog.Any("error", err))
		return err
	}
	return nil
}
