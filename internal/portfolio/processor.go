package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically re-prices every portfolio's holdings against the
// stock catalog. Order placement never does this itself.
type Processor struct {
	service  *Service
	interval time.Duration // Time between revaluation passes
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		service:  service,
		interval: interval,
	}
}

// Start runs the revaluation loop until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "revaluation_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting revaluation processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down revaluation processor")
			return
		case <-ticker.C:
			if _, err := p.RevalueAll(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to revalue portfolios")
			}
		}
	}
}

// RevalueAll re-prices every portfolio once and returns how many changed.
// A portfolio that is modified concurrently is skipped until the next pass.
func (p *Processor) RevalueAll(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "revaluation_processor").Logger()

	prices, err := p.service.catalog.Prices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load prices: %w", err)
	}

	userIDs, err := p.service.db.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list portfolios: %w", err)
	}

	revalued := 0
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return revalued, ctx.Err()
		}

		changed, err := p.service.Revalue(ctx, userID, prices)
		switch {
		case errors.Is(err, errStaleVersion):
			logger.Warn().
				Str("user_id", userID).
				Msg("portfolio changed during revaluation, skipping until next pass")
		case err != nil:
			logger.Error().
				Err(err).
				Str("user_id", userID).
				Msg("failed to revalue portfolio")
		case changed:
			revalued++
		}
	}

	logger.Info().
		Int("portfolios", len(userIDs)).
		Int("revalued", revalued).
		Msg("revaluation pass complete")
	return revalued, nil
}
