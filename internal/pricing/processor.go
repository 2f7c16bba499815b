package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor runs the dynamic pricing batch on a fixed schedule. Each cycle
// is idempotent per order: a re-run after the first has applied its changes
// finds nothing left to update.
type Processor struct {
	service      *Service
	processDelay time.Duration // Time between pricing batch runs
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		processDelay: 5 * time.Minute, // Configurable processing interval
	}
}

// Start begins the pricing batch loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "pricing_processor").Logger()
	logger.Info().Msg("starting dynamic pricing processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down dynamic pricing processor")
			return
		case <-ticker.C:
			result, err := p.service.ProcessAllDynamicPricingUpdates()
			if err != nil {
				logger.Error().Err(err).Msg("dynamic pricing batch failed")
				continue
			}
			logger.Info().
				Int("orders_processed", result.TotalOrdersProcessed).
				Int("orders_updated", result.OrdersUpdated).
				Msg("dynamic pricing batch run complete")
		}
	}
}
