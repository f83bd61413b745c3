package subscription

import (
	"context"
	"time"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
)

// Renewer periodically extends provider watches that are about to expire.
type Renewer struct {
	service  *Service
	interval time.Duration
	before   time.Duration
	now      func() time.Time
	logger   logger.Logger
}

func NewRenewer(service *Service, interval, before time.Duration, log logger.Logger) *Renewer {
	if interval <= 0 {
		interval = constants.DefaultRenewalInterval
	}
	if before <= 0 {
		before = constants.DefaultRenewalBefore
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Renewer{service: service, interval: interval, before: before, now: time.Now, logger: log}
}

// Run renews due watches until ctx is cancelled.
func (r *Renewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RenewDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RenewDue(ctx)
		}
	}
}

// RenewDue renews every watch expiring within the renewal window and
// reports how many succeeded. Failures are logged and retried next tick.
func (r *Renewer) RenewDue(ctx context.Context) int {
	subs, err := r.service.repo.ListExpiring(ctx, r.now().Add(r.before))
	if err != nil {
		r.logger.Errorw("Failed to list expiring watches", "error", err)
		return 0
	}

	renewed := 0
	for i := range subs {
		if ctx.Err() != nil {
			return renewed
		}
		sub := &subs[i]
		if err := r.service.renew(ctx, sub); err != nil {
			r.logger.Warnw("Watch renewal failed",
				"subscription_id", sub.ID,
				"provider", sub.Provider,
				"expires_at", sub.WatchExpiration,
				"error", err,
			)
			continue
		}
		renewed++
	}
	if renewed > 0 {
		r.logger.Infow("Renewed provider watches", "count", renewed)
	}
	return renewed
}
