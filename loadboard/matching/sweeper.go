package matching

import (
	"context"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/notify"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
)

// ExpireOverdue expires every pending negotiation past its deadline and tells
// the carriers involved. Reads expire lazily as well, so this only keeps
// listings and notifications timely.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	expired, repoErr := s.repo.ExpireOverdue(ctx)
	s.publishExpired(ctx, expired)
	if repoErr != nil {
		return len(expired), repoErr
	}
	return len(expired), nil
}

func (s *Service) publishExpired(ctx context.Context, expired []models.Negotiation) {
	for i := range expired {
		n := &expired[i]
		s.publish(ctx, eventFor(notify.NegotiationExpired, n, n.CarrierID, nil))
	}
}

// RunExpirySweeper calls ExpireOverdue every interval until ctx is done
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval.String()).Info("Expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.ExpireOverdue(ctx)
			if err != nil {
				s.logger.WithError(err).Error("Expiry sweep failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("expired", n).Info("Expired overdue negotiations")
			}
		}
	}
}
