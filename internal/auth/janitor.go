package auth

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"devsuite/internal/logging"
)

// StartJanitor schedules PurgeExpired on the given cron spec. The returned
// function stops the schedule and waits for a running purge to finish.
func (s *Service) StartJanitor(spec string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.PurgeExpired(context.Background())
		log := logging.Base()
		if err != nil {
			log.Error().Err(err).Msg("token purge failed")
			return
		}
		if n > 0 {
			log.Info().Int64("removed", n).Msg("purged expired tokens")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule token purge %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
