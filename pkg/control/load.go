package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/epm/pkg/engine"
)

// Load rebuilds the package cache from the channels' local state.
func (c *Control) Load(ctx context.Context) error {
	unlock, err := c.lock(c.cfg.DataDir, false)
	if err != nil {
		return err
	}
	defer unlock()

	return c.loadCache(ctx)
}

func (c *Control) loadCache(ctx context.Context) error {
	if err := c.cache.Load(ctx); err != nil {
		return err
	}

	counts := make(map[engine.BackendKind]int)
	for _, pkg := range c.cache.Installed() {
		counts[pkg.Backend]++
	}
	for _, kind := range []engine.BackendKind{engine.BackendArchive, engine.BackendDeb, engine.BackendRPM} {
		c.tel.Metrics.SetInstalledPackages(string(kind), counts[kind])
	}
	return nil
}

// Update refreshes every channel and reloads the cache. Channels that fail
// to refresh are reported together; the cache is only reloaded when every
// channel succeeded.
func (c *Control) Update(ctx context.Context) error {
	unlock, err := c.lock(c.cfg.DataDir, true)
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, ch := range c.channels {
		c.logger.Info().Str("channel", ch.Name()).Str("type", ch.Type()).Msg("Refreshing channel")
		if err := ch.Refresh(ctx, c.fetcher); err != nil {
			c.logger.Error().Err(err).Str("channel", ch.Name()).Msg("Channel refresh failed")
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := c.loadCache(ctx); err != nil {
		return err
	}
	_ = c.tel.Events.PublishChannelsUpdated(len(c.channels), len(c.cache.Packages()))
	return nil
}
