package control

import (
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/telemetry"
)

// lock blocks until path is locked and returns the matching unlock.
func (c *Control) lock(path string, exclusive bool) (func(), error) {
	timer := telemetry.NewTimer()
	ok, err := c.locks.Lock(path, exclusive, true)
	c.tel.Metrics.RecordLockWait(exclusive, timer.Duration())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engine.NewLockError(path, nil)
	}
	return func() { c.locks.Unlock(path) }, nil
}
