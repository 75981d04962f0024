package circuitbreaker

import "time"

// SetClock replaces the engine clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.now = now
}
