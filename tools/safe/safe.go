package safe

import (
	"CProject/logger"
)

// Go starts a goroutine that recovers from panics so background work
// (cache trims, fanout side effects) cannot crash the process.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
