// Package dmguard serializes device-mapper mutations within one process
// and recovers from panics in them: internal/synthetic's dmsetup
// create/remove calls race against each other the same way any
// concurrent dm-node provisioning does if two conversions run in one
// process at once.
package dmguard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Guard serializes access to device-mapper operations with a bounded
// semaphore and a panic-to-error boundary around each one.
type Guard struct {
	mu        sync.Mutex
	semaphore chan struct{}
	activeOps int
	logger    logrus.FieldLogger
}

// New returns a Guard allowing at most maxConcurrent dm operations at
// once. maxConcurrent <= 0 means fully serialized (one at a time).
func New(maxConcurrent int, logger logrus.FieldLogger) *Guard {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Guard{
		semaphore: make(chan struct{}, maxConcurrent),
		logger:    logger.WithField("component", "dmguard"),
	}
}

// Default serializes dm operations process-wide; internal/synthetic
// uses it so two concurrent conversions in one process don't step on
// each other's dmsetup create/remove calls.
var Default = New(1, nil)

// Do runs fn with a slot held and recovers any panic fn raises,
// converting it to an error instead of crashing the process mid-mutation
// (the same intent as RecoverableOperation, folded into one call since
// every caller here wants both).
func (g *Guard) Do(ctx context.Context, opName string, fn func() error) (err error) {
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("dmguard: context cancelled while waiting for a slot for %s: %w", opName, ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	active := g.activeOps
	g.mu.Unlock()
	g.logger.WithFields(logrus.Fields{"operation": opName, "active_ops": active}).Debug("dmguard: acquired slot")

	defer func() {
		g.mu.Lock()
		g.activeOps--
		g.mu.Unlock()
		<-g.semaphore

		if r := recover(); r != nil {
			g.logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(debug.Stack()),
			}).Error("dmguard: recovered from panic")
			err = fmt.Errorf("dmguard: panic in %s: %v", opName, r)
		}
	}()

	return fn()
}
