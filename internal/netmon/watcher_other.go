//go:build !linux && !darwin

package netmon

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type idleWatcher struct{}

// NewWatcher returns a watcher that never reports changes; the periodic
// connectivity check still runs.
func NewWatcher() Watcher {
	return idleWatcher{}
}

func (idleWatcher) Start(ctx context.Context, _ func(LinkEvent)) error {
	log.Debug("Link watching is not supported on this platform")
	<-ctx.Done()
	return nil
}
