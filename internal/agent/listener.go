package agent

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/remote"
	"go.uber.org/zap"
)

// listenForChanges keeps a change stream open while online and turns each server-side write
// into a sync of the affected collection. The stream is reopened after reconnectDelay whenever
// it ends.
func (a *Agent) listenForChanges(ctx context.Context) {
	for {
		if a.monitor.Online() {
			a.consumeStream(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.reconnectDelay):
		}
	}
}

func (a *Agent) consumeStream(ctx context.Context) {
	events, err := a.client.Subscribe(ctx)
	if err != nil {
		if remote.IsConnectivity(err) {
			a.monitor.Kick()
		}
		a.logger.Debug("change stream unavailable", zap.Error(err))
		return
	}
	a.logger.Info("change stream connected")
	for event := range events {
		name, err := records.ParseCollection(event.Payload.Collection)
		if err != nil {
			a.logger.Debug("ignoring change for unknown collection", zap.String("collection", event.Payload.Collection))
			continue
		}
		a.scheduler.Trigger(name)
	}
	if ctx.Err() == nil {
		a.logger.Info("change stream closed")
	}
}
