package aggregator

import (
	"context"
	"fmt"
	"time"

	"mcpfed/internal/events"
	"mcpfed/internal/registry"
	"mcpfed/pkg/logging"
)

// HealthResult is the outcome of one probe.
type HealthResult struct {
	ServerID            string
	Healthy             bool
	ConsecutiveFailures int
	Reason              string
	CheckedAt           time.Time
}

// HealthCheck probes one server. A healthy probe resets the failure
// counter; an unhealthy one increments it, and at the demotion threshold
// a connected server is moved to degraded with a structured reason.
func (a *Aggregator) HealthCheck(ctx context.Context, id string) (*HealthResult, error) {
	record, err := a.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &HealthResult{ServerID: id, CheckedAt: time.Now()}

	if record.Status != registry.StatusConnected {
		result.Reason = fmt.Sprintf("server is %s", record.Status)
		a.mu.Lock()
		result.ConsecutiveFailures = a.healthFailures[id]
		a.mu.Unlock()
		return result, nil
	}

	if a.sessions.HealthCheck(ctx, id) {
		result.Healthy = true
		a.resetFailures(id)
		if _, err := a.registry.UpdateLastHealthCheck(ctx, id); err != nil {
			logging.Warn("Aggregator", "Recording health check for %s: %v", record.Name, err)
		}
		return result, nil
	}

	a.mu.Lock()
	a.healthFailures[id]++
	failures := a.healthFailures[id]
	a.mu.Unlock()

	result.ConsecutiveFailures = failures
	result.Reason = fmt.Sprintf("health probe failed (%d consecutive)", failures)

	if failures >= a.degradeThreshold {
		reason := fmt.Sprintf("%d consecutive failed health probes", failures)
		if _, err := a.registry.UpdateStatus(ctx, id, registry.StatusDegraded, reason); err != nil {
			logging.Warn("Aggregator", "Demoting %s to degraded: %v", record.Name, err)
		}
		if a.bus != nil {
			a.bus.Publish(events.Event{
				Reason:   events.ReasonServerDegraded,
				ServerID: id,
				Payload:  map[string]interface{}{"failures": failures},
			})
		}
		logging.Warn("Aggregator", "Server %s degraded after %d failed probes", record.Name, failures)
	}
	return result, nil
}

// HealthCheckAll probes every connected server, absorbing individual
// errors so one broken server cannot stop the sweep.
func (a *Aggregator) HealthCheckAll(ctx context.Context) []HealthResult {
	connected := registry.StatusConnected
	servers, err := a.registry.List(ctx, registry.ListFilter{Status: &connected, AllTenants: true})
	if err != nil {
		logging.Warn("Aggregator", "Health sweep list failed: %v", err)
		return nil
	}

	results := make([]HealthResult, 0, len(servers))
	for _, server := range servers {
		result, err := a.HealthCheck(ctx, server.ID)
		if err != nil {
			logging.Warn("Aggregator", "Health check for %s failed: %v", server.Name, err)
			continue
		}
		results = append(results, *result)
	}
	return results
}

// HealthMonitor is the handle for the background sweep loop.
type HealthMonitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (m *HealthMonitor) Stop() {
	m.cancel()
	<-m.done
}

// StartHealthMonitor launches the periodic sweep. The loop stops when the
// parent context is cancelled or Stop is called on the handle.
func (a *Aggregator) StartHealthMonitor(ctx context.Context) *HealthMonitor {
	loopCtx, cancel := context.WithCancel(ctx)
	monitor := &HealthMonitor{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(monitor.done)

		ticker := time.NewTicker(a.healthInterval)
		defer ticker.Stop()

		logging.Info("Aggregator", "Health monitor started (interval %s)", a.healthInterval)
		for {
			select {
			case <-ticker.C:
				a.HealthCheckAll(loopCtx)
			case <-loopCtx.Done():
				logging.Info("Aggregator", "Health monitor stopped")
				return
			}
		}
	}()
	return monitor
}

// ReconnectUnhealthy attempts a connect for every server in degraded or
// error state and reports per-server success.
func (a *Aggregator) ReconnectUnhealthy(ctx context.Context) map[string]bool {
	servers, err := a.registry.List(ctx, registry.ListFilter{AllTenants: true})
	if err != nil {
		logging.Warn("Aggregator", "Reconnect sweep list failed: %v", err)
		return nil
	}

	results := make(map[string]bool)
	for _, server := range servers {
		if server.Status != registry.StatusDegraded && server.Status != registry.StatusError {
			continue
		}
		_, err := a.ConnectServer(ctx, server.ID)
		results[server.ID] = err == nil
		if err != nil {
			logging.Warn("Aggregator", "Reconnect of %s failed: %v", server.Name, err)
			continue
		}
		if a.bus != nil {
			a.bus.Publish(events.Event{
				Reason:   events.ReasonServerRecovered,
				ServerID: server.ID,
			})
		}
	}
	return results
}
