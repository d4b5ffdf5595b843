package registry

import (
	"time"

	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// ModelStatus projects one entry for readiness and status reporting.
func (e *Entry) ModelStatus() types.ModelStatus {
	ms := types.ModelStatus{
		ModelID:   e.Descriptor.ID,
		ModelName: e.Descriptor.Name,
		State:     string(e.State),
		Ready:     e.Ready(),
		Backend:   string(e.Descriptor.Backend),
		Device:    e.Descriptor.Device,
		Error:     e.Err,
	}
	if e.Descriptor.EmbeddingDim > 0 {
		ms.EmbeddingDim = e.Descriptor.EmbeddingDim
	}
	if !e.LoadedAt.IsZero() {
		ms.LoadedAtUnix = e.LoadedAt.Unix()
	}
	return ms
}

// ModelStatuses lists all entries in configured order.
func (c *Controller) ModelStatuses() []types.ModelStatus {
	entries := c.reg.List()
	out := make([]types.ModelStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ModelStatus())
	}
	return out
}

// ReadyStatus builds the /readyz payload.
func (c *Controller) ReadyStatus() types.ReadyResponse {
	return types.ReadyResponse{
		Ready:     c.Ready(),
		Models:    c.ModelStatuses(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Status builds the /status payload.
func (c *Controller) Status(version string) types.StatusResponse {
	models := c.ModelStatuses()
	return types.StatusResponse{
		State:          c.overallState(models),
		Version:        version,
		UptimeSeconds:  c.Uptime().Seconds(),
		ModelsReady:    c.reg.AllReady(),
		ModelCount:     len(models),
		Models:         models,
		ServerTimeUnix: time.Now().Unix(),
	}
}

// overallState folds per-model states into one service state. Draining and
// stopped win over everything, then any in-progress load, then failed.
func (c *Controller) overallState(models []types.ModelStatus) string {
	if c.draining.Load() {
		return string(StateDraining)
	}
	if len(models) == 0 {
		return string(StateFailed)
	}
	inProgress := false
	failed := false
	for _, m := range models {
		switch EntryState(m.State) {
		case StateStarting, StateLoading, StateWarming:
			inProgress = true
		case StateFailed:
			failed = true
		case StateStopped:
			return string(StateStopped)
		}
	}
	switch {
	case inProgress:
		return string(StateLoading)
	case failed:
		return string(StateFailed)
	default:
		return string(StateReady)
	}
}
