package health

import (
	"context"
	"time"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
)

// Source exposes the load outcome of each artifact slot.
type Source interface {
	Statuses() []artifact.SlotStatus
	Available() bool
}

// Report aggregates readiness across artifact slots.
type Report struct {
	Status    string                `json:"status"`
	CheckedAt time.Time             `json:"checkedAt"`
	Artifacts []artifact.SlotStatus `json:"artifacts"`
}

// Ready reports whether the service can answer predictions.
func (r Report) Ready() bool {
	return r.Status == "ready"
}

// Checker evaluates readiness of the loaded artifacts.
type Checker struct {
	source Source
	now    func() time.Time
}

// NewChecker returns a checker over the given artifact source.
func NewChecker(source Source) *Checker {
	return &Checker{
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Readiness inspects every slot and returns an aggregated report. The bundle
// never changes after load, so the context only bounds the call.
func (c *Checker) Readiness(ctx context.Context) Report {
	if c == nil || c.source == nil {
		return Report{Status: "degraded", CheckedAt: time.Now().UTC()}
	}

	report := Report{Status: "ready", CheckedAt: c.now()}

	if err := ctx.Err(); err != nil {
		report.Status = "degraded"
		return report
	}

	report.Artifacts = c.source.Statuses()
	if !c.source.Available() {
		report.Status = "degraded"
		return report
	}
	for _, st := range report.Artifacts {
		if !st.Loaded {
			report.Status = "degraded"
			break
		}
	}

	return report
}
