package healthmon

import "time"

// AlertType enumerates the conditions the monitor watches.
type AlertType string

const (
	AlertHighLatency   AlertType = "HIGH_LATENCY"
	AlertHighErrorRate AlertType = "HIGH_ERROR_RATE"
	AlertLowQuality    AlertType = "LOW_CONNECTION_QUALITY"
	AlertOverload      AlertType = "SYSTEM_OVERLOAD"
)

// Severity tiers an alert by how far past its threshold the signal sits.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities so escalation checks can compare them.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Alert is one raised health condition on this node.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Severity multipliers. A signal that should stay LOW fires once it exceeds
// the threshold by these factors; a signal that should stay HIGH fires once
// it sinks below the threshold by the under factors.
var (
	overMultipliers  = [3]float64{1.2, 1.5, 2.0}
	underMultipliers = [3]float64{0.9, 0.8, 0.6}
	severityLadder   = [3]Severity{SeverityMedium, SeverityHigh, SeverityCritical}
)

// gradeOver classifies a signal where larger readings are worse. The second
// return is false while the signal is inside its healthy band.
func gradeOver(value, threshold float64) (Severity, bool) {
	if threshold <= 0 {
		return "", false
	}
	sev := Severity("")
	for i, mult := range overMultipliers {
		if value >= threshold*mult {
			sev = severityLadder[i]
		}
	}
	return sev, sev != ""
}

// gradeUnder classifies a signal where smaller readings are worse.
func gradeUnder(value, threshold float64) (Severity, bool) {
	if threshold <= 0 {
		return "", false
	}
	sev := Severity("")
	for i, mult := range underMultipliers {
		if value <= threshold*mult {
			sev = severityLadder[i]
		}
	}
	return sev, sev != ""
}

// emaAlpha weights the newest sample in the moving averages. 0.3 settles in a
// handful of samples without whipsawing on a single bad window.
const emaAlpha = 0.3

// ewma is an exponentially weighted moving average seeded by its first
// observation.
type ewma struct {
	value  float64
	primed bool
}

func (e *ewma) observe(sample float64) float64 {
	if !e.primed {
		e.value = sample
		e.primed = true
		return e.value
	}
	e.value = emaAlpha*sample + (1-emaAlpha)*e.value
	return e.value
}

// blendLoad folds CPU, memory pressure and reconnect churn into one score in
// [0,1]. CPU dominates; memory and churn tip borderline nodes over.
func blendLoad(cpuFrac, memFrac, churnFrac float64) float64 {
	return 0.5*clamp01(cpuFrac) + 0.3*clamp01(memFrac) + 0.2*clamp01(churnFrac)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
