package diagnosis

import (
	"fmt"

	"github.com/ehr/clinwatch/internal/domain/risk"
)

// Criteria configures onset detection on a continuous function marker (eGFR)
// and a damage marker (urine albumin-to-creatinine ratio).
type Criteria struct {
	// Cutoff: marker values below it meet the criteria.
	Cutoff float64
	// BorderlineUpper: [Cutoff, BorderlineUpper) is the borderline band.
	BorderlineUpper float64
	// DamageThreshold: damage values above it count as evidence of damage.
	DamageThreshold float64
}

var DefaultCriteria = Criteria{Cutoff: 60, BorderlineUpper: 90, DamageThreshold: 30}

func (c Criteria) Validate() error {
	if c.Cutoff <= 0 || c.BorderlineUpper <= c.Cutoff || c.DamageThreshold <= 0 {
		return fmt.Errorf("invalid diagnosis criteria: cutoff=%v borderline_upper=%v damage_threshold=%v",
			c.Cutoff, c.BorderlineUpper, c.DamageThreshold)
	}
	return nil
}

// Evaluation is the outcome of Criteria.Evaluate.
type Evaluation struct {
	Met     bool    `json:"met"`
	Trigger Trigger `json:"trigger,omitempty"`
	AtRisk  bool    `json:"at_risk"`
	Stage   string  `json:"stage,omitempty"`
	Reason  string  `json:"reason"`
}

// Evaluate applies the onset guard to the newest history entry and the entry
// before it. The previous reading comes from history ordered by assessment
// time, never from event arrival order.
//
//	(a) marker below cutoff
//	(b) marker in the borderline band and damage above threshold
//	(c) marker previously at or above cutoff and now below it
//
// (c) and a first-ever reading below cutoff classify as threshold-cross;
// (a) with the previous reading also below cutoff, and (b), classify as
// persistent-marker.
func (c Criteria) Evaluate(current, previous *risk.HistoryEntry) Evaluation {
	if current == nil || current.MarkerValue == nil {
		ev := Evaluation{Reason: "no marker reading"}
		if current != nil {
			ev.AtRisk = current.Priority.Elevated() || c.damaged(current)
		}
		return ev
	}

	m := *current.MarkerValue
	ev := Evaluation{Stage: Stage(m)}

	var prev *float64
	if previous != nil {
		prev = previous.MarkerValue
	}

	switch {
	case m < c.Cutoff && prev != nil && *prev >= c.Cutoff:
		ev.Met, ev.Trigger = true, TriggerThresholdCross
		ev.Reason = fmt.Sprintf("marker fell from %.1f to %.1f, below cutoff %.0f", *prev, m, c.Cutoff)
	case m < c.Cutoff && prev == nil:
		ev.Met, ev.Trigger = true, TriggerThresholdCross
		ev.Reason = fmt.Sprintf("first marker reading %.1f is below cutoff %.0f", m, c.Cutoff)
	case m < c.Cutoff:
		ev.Met, ev.Trigger = true, TriggerPersistentMarker
		ev.Reason = fmt.Sprintf("marker %.1f remains below cutoff %.0f", m, c.Cutoff)
	case c.borderline(m) && c.damaged(current):
		ev.Met, ev.Trigger = true, TriggerPersistentMarker
		ev.Reason = fmt.Sprintf("borderline marker %.1f with damage marker %.1f above %.0f",
			m, *current.DamageValue, c.DamageThreshold)
	default:
		ev.AtRisk = c.borderline(m) || c.damaged(current) || current.Priority.Elevated()
		ev.Reason = "criteria not met"
	}
	return ev
}

func (c Criteria) borderline(m float64) bool {
	return m >= c.Cutoff && m < c.BorderlineUpper
}

func (c Criteria) damaged(e *risk.HistoryEntry) bool {
	return e.DamageValue != nil && *e.DamageValue > c.DamageThreshold
}

// Stage returns the KDIGO GFR category for an eGFR value.
func Stage(egfr float64) string {
	return [...]string{"G1", "G2", "G3a", "G3b", "G4", "G5"}[risk.StageIndex(egfr)]
}
