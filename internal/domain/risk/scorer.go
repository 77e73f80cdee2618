package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/ehr/clinwatch/internal/domain/clinical"
)

// Scorer computes risk from a clinical snapshot. Implementations must be pure
// with respect to the snapshot: the same input yields the same Result.
type Scorer interface {
	Score(ctx context.Context, snap *clinical.Snapshot) (*Result, error)
}

// Factor is one weighted contribution to the threshold score. Value is
// normalised to [0, MaxValue] and the factor contributes Weight*Value/MaxValue.
type Factor struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	MaxValue float64 `json:"max_value"`
	Value    float64 `json:"value"`
}

func (f Factor) Contribution() float64 {
	if f.MaxValue <= 0 {
		return 0
	}
	v := math.Min(math.Max(f.Value, 0), f.MaxValue)
	return f.Weight * v / f.MaxValue
}

// PriorityBands maps a 0..100 score onto a Priority. A score at or above a
// band's lower bound takes that band.
type PriorityBands struct {
	Moderate float64
	High     float64
	Critical float64
}

var DefaultBands = PriorityBands{Moderate: 25, High: 50, Critical: 75}

func (b PriorityBands) For(score float64) Priority {
	switch {
	case score >= b.Critical:
		return PriorityCritical
	case score >= b.High:
		return PriorityHigh
	case score >= b.Moderate:
		return PriorityModerate
	default:
		return PriorityLow
	}
}

// ThresholdScorer is the built-in reference scorer: a weighted sum of
// kidney function, albuminuria, potassium, blood pressure and comorbidity
// factors. It is a reference model for running the engine end to end, not a
// validated clinical instrument.
type ThresholdScorer struct {
	Bands PriorityBands
}

func NewThresholdScorer() *ThresholdScorer {
	return &ThresholdScorer{Bands: DefaultBands}
}

func (s *ThresholdScorer) Score(_ context.Context, snap *clinical.Snapshot) (*Result, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	factors, alerts := s.Factors(snap)

	var score float64
	for _, f := range factors {
		score += f.Contribution()
	}
	score = math.Round(math.Min(score, 100)*100) / 100

	priority := s.Bands.For(score)
	// Severe hyperkalaemia is critical whatever the rest of the picture.
	for _, a := range alerts {
		if a.Severity == "critical" {
			priority = PriorityCritical
		}
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return &Result{Score: score, Priority: priority, Alerts: alerts}, nil
}

// Factors returns the weighted factors and the alerts for snap.
func (s *ThresholdScorer) Factors(snap *clinical.Snapshot) ([]Factor, []Alert) {
	var alerts []Alert

	kidney := Factor{Name: "Kidney function", Weight: 45, MaxValue: 5}
	if v, ok := snap.Lab(clinical.CodeEGFR); ok {
		kidney.Value = float64(StageIndex(v.Value))
		if v.Value < 15 {
			alerts = append(alerts, Alert{Code: "egfr-kidney-failure", Severity: "high",
				Message: fmt.Sprintf("eGFR %.0f mL/min/1.73m2 indicates kidney failure", v.Value)})
		}
	}

	albumin := Factor{Name: "Albuminuria", Weight: 20, MaxValue: 2}
	if v, ok := snap.Lab(clinical.CodeUACR); ok {
		switch {
		case v.Value > 300:
			albumin.Value = 2
			alerts = append(alerts, Alert{Code: "uacr-severe", Severity: "moderate",
				Message: fmt.Sprintf("UACR %.0f mg/g is severely increased", v.Value)})
		case v.Value >= 30:
			albumin.Value = 1
		}
	}

	potassium := Factor{Name: "Potassium", Weight: 15, MaxValue: 2}
	if v, ok := snap.Lab(clinical.CodePotassium); ok {
		switch {
		case v.Value >= 6.5:
			potassium.Value = 2
			alerts = append(alerts, Alert{Code: "potassium-critical", Severity: "critical",
				Message: fmt.Sprintf("potassium %.1f mmol/L", v.Value)})
		case v.Value >= 5.5:
			potassium.Value = 1
			alerts = append(alerts, Alert{Code: "potassium-high", Severity: "moderate",
				Message: fmt.Sprintf("potassium %.1f mmol/L", v.Value)})
		}
	}

	bp := Factor{Name: "Blood pressure", Weight: 10, MaxValue: 2}
	if v, ok := snap.Lab(clinical.CodeSystolicBP); ok {
		switch {
		case v.Value >= 160:
			bp.Value = 2
		case v.Value >= 140:
			bp.Value = 1
		}
	}

	comorbid := Factor{Name: "Comorbidities", Weight: 10, MaxValue: 3}
	for _, code := range []string{clinical.CondDiabetes, clinical.CondHypertension, clinical.CondHeartFailure} {
		if snap.HasCondition(code) {
			comorbid.Value++
		}
	}

	return []Factor{kidney, albumin, potassium, bp, comorbid}, alerts
}

// StageIndex maps an eGFR value onto 0 (G1, >= 90) through 5 (G5, < 15).
// G3 is split into G3a (index 2) and G3b (index 3).
func StageIndex(egfr float64) int {
	switch {
	case egfr >= 90:
		return 0
	case egfr >= 60:
		return 1
	case egfr >= 45:
		return 2
	case egfr >= 30:
		return 3
	case egfr >= 15:
		return 4
	default:
		return 5
	}
}
