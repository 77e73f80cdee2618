package diagnosis

import (
	"context"
	"encoding/json"
	"time"
)

// Recommendation is one item of a treatment protocol draft.
type Recommendation struct {
	Code      string `json:"code"`
	Category  string `json:"category"`
	Text      string `json:"text"`
	Rationale string `json:"rationale"`
}

// ProtocolBody is the structured recommendation set stored as protocol_body.
type ProtocolBody struct {
	Stage                    string           `json:"stage"`
	MarkerValue              *float64         `json:"marker_value,omitempty"`
	DamageValue              *float64         `json:"damage_value,omitempty"`
	DetectionTrigger         Trigger          `json:"detection_trigger"`
	MonitoringIntervalMonths int              `json:"monitoring_interval_months"`
	Recommendations          []Recommendation `json:"recommendations"`
	Narrative                string           `json:"narrative,omitempty"`
	GeneratedAt              time.Time        `json:"generated_at"`
}

// Narrator produces a free-text explanation of a protocol draft. It is an
// optional external collaborator; drafts are valid without a narrative.
type Narrator interface {
	Narrate(ctx context.Context, body *ProtocolBody) (string, error)
}

// DraftProtocol derives the recommendation set for a confirmed event.
// Output depends only on the event and criteria.
func DraftProtocol(ev *Event, c Criteria, at time.Time) *ProtocolBody {
	body := &ProtocolBody{
		Stage:            ev.StageAtDiagnosis,
		MarkerValue:      ev.MarkerValue,
		DamageValue:      ev.DamageValue,
		DetectionTrigger: ev.DetectionTrigger,
		GeneratedAt:      at.UTC(),
	}

	albuminuric := ev.DamageValue != nil && *ev.DamageValue > c.DamageThreshold
	severeAlbuminuria := ev.DamageValue != nil && *ev.DamageValue > 300

	switch ev.StageAtDiagnosis {
	case "G1", "G2":
		body.MonitoringIntervalMonths = 12
	case "G3a":
		body.MonitoringIntervalMonths = 6
	case "G3b":
		body.MonitoringIntervalMonths = 4
	default:
		body.MonitoringIntervalMonths = 3
	}
	if severeAlbuminuria && body.MonitoringIntervalMonths > 3 {
		body.MonitoringIntervalMonths = 3
	}

	add := func(code, category, text, rationale string) {
		body.Recommendations = append(body.Recommendations, Recommendation{
			Code: code, Category: category, Text: text, Rationale: rationale,
		})
	}

	add("bp-target", "lifestyle", "Target systolic blood pressure below 120 mmHg where tolerated",
		"Blood pressure control slows progression of kidney disease")
	add("nephrotoxin-review", "medication", "Review and avoid nephrotoxic medications including NSAIDs",
		"Reduced kidney function increases susceptibility to drug-induced injury")

	if albuminuric {
		add("raas-inhibitor", "medication", "Start an ACE inhibitor or ARB titrated to the maximum tolerated dose",
			"Albuminuria above threshold")
	}
	if ev.MarkerValue != nil && *ev.MarkerValue >= 20 {
		add("sglt2-inhibitor", "medication", "Start an SGLT2 inhibitor",
			"eGFR at or above 20 mL/min/1.73m2")
	}
	add("statin", "medication", "Start or continue moderate-intensity statin therapy",
		"Chronic kidney disease raises cardiovascular risk")

	switch ev.StageAtDiagnosis {
	case "G4", "G5":
		add("nephrology-referral", "referral", "Refer to nephrology",
			"eGFR below 30 mL/min/1.73m2")
	default:
		if severeAlbuminuria {
			add("nephrology-referral", "referral", "Refer to nephrology", "UACR above 300 mg/g")
		}
	}
	if ev.StageAtDiagnosis == "G5" {
		add("kidney-replacement-planning", "referral", "Begin planning for kidney replacement therapy",
			"eGFR below 15 mL/min/1.73m2")
	}

	add("lab-monitoring", "monitoring", "Repeat eGFR and UACR at the monitoring interval",
		"Track progression against the stage at diagnosis")
	return body
}

func (b *ProtocolBody) JSON() (json.RawMessage, error) {
	return json.Marshal(b)
}
