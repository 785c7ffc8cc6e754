package persona

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// UserTargetID is the relationship_matrix target representing the player.
const UserTargetID = "user"

type PercentMetric struct {
	Key      string  `json:"key"`
	Value    float64 `json:"value"`
	RawValue *int    `json:"rawValue,omitempty"`
	TargetID string  `json:"targetId,omitempty"`
}

type NarrativeFact struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	TargetID string `json:"targetId,omitempty"`
}

// Highlights is a UI-oriented digest of a runtime state.
type Highlights struct {
	PercentMetrics []PercentMetric `json:"percentMetrics"`
	NarrativeFacts []NarrativeFact `json:"narrativeFacts"`
}

// BuildHighlights summarises runtime into progress metrics and short facts.
// It returns nil when there is nothing worth showing.
func BuildHighlights(runtime *RuntimeState) *Highlights {
	if runtime == nil {
		return nil
	}
	h := &Highlights{PercentMetrics: []PercentMetric{}, NarrativeFacts: []NarrativeFact{}}

	if sm := runtime.StressMeter; sm != nil && sm.CurrentLevel != nil {
		h.PercentMetrics = append(h.PercentMetrics, PercentMetric{
			Key:   "stress_meter.current_level",
			Value: clampPercent(float64(*sm.CurrentLevel)),
		})
	}

	userRel, hasUser := runtime.Relationship(UserTargetID)
	if hasUser && userRel.TrustLevel != nil {
		// trust_level spans -100..100
		h.PercentMetrics = append(h.PercentMetrics, PercentMetric{
			Key:      "relationship_matrix.trust_level",
			Value:    clampPercent((float64(*userRel.TrustLevel) + 100) / 200 * 100),
			RawValue: cloneInt(userRel.TrustLevel),
			TargetID: userRel.TargetID,
		})
	}

	fact := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			h.NarrativeFacts = append(h.NarrativeFacts, NarrativeFact{Key: key, Value: value})
		}
	}
	if sc := runtime.SceneContext; sc != nil {
		fact("scene_context.current_goal", sc.CurrentGoal)
		fact("scene_context.current_tactic", sc.CurrentTactic)
	}
	if cs := runtime.CurrentStatus; cs != nil {
		fact("current_status.occupation", cs.Occupation)
		fact("current_status.health_status", cs.HealthStatus)
		fact("current_status.appearance_variable", cs.AppearanceVariable)
	}
	if sm := runtime.StressMeter; sm != nil && len(sm.ActiveTriggers) > 0 {
		fact("stress_meter.active_triggers", strings.Join(sm.ActiveTriggers, ", "))
	}
	if ts := runtime.TemporalStatus; ts != nil {
		fact("temporal_status.current_date", formatISODate(ts.CurrentDate))
		if ts.CalculatedAge != nil {
			fact("temporal_status.calculated_age", strconv.Itoa(*ts.CalculatedAge))
		}
	}
	if hasUser && strings.TrimSpace(userRel.KnowledgeAboutTarget) != "" {
		h.NarrativeFacts = append(h.NarrativeFacts, NarrativeFact{
			Key:      "relationship_matrix.knowledge",
			Value:    userRel.KnowledgeAboutTarget,
			TargetID: userRel.TargetID,
		})
	}

	if len(h.PercentMetrics) == 0 && len(h.NarrativeFacts) == 0 {
		return nil
	}
	return h
}

func clampPercent(v float64) float64 {
	return math.Min(100, math.Max(0, math.Round(v)))
}

func formatISODate(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05.000Z")
		}
	}
	return raw
}
