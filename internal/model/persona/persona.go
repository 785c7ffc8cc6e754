package persona

import (
	"strings"
	"time"
)

// Persona pairs the long-lived static profile of a character with the runtime
// overlay that evolves during a session.
type Persona struct {
	StaticProfile StaticProfile `json:"static_profile" yaml:"static_profile"`
	RuntimeState  *RuntimeState `json:"runtime_state,omitempty" yaml:"runtime_state,omitempty"`
}

// StaticProfile is free-form; only a handful of keys are interpreted.
type StaticProfile map[string]any

// ID returns meta.id when present.
func (p StaticProfile) ID() string {
	meta, _ := p["meta"].(map[string]any)
	id, _ := meta["id"].(string)
	return strings.TrimSpace(id)
}

// DateOfBirth parses physiology.date_of_birth. The second return is false when
// the field is missing or unparseable.
func (p StaticProfile) DateOfBirth() (time.Time, bool) {
	physiology, _ := p["physiology"].(map[string]any)
	var raw string
	switch v := physiology["date_of_birth"].(type) {
	case string:
		raw = v
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006/01/02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// RuntimeState is the mutable per-session overlay.
type RuntimeState struct {
	TemporalStatus     *TemporalStatus `json:"temporal_status,omitempty" yaml:"temporal_status,omitempty"`
	CurrentStatus      *CurrentStatus  `json:"current_status,omitempty" yaml:"current_status,omitempty"`
	StressMeter        *StressMeter    `json:"stress_meter,omitempty" yaml:"stress_meter,omitempty"`
	SceneContext       *SceneContext   `json:"scene_context,omitempty" yaml:"scene_context,omitempty"`
	RelationshipMatrix []Relationship  `json:"relationship_matrix,omitempty" yaml:"relationship_matrix,omitempty"`
}

type TemporalStatus struct {
	CurrentDate   string `json:"current_date,omitempty" yaml:"current_date,omitempty"`
	CalculatedAge *int   `json:"calculated_age,omitempty" yaml:"calculated_age,omitempty"`
	MentalAge     string `json:"mental_age,omitempty" yaml:"mental_age,omitempty"`
}

type CurrentStatus struct {
	Occupation         string `json:"occupation,omitempty" yaml:"occupation,omitempty"`
	SocialClass        string `json:"social_class,omitempty" yaml:"social_class,omitempty"`
	HealthStatus       string `json:"health_status,omitempty" yaml:"health_status,omitempty"`
	AppearanceVariable string `json:"appearance_variable,omitempty" yaml:"appearance_variable,omitempty"`
}

// StressMeter holds the integer stress level and the recent trigger window.
// A nil ActiveTriggers slice in a patch means "leave untouched".
type StressMeter struct {
	CurrentLevel   *int     `json:"current_level,omitempty" yaml:"current_level,omitempty"`
	ActiveTriggers []string `json:"active_triggers,omitempty" yaml:"active_triggers,omitempty"`
}

type SceneContext struct {
	CurrentGoal   string `json:"current_goal,omitempty" yaml:"current_goal,omitempty"`
	CurrentTactic string `json:"current_tactic,omitempty" yaml:"current_tactic,omitempty"`
}

type Relationship struct {
	TargetID             string `json:"target_id" yaml:"target_id"`
	TrustLevel           *int   `json:"trust_level,omitempty" yaml:"trust_level,omitempty"`
	KnowledgeAboutTarget string `json:"knowledge_about_target,omitempty" yaml:"knowledge_about_target,omitempty"`
}

// Clone deep-copies the runtime state.
func (r *RuntimeState) Clone() *RuntimeState {
	if r == nil {
		return nil
	}
	out := &RuntimeState{}
	if r.TemporalStatus != nil {
		ts := *r.TemporalStatus
		ts.CalculatedAge = cloneInt(ts.CalculatedAge)
		out.TemporalStatus = &ts
	}
	if r.CurrentStatus != nil {
		cs := *r.CurrentStatus
		out.CurrentStatus = &cs
	}
	if r.StressMeter != nil {
		sm := StressMeter{CurrentLevel: cloneInt(r.StressMeter.CurrentLevel)}
		if r.StressMeter.ActiveTriggers != nil {
			sm.ActiveTriggers = append([]string{}, r.StressMeter.ActiveTriggers...)
		}
		out.StressMeter = &sm
	}
	if r.SceneContext != nil {
		sc := *r.SceneContext
		out.SceneContext = &sc
	}
	if r.RelationshipMatrix != nil {
		out.RelationshipMatrix = make([]Relationship, len(r.RelationshipMatrix))
		for i, rel := range r.RelationshipMatrix {
			rel.TrustLevel = cloneInt(rel.TrustLevel)
			out.RelationshipMatrix[i] = rel
		}
	}
	return out
}

// Merge applies patch onto base and returns a new state. Every top-level key is
// merged field by field; arrays in the patch replace the existing ones.
func Merge(base, patch *RuntimeState) *RuntimeState {
	if patch == nil {
		return base.Clone()
	}
	out := base.Clone()
	if out == nil {
		out = &RuntimeState{}
	}
	patch = patch.Clone()

	if p := patch.TemporalStatus; p != nil {
		if out.TemporalStatus == nil {
			out.TemporalStatus = &TemporalStatus{}
		}
		t := out.TemporalStatus
		setString(&t.CurrentDate, p.CurrentDate)
		setString(&t.MentalAge, p.MentalAge)
		if p.CalculatedAge != nil {
			t.CalculatedAge = p.CalculatedAge
		}
	}
	if p := patch.CurrentStatus; p != nil {
		if out.CurrentStatus == nil {
			out.CurrentStatus = &CurrentStatus{}
		}
		c := out.CurrentStatus
		setString(&c.Occupation, p.Occupation)
		setString(&c.SocialClass, p.SocialClass)
		setString(&c.HealthStatus, p.HealthStatus)
		setString(&c.AppearanceVariable, p.AppearanceVariable)
	}
	if p := patch.StressMeter; p != nil {
		if out.StressMeter == nil {
			out.StressMeter = &StressMeter{}
		}
		if p.CurrentLevel != nil {
			out.StressMeter.CurrentLevel = p.CurrentLevel
		}
		if p.ActiveTriggers != nil {
			out.StressMeter.ActiveTriggers = p.ActiveTriggers
		}
	}
	if p := patch.SceneContext; p != nil {
		if out.SceneContext == nil {
			out.SceneContext = &SceneContext{}
		}
		setString(&out.SceneContext.CurrentGoal, p.CurrentGoal)
		setString(&out.SceneContext.CurrentTactic, p.CurrentTactic)
	}
	if patch.RelationshipMatrix != nil {
		out.RelationshipMatrix = patch.RelationshipMatrix
	}
	return out
}

// Prune drops empty sub-objects and returns nil when nothing remains.
func (r *RuntimeState) Prune() *RuntimeState {
	if r == nil {
		return nil
	}
	out := r.Clone()
	if t := out.TemporalStatus; t != nil && t.CurrentDate == "" && t.CalculatedAge == nil && t.MentalAge == "" {
		out.TemporalStatus = nil
	}
	if c := out.CurrentStatus; c != nil && *c == (CurrentStatus{}) {
		out.CurrentStatus = nil
	}
	if s := out.StressMeter; s != nil && s.CurrentLevel == nil && s.ActiveTriggers == nil {
		out.StressMeter = nil
	}
	if s := out.SceneContext; s != nil && *s == (SceneContext{}) {
		out.SceneContext = nil
	}
	if out.TemporalStatus == nil && out.CurrentStatus == nil && out.StressMeter == nil &&
		out.SceneContext == nil && out.RelationshipMatrix == nil {
		return nil
	}
	return out
}

// Relationship returns the entry for targetID, if any.
func (r *RuntimeState) Relationship(targetID string) (Relationship, bool) {
	if r == nil {
		return Relationship{}, false
	}
	for _, rel := range r.RelationshipMatrix {
		if rel.TargetID == targetID {
			return rel, true
		}
	}
	return Relationship{}, false
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
