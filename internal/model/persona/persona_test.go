package persona

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMergeShallowPerKey(t *testing.T) {
	base := &RuntimeState{
		TemporalStatus: &TemporalStatus{CurrentDate: "2020-01-01T00:00:00Z", MentalAge: "30"},
		StressMeter:    &StressMeter{CurrentLevel: Int(10), ActiveTriggers: []string{"a", "b"}},
		SceneContext:   &SceneContext{CurrentGoal: "survive"},
	}
	patch := &RuntimeState{
		TemporalStatus: &TemporalStatus{CurrentDate: "2025-01-01T00:00:00Z"},
		StressMeter:    &StressMeter{CurrentLevel: Int(40), ActiveTriggers: []string{"c"}},
	}

	merged := Merge(base, patch)

	require.Equal(t, "2025-01-01T00:00:00Z", merged.TemporalStatus.CurrentDate)
	require.Equal(t, "30", merged.TemporalStatus.MentalAge, "untouched fields survive")
	require.Equal(t, 40, *merged.StressMeter.CurrentLevel)
	require.Equal(t, []string{"c"}, merged.StressMeter.ActiveTriggers, "arrays are replaced")
	require.Equal(t, "survive", merged.SceneContext.CurrentGoal)

	require.Equal(t, 10, *base.StressMeter.CurrentLevel, "base must not be mutated")
}

func TestMergeKeepsTriggersWhenPatchOmitsThem(t *testing.T) {
	base := &RuntimeState{StressMeter: &StressMeter{CurrentLevel: Int(1), ActiveTriggers: []string{"a"}}}
	merged := Merge(base, &RuntimeState{StressMeter: &StressMeter{CurrentLevel: Int(2)}})
	require.Equal(t, []string{"a"}, merged.StressMeter.ActiveTriggers)

	cleared := Merge(base, &RuntimeState{StressMeter: &StressMeter{ActiveTriggers: []string{}}})
	require.Empty(t, cleared.StressMeter.ActiveTriggers)
}

func TestPruneDropsEmptyObjects(t *testing.T) {
	require.Nil(t, (&RuntimeState{
		TemporalStatus: &TemporalStatus{},
		SceneContext:   &SceneContext{},
		StressMeter:    &StressMeter{},
	}).Prune())

	pruned := (&RuntimeState{
		TemporalStatus: &TemporalStatus{CurrentDate: "x"},
		CurrentStatus:  &CurrentStatus{},
	}).Prune()
	require.NotNil(t, pruned)
	require.Nil(t, pruned.CurrentStatus)
	require.Equal(t, "x", pruned.TemporalStatus.CurrentDate)
}

func TestStaticProfileDateOfBirth(t *testing.T) {
	profile := StaticProfile{
		"meta":       map[string]any{"id": "mob-v2"},
		"physiology": map[string]any{"date_of_birth": "2002-10-16"},
	}

	dob, ok := profile.DateOfBirth()
	require.True(t, ok)
	require.Equal(t, time.Date(2002, 10, 16, 0, 0, 0, 0, time.UTC), dob)
	require.Equal(t, "mob-v2", profile.ID())

	_, ok = StaticProfile{}.DateOfBirth()
	require.False(t, ok)
}

func TestBuildHighlights(t *testing.T) {
	runtime := &RuntimeState{
		TemporalStatus:     &TemporalStatus{CurrentDate: "2025-03-01", CalculatedAge: Int(22)},
		StressMeter:        &StressMeter{CurrentLevel: Int(35), ActiveTriggers: []string{"loud noise", "crowds"}},
		SceneContext:       &SceneContext{CurrentGoal: "get home"},
		RelationshipMatrix: []Relationship{{TargetID: UserTargetID, TrustLevel: Int(0), KnowledgeAboutTarget: "new friend"}},
	}

	h := BuildHighlights(runtime)
	require.NotNil(t, h)
	require.Len(t, h.PercentMetrics, 2)
	require.Equal(t, 35.0, h.PercentMetrics[0].Value)
	require.Equal(t, 50.0, h.PercentMetrics[1].Value)
	require.Equal(t, 0, *h.PercentMetrics[1].RawValue)

	facts := map[string]string{}
	for _, f := range h.NarrativeFacts {
		facts[f.Key] = f.Value
	}
	require.Equal(t, "get home", facts["scene_context.current_goal"])
	require.Equal(t, "loud noise, crowds", facts["stress_meter.active_triggers"])
	require.Equal(t, "2025-03-01T00:00:00.000Z", facts["temporal_status.current_date"])
	require.Equal(t, "22", facts["temporal_status.calculated_age"])
	require.Equal(t, "new friend", facts["relationship_matrix.knowledge"])

	require.Nil(t, BuildHighlights(&RuntimeState{}))
	require.Nil(t, BuildHighlights(nil))
}
