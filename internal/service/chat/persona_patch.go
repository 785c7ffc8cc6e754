package chat

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
)

// PatchInput carries what one turn knows about the persona runtime.
type PatchInput struct {
	Previous      *persona.RuntimeState
	StressDelta   float64
	UpdatedStress float64
	Now           time.Time
	UserMessage   string
	DateOfBirth   *time.Time
}

type PatchOptions struct {
	SnippetLength int
	WindowSize    int
}

// BuildPersonaPatch 根据本轮结果生成 persona runtime 的增量补丁。
// 压力上升时把用户原话片段记为触发点（窗口内去重、保留最近 WindowSize 条），
// 压力下降时移除最早的触发点，压力不变时不动触发点。
func BuildPersonaPatch(in PatchInput, opts PatchOptions) *persona.RuntimeState {
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = 48
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 5
	}

	patch := &persona.RuntimeState{
		TemporalStatus: &persona.TemporalStatus{CurrentDate: in.Now.UTC().Format(time.RFC3339)},
		StressMeter:    &persona.StressMeter{CurrentLevel: persona.Int(int(math.Round(in.UpdatedStress)))},
	}
	if in.DateOfBirth != nil {
		patch.TemporalStatus.CalculatedAge = persona.Int(ageAt(*in.DateOfBirth, in.Now))
	}

	var previous []string
	if in.Previous != nil && in.Previous.StressMeter != nil {
		previous = in.Previous.StressMeter.ActiveTriggers
	}

	switch {
	case in.StressDelta > 0:
		triggers := slices.Clone(previous)
		if s := snippet(in.UserMessage, opts.SnippetLength); s != "" && !slices.Contains(triggers, s) {
			triggers = append(triggers, s)
		}
		if len(triggers) > opts.WindowSize {
			triggers = triggers[len(triggers)-opts.WindowSize:]
		}
		if triggers != nil {
			patch.StressMeter.ActiveTriggers = triggers
		}
	case in.StressDelta < 0 && len(previous) > 0:
		patch.StressMeter.ActiveTriggers = slices.Clone(previous[1:])
	}

	return patch.Prune()
}

// ageAt returns completed years between dob and now, never negative.
func ageAt(dob, now time.Time) int {
	now = now.In(dob.Location())
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return max(age, 0)
}

func snippet(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return strings.TrimSpace(string(runes))
}
