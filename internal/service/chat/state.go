package chat

import (
	"math"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

const (
	stressMin = 0
	stressMax = 100

	brokenThreshold   = 99
	elevatedThreshold = 70
)

// Bounds 描述信任值的取值区间。
type Bounds struct {
	TrustMin float64
	TrustMax float64
}

// Clamp rounds v to two decimals and limits it to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	rounded := math.Round(v*100) / 100
	return max(lo, min(hi, rounded))
}

// ModeForStress maps a stress value onto the three modes.
func ModeForStress(stress float64) chat.Mode {
	switch {
	case stress >= brokenThreshold:
		return chat.ModeBroken
	case stress >= elevatedThreshold:
		return chat.ModeElevated
	default:
		return chat.ModeNormal
	}
}

// DeriveState applies the model deltas to prev. Avatar fields are carried over
// untouched; see switchAvatar.
func DeriveState(prev chat.CharacterState, ai chat.AIResponse, bounds Bounds) chat.CharacterState {
	next := prev
	next.Stress = Clamp(prev.Stress+ai.StressChange, stressMin, stressMax)
	next.Trust = Clamp(prev.Trust+ai.TrustChange, bounds.TrustMin, bounds.TrustMax)
	next.Mode = ModeForStress(next.Stress)
	return next
}
