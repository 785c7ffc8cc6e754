package chat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		in, lo, hi, want float64
	}{
		{-5, 0, 100, 0},
		{150, 0, 100, 100},
		{42.345, 0, 100, 42.35},
		{42.344, 0, 100, 42.34},
		{-150, -100, 100, -100},
		{-20.5, -100, 100, -20.5},
	}
	for _, tc := range cases {
		got := Clamp(tc.in, tc.lo, tc.hi)
		require.Equal(t, tc.want, got, "Clamp(%v, %v, %v)", tc.in, tc.lo, tc.hi)
		require.Equal(t, got, Clamp(got, tc.lo, tc.hi), "clamp must be idempotent")
	}
}

func TestModeThresholds(t *testing.T) {
	cases := map[float64]chat.Mode{
		0:     chat.ModeNormal,
		69.99: chat.ModeNormal,
		70:    chat.ModeElevated,
		98.99: chat.ModeElevated,
		99:    chat.ModeBroken,
		100:   chat.ModeBroken,
	}
	for stress, want := range cases {
		require.Equal(t, want, ModeForStress(stress), "stress %v", stress)
	}
}

func TestDeriveState(t *testing.T) {
	prev := chat.CharacterState{Stress: 68, Trust: 95, Mode: chat.ModeNormal, Name: "Mob", AvatarURL: "https://img/a.png"}

	next := DeriveState(prev, chat.AIResponse{StressChange: 2.004, TrustChange: 10}, Bounds{TrustMin: 0, TrustMax: 100})
	require.Equal(t, 70.0, next.Stress)
	require.Equal(t, 100.0, next.Trust)
	require.Equal(t, chat.ModeElevated, next.Mode)
	require.Equal(t, "Mob", next.Name)
	require.Equal(t, "https://img/a.png", next.AvatarURL)

	wide := DeriveState(chat.CharacterState{Trust: -90}, chat.AIResponse{TrustChange: -30}, Bounds{TrustMin: -100, TrustMax: 100})
	require.Equal(t, -100.0, wide.Trust)
	require.Equal(t, 0.0, wide.Stress)
}
