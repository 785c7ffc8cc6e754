package character

import (
	"strings"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
)

// LocalizedText maps a locale code (en, zh, zh-cn...) to a string.
type LocalizedText map[string]string

// Resolve picks the best entry for lang: exact match, then base language, then
// English, then whatever comes first alphabetically.
func (t LocalizedText) Resolve(lang string) string {
	if len(t) == 0 {
		return ""
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	if v, ok := t[lang]; ok && v != "" {
		return v
	}
	if base, _, found := strings.Cut(lang, "-"); found {
		if v, ok := t[base]; ok && v != "" {
			return v
		}
	}
	if v, ok := t["en"]; ok && v != "" {
		return v
	}
	first := ""
	for key, v := range t {
		if v == "" {
			continue
		}
		if first == "" || key < first {
			first = key
		}
	}
	return t[first]
}

// Display holds UI copy, each entry localised.
type Display struct {
	Title            LocalizedText `json:"title,omitempty" yaml:"title,omitempty"`
	Subtitle         LocalizedText `json:"subtitle,omitempty" yaml:"subtitle,omitempty"`
	ChatTitle        LocalizedText `json:"chatTitle,omitempty" yaml:"chatTitle,omitempty"`
	ChatSubline      LocalizedText `json:"chatSubline,omitempty" yaml:"chatSubline,omitempty"`
	StatusLine       StatusLine    `json:"statusLine,omitempty" yaml:"statusLine,omitempty"`
	InputPlaceholder LocalizedText `json:"inputPlaceholder,omitempty" yaml:"inputPlaceholder,omitempty"`
}

type StatusLine struct {
	Normal LocalizedText `json:"normal,omitempty" yaml:"normal,omitempty"`
	Broken LocalizedText `json:"broken,omitempty" yaml:"broken,omitempty"`
}

// ImagePrompts groups prompt presets by intent (avatar/scene) then mood.
type ImagePrompts struct {
	Avatar   map[string]string `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Scene    map[string]string `json:"scene,omitempty" yaml:"scene,omitempty"`
	Fallback string            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// ForIntent returns the mood map for "avatar" or "scene".
func (p ImagePrompts) ForIntent(intent string) map[string]string {
	if intent == "scene" {
		return p.Scene
	}
	return p.Avatar
}

type Capabilities struct {
	Text  bool `json:"text" yaml:"text"`
	Image bool `json:"image" yaml:"image"`
}

type Models struct {
	Text  string `json:"text,omitempty" yaml:"text,omitempty"`
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
}

// Profile is the YAML definition of one character.
type Profile struct {
	ID                   string              `json:"id" yaml:"id"`
	Name                 string              `json:"name" yaml:"name"`
	Codename             string              `json:"codename,omitempty" yaml:"codename,omitempty"`
	Franchise            string              `json:"franchise,omitempty" yaml:"franchise,omitempty"`
	ContextLine          string              `json:"contextLine,omitempty" yaml:"contextLine,omitempty"`
	DefaultGreeting      string              `json:"defaultGreeting" yaml:"defaultGreeting"`
	DefaultState         chat.CharacterState `json:"defaultState" yaml:"defaultState"`
	ImageStyleGuidelines string              `json:"imageStyleGuidelines,omitempty" yaml:"imageStyleGuidelines,omitempty"`
	ImagePrompts         ImagePrompts        `json:"imagePrompts,omitempty" yaml:"imagePrompts,omitempty"`
	Statuses             map[string]string   `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Languages            []string            `json:"languages,omitempty" yaml:"languages,omitempty"`
	Capabilities         Capabilities        `json:"capabilities" yaml:"capabilities"`
	Models               Models              `json:"models,omitempty" yaml:"models,omitempty"`
	Persona              *persona.Persona    `json:"persona,omitempty" yaml:"persona,omitempty"`
	Display              Display             `json:"display,omitempty" yaml:"display,omitempty"`
}

// PersonaID returns the persona identifier, falling back to the profile id.
func (p Profile) PersonaID() string {
	if p.Persona != nil {
		if id := p.Persona.StaticProfile.ID(); id != "" {
			return id
		}
	}
	return p.ID
}

// PersonaRuntime returns a copy of the seed runtime state, or nil.
func (p Profile) PersonaRuntime() *persona.RuntimeState {
	if p.Persona == nil {
		return nil
	}
	return p.Persona.RuntimeState.Clone()
}

func (p Profile) validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return errMissingField("id")
	case strings.TrimSpace(p.Name) == "":
		return errMissingField("name")
	case strings.TrimSpace(p.DefaultGreeting) == "":
		return errMissingField("defaultGreeting")
	}
	return nil
}
