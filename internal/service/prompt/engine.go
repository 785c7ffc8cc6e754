package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/model/persona"
)

const defaultTemplate = "default.md"

// Engine 按角色与语言选择模板并渲染系统提示词，模板读取一次后缓存。
type Engine struct {
	dir string

	mu      sync.Mutex
	cache   map[string]string
	missing map[string]bool
}

// New validates that dir contains default.md.
func New(dir string) (*Engine, error) {
	if _, err := os.Stat(filepath.Join(dir, defaultTemplate)); err != nil {
		return nil, fmt.Errorf("prompt templates: %s missing in %s: %w", defaultTemplate, dir, err)
	}
	return &Engine{dir: dir, cache: make(map[string]string), missing: make(map[string]bool)}, nil
}

// Build renders the system prompt for profile in the given state. A nil
// runtime falls back to the profile's seed runtime state.
func (e *Engine) Build(profile character.Profile, state chat.CharacterState, languageCode string, runtime *persona.RuntimeState) (string, error) {
	language := ResolveLanguage(languageCode)

	template, err := e.template(profile.ID, language.Code)
	if err != nil {
		return "", err
	}

	if runtime == nil {
		runtime = profile.PersonaRuntime()
	}

	ctx, err := toContextValue(struct {
		Character      character.Profile     `json:"character"`
		State          chat.CharacterState   `json:"state"`
		PersonaRuntime *persona.RuntimeState `json:"personaRuntime,omitempty"`
		Language       Language              `json:"language"`
		StateLabel     string                `json:"stateLabel"`
	}{
		Character:      profile,
		State:          state,
		PersonaRuntime: runtime,
		Language:       language,
		StateLabel:     StateLabel(profile, state),
	})
	if err != nil {
		return "", fmt.Errorf("build prompt context: %w", err)
	}

	root, _ := ctx.(map[string]any)
	return Render(template, root), nil
}

// StateLabel returns the configured status label for the state.
func StateLabel(profile character.Profile, state chat.CharacterState) string {
	if state.Stress >= 99 {
		if label := profile.Statuses["broken"]; label != "" {
			return label
		}
		return "UNSTABLE"
	}
	if label := profile.Statuses["normal"]; label != "" {
		return label
	}
	return "NORMAL"
}

// template 按 <id>-<lang>、<id>-en、default-<lang>、default 的顺序查找。
func (e *Engine) template(characterID, lang string) (string, error) {
	candidates := []string{
		characterID + "-" + lang + ".md",
		characterID + "-en.md",
		"default-" + lang + ".md",
		defaultTemplate,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range candidates {
		if content, ok := e.cache[name]; ok {
			return content, nil
		}
		if e.missing[name] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.dir, name))
		if errors.Is(err, os.ErrNotExist) {
			e.missing[name] = true
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read template %s: %w", name, err)
		}
		e.cache[name] = string(data)
		return string(data), nil
	}
	return "", fmt.Errorf("prompt templates: no template found for %s/%s", characterID, lang)
}
