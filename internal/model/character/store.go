package character

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// ErrNotFound is returned when no profile matches the requested id.
var ErrNotFound = errors.New("character not found")

func errMissingField(name string) error {
	return fmt.Errorf("missing required field %q", name)
}

// Store exposes character profile retrieval.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, error)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns the loaded profiles ordered by id.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// FindByID looks up a profile by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, error) {
	for _, item := range s.items {
		if item.ID == id {
			return item, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// LoadDir 读取目录下所有 yml/yaml 角色配置，跳过非法文件，一个都没有时报错。
func LoadDir(dir string, log *logger.Logger) (*MemoryStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read characters dir: %w", err)
	}

	var profiles []Profile
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		profile, err := loadFile(path)
		if err != nil {
			log.Warn("skip invalid character profile", "file", path, "error", err)
			continue
		}
		if seen[profile.ID] {
			log.Warn("skip duplicate character profile", "file", path, "id", profile.ID)
			continue
		}
		seen[profile.ID] = true
		profiles = append(profiles, profile)
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("no character profiles found in %s", dir)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	log.Info("character profiles loaded", "count", len(profiles), "dir", dir)
	return NewMemoryStore(profiles), nil
}

func loadFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := profile.validate(); err != nil {
		return Profile{}, err
	}
	if profile.DefaultState.Mode == "" {
		profile.DefaultState.Mode = chat.ModeNormal
	}
	if profile.DefaultState.Name == "" {
		profile.DefaultState.Name = profile.Name
	}
	return profile, nil
}
