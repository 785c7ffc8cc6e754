package character

import "strings"

// LocalizedDisplay is Display resolved for one language.
type LocalizedDisplay struct {
	Title            string          `json:"title,omitempty"`
	Subtitle         string          `json:"subtitle,omitempty"`
	ChatTitle        string          `json:"chatTitle,omitempty"`
	ChatSubline      string          `json:"chatSubline,omitempty"`
	StatusLine       LocalizedStatus `json:"statusLine"`
	InputPlaceholder string          `json:"inputPlaceholder,omitempty"`
}

type LocalizedStatus struct {
	Normal string `json:"normal,omitempty"`
	Broken string `json:"broken,omitempty"`
}

// Summary is the list-view projection of a profile.
type Summary struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Codename     string           `json:"codename,omitempty"`
	AvatarURL    string           `json:"avatarUrl,omitempty"`
	Languages    []string         `json:"languages"`
	Capabilities Capabilities     `json:"capabilities"`
	Display      LocalizedDisplay `json:"display"`
}

// Summaries projects every profile for lang. A non-empty lang filters out
// characters that do not list it.
func Summaries(profiles []Profile, lang string) []Summary {
	lang = strings.ToLower(strings.TrimSpace(lang))
	out := make([]Summary, 0, len(profiles))
	for _, p := range profiles {
		languages := sanitizeLanguages(p.Languages)
		if lang != "" && len(languages) > 0 && !supports(languages, lang) {
			continue
		}
		out = append(out, Summary{
			ID:           p.ID,
			Name:         p.Name,
			Codename:     p.Codename,
			AvatarURL:    p.DefaultState.AvatarURL,
			Languages:    languages,
			Capabilities: p.Capabilities,
			Display:      localize(p.Display, lang),
		})
	}
	return out
}

func localize(d Display, lang string) LocalizedDisplay {
	return LocalizedDisplay{
		Title:       d.Title.Resolve(lang),
		Subtitle:    d.Subtitle.Resolve(lang),
		ChatTitle:   d.ChatTitle.Resolve(lang),
		ChatSubline: d.ChatSubline.Resolve(lang),
		StatusLine: LocalizedStatus{
			Normal: d.StatusLine.Normal.Resolve(lang),
			Broken: d.StatusLine.Broken.Resolve(lang),
		},
		InputPlaceholder: d.InputPlaceholder.Resolve(lang),
	}
}

func sanitizeLanguages(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, l := range in {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func supports(languages []string, lang string) bool {
	base, _, _ := strings.Cut(lang, "-")
	for _, l := range languages {
		if l == lang || l == base {
			return true
		}
		if lb, _, _ := strings.Cut(l, "-"); lb == base {
			return true
		}
	}
	return false
}
