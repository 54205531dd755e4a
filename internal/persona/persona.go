package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrUnknownPersona  = errors.New("unknown persona")
	ErrTemplateMissing = errors.New("persona prompt template missing")
)

// Persona is a selectable AI character: a system prompt plus a dedicated
// synthesis endpoint.
type Persona struct {
	ID           int
	WireName     string
	DisplayName  string
	TemplateFile string
	TTSBaseURL   string
}

// Registry resolves personas by wire name or numeric id and owns the
// process-lifetime prompt template cache.
type Registry struct {
	byWire map[string]Persona
	byID   map[int]Persona

	templateDir string
	once        sync.Once
	templates   map[int]string
	loadErr     error
}

// NewRegistry builds the fixed persona table. ttsBaseURLs maps wire names to
// synthesis endpoints; missing entries keep an empty URL and fail at call time.
func NewRegistry(templateDir string, ttsBaseURLs map[string]string) *Registry {
	personas := []Persona{
		{ID: 0, WireName: "Xiaogong", DisplayName: "宵宫", TemplateFile: "Yoimiya.md"},
		{ID: 1, WireName: "Venti", DisplayName: "温迪", TemplateFile: "Venti.md"},
		{ID: 2, WireName: "Hutao", DisplayName: "胡桃", TemplateFile: "HuTao.md"},
	}

	r := &Registry{
		byWire:      make(map[string]Persona, len(personas)),
		byID:        make(map[int]Persona, len(personas)),
		templateDir: templateDir,
	}
	for _, p := range personas {
		p.TTSBaseURL = ttsBaseURLs[p.WireName]
		r.byWire[p.WireName] = p
		r.byID[p.ID] = p
	}
	return r
}

func (r *Registry) ByWireName(name string) (Persona, error) {
	p, ok := r.byWire[strings.TrimSpace(name)]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, name)
	}
	return p, nil
}

func (r *Registry) ByID(id int) (Persona, error) {
	p, ok := r.byID[id]
	if !ok {
		return Persona{}, fmt.Errorf("%w: id %d", ErrUnknownPersona, id)
	}
	return p, nil
}

// SystemPrompt returns the persona's system prompt text. Templates are loaded
// from disk once per process; a missing or empty template is a hard error for
// every turn of that persona until fixed.
func (r *Registry) SystemPrompt(id int) (string, error) {
	r.once.Do(r.loadTemplates)
	if r.loadErr != nil {
		return "", r.loadErr
	}
	prompt, ok := r.templates[id]
	if !ok {
		return "", fmt.Errorf("%w: persona id %d", ErrTemplateMissing, id)
	}
	return prompt, nil
}

func (r *Registry) loadTemplates() {
	r.templates = make(map[int]string, len(r.byID))
	for id, p := range r.byID {
		path := filepath.Join(r.templateDir, p.TemplateFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Leave the entry absent; SystemPrompt reports ErrTemplateMissing
				// per persona instead of failing every persona at once.
				continue
			}
			r.loadErr = fmt.Errorf("load prompt template %s: %w", path, err)
			return
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		r.templates[id] = content
	}
}

// SessionID derives the conversation session id from the authenticated user id
// and the persona: the persona digit is appended so each user/persona pair has
// its own history.
func SessionID(userID string, p Persona) string {
	return userID + strconv.Itoa(p.ID)
}

// IDFromSessionID recovers the persona id from a session id's trailing digit.
func IDFromSessionID(sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: empty session id", ErrUnknownPersona)
	}
	c := sessionID[len(sessionID)-1]
	if c < '0' || c > '9' {
		return 0, fmt.Errorf("%w: session id %q has no persona digit", ErrUnknownPersona, sessionID)
	}
	return int(c - '0'), nil
}
