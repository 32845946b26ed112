package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Prefs stores runtime enable/disable preferences for servers and individual
// tools. Preferences persist across sessions; a config-level disabled flag
// always wins over a runtime enable.
type Prefs struct {
	mu   sync.Mutex
	path string
	data prefsData
}

type prefsData struct {
	DisabledServers map[string]bool `json:"disabledServers,omitempty"`
	DisabledTools   map[string]bool `json:"disabledTools,omitempty"`
}

// LoadPrefs reads the preference file at path, starting empty if it does not
// exist or cannot be parsed. Preferences are advisory; a corrupt file must
// never prevent startup.
func LoadPrefs(path string) *Prefs {
	p := &Prefs{path: path}
	p.data.DisabledServers = make(map[string]bool)
	p.data.DisabledTools = make(map[string]bool)

	if data, err := os.ReadFile(path); err == nil {
		var d prefsData
		if json.Unmarshal(data, &d) == nil {
			if d.DisabledServers != nil {
				p.data.DisabledServers = d.DisabledServers
			}
			if d.DisabledTools != nil {
				p.data.DisabledTools = d.DisabledTools
			}
		}
	}
	return p
}

// ServerDisabled reports whether the user disabled the server at runtime.
func (p *Prefs) ServerDisabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.DisabledServers[name]
}

// SetServerDisabled records a runtime server toggle and saves.
func (p *Prefs) SetServerDisabled(name string, disabled bool) {
	p.mu.Lock()
	if disabled {
		p.data.DisabledServers[name] = true
	} else {
		delete(p.data.DisabledServers, name)
	}
	p.mu.Unlock()
	p.save()
}

// ToolDisabled reports whether the user disabled a qualified tool name.
func (p *Prefs) ToolDisabled(qualifiedName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.DisabledTools[qualifiedName]
}

// SetToolDisabled records a runtime tool toggle and saves.
func (p *Prefs) SetToolDisabled(qualifiedName string, disabled bool) {
	p.mu.Lock()
	if disabled {
		p.data.DisabledTools[qualifiedName] = true
	} else {
		delete(p.data.DisabledTools, qualifiedName)
	}
	p.mu.Unlock()
	p.save()
}

// save writes preferences to disk, best-effort. Persistence failures are
// intentionally swallowed: losing a toggle is acceptable, crashing is not.
func (p *Prefs) save() {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.data, "", "  ")
	path := p.path
	p.mu.Unlock()
	if err != nil || path == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	_ = os.WriteFile(path, data, 0o600)
}
