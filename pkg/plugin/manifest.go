package plugin

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Module kinds a manifest can describe.
const (
	ModulePlugin  = "plugin"
	ModuleWidget  = "widget"
	ModuleProcess = "process"
)

// PluginManifest is the <name>.yaml sidecar that sits next to a module in the
// plugin directory. A module without a sidecar loads as a plugin named after
// its file with the default resource policy.
type PluginManifest struct {
	Name        string           `yaml:"name"                  json:"name"`
	Version     string           `yaml:"version,omitempty"     json:"version,omitempty"`
	Kind        string           `yaml:"kind,omitempty"        json:"kind,omitempty"`        // "plugin" (default), "widget" or "process"
	WASMFile    string           `yaml:"wasm,omitempty"        json:"wasm,omitempty"`        // defaults to name.wasm
	Exec        string           `yaml:"exec,omitempty"        json:"exec,omitempty"`        // process plugins only, defaults to name
	WidgetType  string           `yaml:"widget_type,omitempty" json:"widget_type,omitempty"` // type tag for widget modules, defaults to name
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string           `yaml:"author,omitempty"      json:"author,omitempty"`
	Resources   *ResourceRequest `yaml:"resources,omitempty"   json:"resources,omitempty"`
}

// ResourceRequest is what a manifest asks for. Values above the host's
// ceiling are clamped by Policy.
type ResourceRequest struct {
	MemoryPages  uint32 `yaml:"memory_pages,omitempty"   json:"memory_pages,omitempty"`
	CallTimeout  string `yaml:"call_timeout,omitempty"   json:"call_timeout,omitempty"`
	MaxHostCalls int    `yaml:"max_host_calls,omitempty" json:"max_host_calls,omitempty"`
}

// ParseManifest decodes and validates a sidecar manifest.
func ParseManifest(data []byte) (PluginManifest, error) {
	var m PluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return PluginManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return PluginManifest{}, err
	}
	return m, nil
}

// Validate checks required fields.
func (m *PluginManifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if strings.ContainsAny(m.Name, `/\ `) {
		return fmt.Errorf("manifest: invalid name %q", m.Name)
	}
	switch m.Kind {
	case "":
		m.Kind = ModulePlugin
	case ModulePlugin, ModuleWidget, ModuleProcess:
	default:
		return fmt.Errorf("manifest %q: unknown kind %q", m.Name, m.Kind)
	}
	if m.Exec != "" && m.Kind != ModuleProcess {
		return fmt.Errorf("manifest %q: exec is only valid for process plugins", m.Name)
	}
	if m.Kind == ModuleProcess && m.WASMFile != "" {
		return fmt.Errorf("manifest %q: process plugins have no wasm module", m.Name)
	}
	if m.Resources != nil && m.Resources.CallTimeout != "" {
		if _, err := time.ParseDuration(m.Resources.CallTimeout); err != nil {
			return fmt.Errorf("manifest %q: call_timeout: %w", m.Name, err)
		}
	}
	return nil
}

// Module returns the module file name: the executable for process plugins,
// the .wasm file otherwise.
func (m PluginManifest) Module() string {
	if m.Kind == ModuleProcess {
		if m.Exec != "" {
			return m.Exec
		}
		return m.Name
	}
	if m.WASMFile != "" {
		return m.WASMFile
	}
	return m.Name + ".wasm"
}

// TypeTag returns the widget type tag a widget module registers.
func (m PluginManifest) TypeTag() string {
	if m.WidgetType != "" {
		return m.WidgetType
	}
	return m.Name
}

// Policy merges the manifest's request into ceiling. A request can only
// tighten a limit, never raise it.
func (m PluginManifest) Policy(ceiling ResourcePolicy) ResourcePolicy {
	p := ceiling
	if m.Resources == nil {
		return p
	}
	r := m.Resources
	if r.MemoryPages > 0 && (p.MemoryLimitPages == 0 || r.MemoryPages < p.MemoryLimitPages) {
		p.MemoryLimitPages = r.MemoryPages
	}
	if r.MaxHostCalls > 0 && (p.MaxHostCalls == 0 || r.MaxHostCalls < p.MaxHostCalls) {
		p.MaxHostCalls = r.MaxHostCalls
	}
	if d, err := time.ParseDuration(r.CallTimeout); err == nil && d > 0 &&
		(p.CallTimeout == 0 || d < p.CallTimeout) {
		p.CallTimeout = d
	}
	return p
}
