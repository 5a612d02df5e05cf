package agent

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Factory constructs a pass.
type Factory func() Agent

// legacyAliases maps identifiers used by older configurations.
var legacyAliases = map[string]ID{
	"auto_tag":          Tag,
	"tagger":            Tag,
	"verifier":          Verify,
	"license_validator": Verify,
	"enhancement":       Enhance,
	"enhancer":          Enhance,
	"scraper":           Scrape,
	"system_log":        SysLog,
	"license_report":    Report,
}

// Registry maps pass identifiers to their constructors.
type Registry struct {
	factories map[ID]Factory
	order     []ID // registration order for deterministic listing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ID]Factory)}
}

// DefaultRegistry returns a registry holding every built-in pass.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Scrape, newScrapePass)
	r.Register(Tag, newTagPass)
	r.Register(Verify, newVerifyPass)
	r.Register(Enhance, newEnhancePass)
	r.Register(Report, newReportPass)
	r.Register(SysLog, newSysLogPass)
	return r
}

// Register adds or replaces the constructor for id.
func (r *Registry) Register(id ID, f Factory) {
	if _, ok := r.factories[id]; !ok {
		r.order = append(r.order, id)
	}
	r.factories[id] = f
}

// Lookup canonicalizes name (case, surrounding space, dashes, and legacy
// aliases) and reports the registered ID.
func (r *Registry) Lookup(name string) (ID, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	id := ID(n)
	if alias, ok := legacyAliases[n]; ok {
		id = alias
	}
	if _, ok := r.factories[id]; !ok {
		return "", eris.Errorf("agent: unknown agent %q", name)
	}
	return id, nil
}

// Get constructs the pass registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	id, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return r.factories[id](), nil
}

// Resolve constructs the passes for names in order. Every unknown name is
// reported in a single error.
func (r *Registry) Resolve(names []string) ([]Agent, error) {
	var agents []Agent
	var unknown []string
	for _, name := range names {
		a, err := r.Get(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		agents = append(agents, a)
	}
	if len(unknown) > 0 {
		return nil, eris.Errorf("agent: unknown agents: %s", strings.Join(unknown, ", "))
	}
	return agents, nil
}

// All constructs every registered pass in registration order.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.factories[id]())
	}
	return out
}

// IDs returns the registered identifiers in registration order.
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.order))
	copy(out, r.order)
	return out
}
