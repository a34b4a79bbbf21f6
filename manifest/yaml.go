package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/theatererr"
)

// yamlManifest mirrors tomlManifest but for embedders generating manifests
// as YAML (matching integration_tests/framework/runner.go's yaml.v3 usage
// in the teacher). Config/Permissions decode directly into map[string]any,
// since yaml.v3 has no deferred-primitive equivalent to toml.Primitive.
type yamlManifest struct {
	Name      string           `yaml:"name"`
	Version   string           `yaml:"version"`
	Component string           `yaml:"component"`
	InitState string           `yaml:"init_state"`
	Handlers  []yamlHandlerRow `yaml:"handlers"`
}

type yamlHandlerRow struct {
	Type        string         `yaml:"type"`
	Config      map[string]any `yaml:"config"`
	Permissions map[string]any `yaml:"permissions"`
}

// ParseYAML parses an inline YAML manifest document, the alternate
// encoding to Parse's TOML.
func ParseYAML(text string) (*Manifest, error) {
	var raw yamlManifest
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, theatererr.Wrap(theatererr.InvalidArgument, "parse manifest yaml", err)
	}

	m := &Manifest{Name: raw.Name, Version: raw.Version}
	switch {
	case looksLikeContentRef(raw.Component):
		m.Component = ComponentRef{Ref: store.Ref(raw.Component)}
	default:
		m.Component = ComponentRef{Path: raw.Component}
	}
	if raw.InitState != "" {
		if looksLikeContentRef(raw.InitState) {
			m.InitState = InitState{Ref: store.Ref(raw.InitState)}
		} else {
			m.InitState = InitState{Inline: []byte(raw.InitState)}
		}
	}
	for _, row := range raw.Handlers {
		m.Handlers = append(m.Handlers, HandlerDescriptor{
			Type:        row.Type,
			Config:      row.Config,
			Permissions: row.Permissions,
		})
	}
	return m, nil
}

// ToYAML renders m back to its YAML encoding, primarily for tooling that
// round-trips manifests fetched over the management protocol.
func ToYAML(m *Manifest) ([]byte, error) {
	raw := yamlManifest{
		Name:    m.Name,
		Version: m.Version,
	}
	if m.Component.IsContentRef() {
		raw.Component = string(m.Component.Ref)
	} else {
		raw.Component = m.Component.Path
	}
	if len(m.InitState.Inline) > 0 {
		raw.InitState = string(m.InitState.Inline)
	} else if m.InitState.Ref != "" {
		raw.InitState = string(m.InitState.Ref)
	}
	for _, h := range m.Handlers {
		raw.Handlers = append(raw.Handlers, yamlHandlerRow{
			Type: h.Type, Config: h.Config, Permissions: h.Permissions,
		})
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal yaml: %w", err)
	}
	return b, nil
}
