// Package manifest parses and validates the declarative actor descriptor
// of spec.md §3 "Manifest": name, version, component reference, optional
// initial state, and an ordered list of handler descriptors. Manifests are
// supplied as a filesystem path, an inline TOML string, or a content-store
// reference; BurntSushi/toml is the primary encoding (present in the
// teacher's own go.mod), with gopkg.in/yaml.v3 available in manifest/yaml.go
// as an alternate encoding for embedders who generate manifests themselves.
package manifest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/theater-project/theater/manifest/schema"
	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/theatererr"
)

// ComponentRef locates the WASM component bytes for an actor: either a
// filesystem path or a content-store reference, per spec.md §3.
type ComponentRef struct {
	Path string
	Ref  store.Ref
}

// IsContentRef reports whether this ref names a content-store entry rather
// than a filesystem path.
func (c ComponentRef) IsContentRef() bool { return c.Ref != "" }

// InitState is the actor's optional initial state, supplied either inline
// or as a content-store reference (spec.md §3).
type InitState struct {
	Inline []byte
	Ref    store.Ref
}

// HasValue reports whether any initial state was supplied.
func (s InitState) HasValue() bool { return len(s.Inline) > 0 || s.Ref != "" }

// HandlerDescriptor is one entry of a manifest's ordered handler list
// (spec.md §3): a type tag plus type-specific config and permission
// records. Config and Permissions are decoded into plain Go values (maps,
// slices, scalars) so they can be validated against a JSON Schema or
// passed straight to a handler's own constructor.
type HandlerDescriptor struct {
	Type        string
	Config      map[string]any
	Permissions map[string]any
}

// Manifest is the parsed actor descriptor (spec.md §3).
type Manifest struct {
	Name      string
	Version   string
	Component ComponentRef
	InitState InitState
	Handlers  []HandlerDescriptor
}

// tomlManifest is the literal TOML document shape; Config/Permissions are
// deferred via toml.Primitive so they can be decoded into plain maps
// without needing a Go struct per handler type.
type tomlManifest struct {
	Name      string           `toml:"name"`
	Version   string           `toml:"version"`
	Component string           `toml:"component"`
	InitState string           `toml:"init_state"`
	Handlers  []tomlHandlerRow `toml:"handlers"`
}

type tomlHandlerRow struct {
	Type        string          `toml:"type"`
	Config      *toml.Primitive `toml:"config"`
	Permissions *toml.Primitive `toml:"permissions"`
}

// Parse parses an inline TOML manifest document.
func Parse(text string) (*Manifest, error) {
	var raw tomlManifest
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return nil, theatererr.Wrap(theatererr.InvalidArgument, "parse manifest toml", err)
	}
	return fromTOML(raw, meta)
}

// Load parses a manifest from a filesystem path.
func Load(path string) (*Manifest, error) {
	var raw tomlManifest
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, theatererr.Wrap(theatererr.InvalidArgument, fmt.Sprintf("load manifest %s", path), err)
	}
	return fromTOML(raw, meta)
}

// LoadFromStore loads a manifest whose TOML bytes are a content-store
// entry, per spec.md §3's "may be supplied... as a content reference".
func LoadFromStore(ctx context.Context, s store.Store, ref store.Ref) (*Manifest, error) {
	b, err := s.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("manifest: load from store: %w", err)
	}
	return Parse(string(b))
}

func fromTOML(raw tomlManifest, meta toml.MetaData) (*Manifest, error) {
	m := &Manifest{
		Name:    raw.Name,
		Version: raw.Version,
	}

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

	for i, row := range raw.Handlers {
		hd := HandlerDescriptor{Type: row.Type}

		if row.Config != nil {
			var cfg map[string]any
			if err := meta.PrimitiveDecode(*row.Config, &cfg); err != nil {
				return nil, theatererr.Wrap(theatererr.InvalidArgument,
					fmt.Sprintf("decode config for handlers[%d] (type %q)", i, row.Type), err)
			}
			hd.Config = cfg
		}
		if row.Permissions != nil {
			var perms map[string]any
			if err := meta.PrimitiveDecode(*row.Permissions, &perms); err != nil {
				return nil, theatererr.Wrap(theatererr.InvalidArgument,
					fmt.Sprintf("decode permissions for handlers[%d] (type %q)", i, row.Type), err)
			}
			hd.Permissions = perms
		}
		m.Handlers = append(m.Handlers, hd)
	}

	return m, nil
}

// looksLikeContentRef reports whether s is a 64-character lowercase hex
// string, the shape store.RefOf produces — distinguishing a content
// reference from a filesystem path without requiring a distinguishing
// prefix in the manifest text.
func looksLikeContentRef(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// ValidationError is one problem found by Validate.
type ValidationError struct {
	Path    string
	Kind    theatererr.Kind
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Kind, e.Message)
}

// ValidationReport collects every problem found in a manifest, so tooling
// built on this core can present them all at once instead of fail-fast
// (spec.md §6 names only the single-error case, UnknownHandler; this is a
// supplemented, richer report).
type ValidationReport struct {
	Errors []ValidationError
}

// OK reports whether the manifest passed validation.
func (r ValidationReport) OK() bool { return len(r.Errors) == 0 }

// Error implements the error interface so a non-OK report can be returned
// and wrapped like any other error.
func (r ValidationReport) Error() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "manifest validation failed with %d error(s):", len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  - %s", e.Error())
	}
	return b.String()
}

// Validate checks m against structural requirements (spec.md §3) and, for
// every handler whose type is registered in schemas, against that type's
// JSON Schema. A handler type with no registered schema is reported as an
// InvalidArgument error whose message names the unknown handler type
// (theatererr has no separate UnknownHandler kind). Returns a zero-value
// (OK) report on success.
func Validate(m *Manifest, schemas *schema.Registry) ValidationReport {
	var report ValidationReport

	if m.Name == "" {
		report.Errors = append(report.Errors, ValidationError{
			Path: "name", Kind: theatererr.InvalidArgument, Message: "must not be empty",
		})
	}
	if m.Component.Path == "" && !m.Component.IsContentRef() {
		report.Errors = append(report.Errors, ValidationError{
			Path: "component", Kind: theatererr.InvalidArgument, Message: "missing component reference",
		})
	}

	for i, h := range m.Handlers {
		path := fmt.Sprintf("handlers[%d]", i)
		if schemas == nil || !schemas.Known(h.Type) {
			report.Errors = append(report.Errors, ValidationError{
				Path: path, Kind: theatererr.InvalidArgument,
				Message: fmt.Sprintf("unknown handler type %q", h.Type),
			})
			continue
		}
		if _, err := schemas.Validate(h.Type, toAnyConfig(h.Config)); err != nil {
			report.Errors = append(report.Errors, ValidationError{
				Path: path + ".config", Kind: theatererr.InvalidArgument, Message: err.Error(),
			})
		}
	}

	return report
}

func toAnyConfig(cfg map[string]any) any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}
