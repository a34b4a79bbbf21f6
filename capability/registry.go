package capability

import (
	"github.com/theater-project/theater/theatererr"
)

// Registry holds the set of handler prototypes an embedder has configured
// (typically one per manifest handler descriptor, spec.md §3 "Manifest").
// It is built once at startup and read concurrently thereafter; Register
// is not safe to call concurrently with itself or with Resolve.
type Registry struct {
	prototypes []Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler prototype, rejecting it if any of its declared
// imports collides with an already-registered handler's (spec.md §4.D: "no
// two handlers may claim the same (interface, function) pair" — enforced
// here at interface granularity, since Imports() is the unit of claim
// visible before a component's concrete function-level calls are known;
// per-function collisions within one interface are caught by the
// HostFunctionRegistrar at setup time).
func (r *Registry) Register(h Handler) error {
	for _, existing := range r.prototypes {
		for _, existingImport := range existing.Imports() {
			for _, newImport := range h.Imports() {
				if existingImport == newImport {
					return theatererr.Newf(theatererr.Internal,
						"handler %q and %q both claim import %s", existing.Name(), h.Name(), newImport)
				}
			}
		}
	}
	r.prototypes = append(r.prototypes, h)
	return nil
}

// Resolve matches declared against the registry's prototypes, returning
// one freshly created per-actor instance (via CreateInstance) for each
// distinct handler that covers at least one entry in declared. Matching is
// exact on InterfaceID (interface name and version both), per spec.md
// §4.D's "no semver fuzzy matching" invariant. If any entry in declared has
// no covering handler, Resolve returns a theatererr.MissingImport error
// naming it and instantiation must not proceed (spec.md §4.C invariant).
func (r *Registry) Resolve(declared []InterfaceID) ([]Handler, error) {
	matchedByName := make(map[string]Handler)
	var order []string

	for _, want := range declared {
		var found *Handler
		for i := range r.prototypes {
			for _, has := range r.prototypes[i].Imports() {
				if has == want {
					found = &r.prototypes[i]
					break
				}
			}
			if found != nil {
				break
			}
		}
		if found == nil {
			return nil, theatererr.Newf(theatererr.MissingImport, "no handler provides import %s", want)
		}
		name := (*found).Name()
		if _, ok := matchedByName[name]; !ok {
			matchedByName[name] = (*found).CreateInstance()
			order = append(order, name)
		}
	}

	instances := make([]Handler, 0, len(order))
	for _, name := range order {
		instances = append(instances, matchedByName[name])
	}
	return instances, nil
}

// Prototypes returns the registered handler prototypes, in registration
// order. Used by the management protocol and tests to introspect a
// configured registry without resolving against any particular component.
func (r *Registry) Prototypes() []Handler {
	out := make([]Handler, len(r.prototypes))
	copy(out, r.prototypes)
	return out
}
