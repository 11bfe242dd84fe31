package action

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lixiao1981/evm-track/internal/config"
)

// Resolution errors. All are fatal at startup.
var (
	ErrDuplicateAction   = errors.New("duplicate action name")
	ErrUnknownAction     = errors.New("unknown action")
	ErrMissingDependency = errors.New("missing dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
)

// Descriptor registers one action variant: its factory, its declared
// dependencies and the metadata surfaced to tooling.
type Descriptor struct {
	Name        string
	Deps        []string
	Description string
	Example     config.ActionConfig
	Factory     Factory
}

// Registry is the name-keyed table of action descriptors. It is populated
// during setup and read-only afterwards, so resolution and lookups need no
// synchronization.
type Registry struct {
	byName map[string]Descriptor
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Descriptor{}}
}

// Register adds a descriptor. Registering the same name twice is an error.
func (r *Registry) Register(d Descriptor) error {
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateAction, d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Names lists registered actions in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns the descriptor for one action.
func (r *Registry) Describe(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return d, nil
}

// regIndex orders names by registration for deterministic tie-breaking.
func (r *Registry) regIndex(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}

// Resolve expands requested into its transitive dependency closure and
// returns a topological order: every dependency precedes its dependents,
// ties broken by registration order. The result is identical across calls
// with identical input.
func (r *Registry) Resolve(requested []string) ([]string, error) {
	for _, name := range requested {
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
		}
	}

	// Roots in registration order so the walk itself is deterministic.
	roots := make([]string, len(requested))
	copy(roots, requested)
	sortByRegistration(roots, r)

	const (
		unvisited = iota
		inProgress
		done
	)
	state := map[string]int{}
	var ordered []string

	// Depth-first with an explicit frame stack; a dependency found
	// in-progress is a back-edge, i.e. a cycle.
	type frame struct {
		name string
		deps []string
		next int
	}

	for _, root := range roots {
		if state[root] == done {
			continue
		}
		stack := []frame{{name: root, deps: r.sortedDeps(r.byName[root])}}
		state[root] = inProgress

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++

				depDesc, ok := r.byName[dep]
				if !ok {
					return nil, fmt.Errorf("%w: action %q requires %q which is not registered",
						ErrMissingDependency, top.name, dep)
				}
				switch state[dep] {
				case done:
					continue
				case inProgress:
					return nil, fmt.Errorf("%w: %q and %q depend on each other",
						ErrDependencyCycle, top.name, dep)
				}
				state[dep] = inProgress
				stack = append(stack, frame{name: depDesc.Name, deps: r.sortedDeps(depDesc)})
				continue
			}
			state[top.name] = done
			ordered = append(ordered, top.name)
			stack = stack[:len(stack)-1]
		}
	}
	return ordered, nil
}

func (r *Registry) sortedDeps(d Descriptor) []string {
	deps := make([]string, len(d.Deps))
	copy(deps, d.Deps)
	sortByRegistration(deps, r)
	return deps
}

func sortByRegistration(names []string, r *Registry) {
	sort.Slice(names, func(i, j int) bool {
		return r.regIndex(names[i]) < r.regIndex(names[j])
	})
}

// Instantiate builds each action in order. Any factory failure aborts the
// whole list and closes what was already built: a partially built list is
// unsafe because later actions assume earlier dependencies exist.
func (r *Registry) Instantiate(ordered []string, cfgs map[string]config.ActionConfig, env Env) ([]Action, error) {
	var built []Action
	for _, name := range ordered {
		d, ok := r.byName[name]
		if !ok {
			closeAll(built)
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
		}
		inst, err := d.Factory(env, cfgs[name])
		if err != nil {
			closeAll(built)
			return nil, fmt.Errorf("instantiate action %q: %w", name, err)
		}
		built = append(built, inst)
	}
	return built, nil
}

func closeAll(actions []Action) {
	for _, a := range actions {
		a.Close()
	}
}
