package transform

import (
	"fmt"
	"sort"
	"sync"
)

// CycleError is returned by DAG.Register when adding a transform would
// close a cycle in the input-of relation.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("registering this transform would create a cycle: %v", e.Cycle)
}

// DAG holds the registered transforms and the field-to-field edges their
// inputs/output imply.
type DAG struct {
	mu         sync.RWMutex
	transforms map[string]*Transform
	edges      map[string]map[string]bool // field -> set of fields that depend on it
	byInput    map[string]map[string]bool // field -> set of transform ids triggered by it
}

// NewDAG creates an empty dependency graph.
func NewDAG() *DAG {
	return &DAG{
		transforms: map[string]*Transform{},
		edges:      map[string]map[string]bool{},
		byInput:    map[string]map[string]bool{},
	}
}

// Register validates t, rejects it if it would introduce a cycle or
// duplicate id, and otherwise adds it to the graph.
func (d *DAG) Register(t *Transform) error {
	if err := t.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.transforms[t.ID]; exists {
		return fmt.Errorf("transform %s is already registered", t.ID)
	}

	trial := cloneEdges(d.edges)
	for _, in := range t.Inputs {
		if trial[in] == nil {
			trial[in] = map[string]bool{}
		}
		trial[in][t.Output] = true
	}
	if cycle := findCycle(trial); cycle != nil {
		return &CycleError{Cycle: cycle}
	}

	d.edges = trial
	d.transforms[t.ID] = t
	for _, in := range t.Inputs {
		if d.byInput[in] == nil {
			d.byInput[in] = map[string]bool{}
		}
		d.byInput[in][t.ID] = true
	}
	return nil
}

// Get returns the registered transform with id, if any.
func (d *DAG) Get(id string) (*Transform, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transforms[id]
	return t, ok
}

// List returns every registered transform, sorted by id.
func (d *DAG) List() []*Transform {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Transform, 0, len(d.transforms))
	for _, t := range d.transforms {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TriggeredBy returns the ids of transforms whose Inputs include field.
func (d *DAG) TriggeredBy(field string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.byInput[field]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneEdges(edges map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(edges))
	for field, deps := range edges {
		cp := make(map[string]bool, len(deps))
		for d := range deps {
			cp[d] = true
		}
		out[field] = cp
	}
	return out
}

// findCycle runs a three-color DFS over the field graph and returns the
// first cycle discovered, or nil if the graph is acyclic.
func findCycle(edges map[string]map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var cycle []string

	var visit func(field string) bool
	visit = func(field string) bool {
		color[field] = gray
		path = append(path, field)
		for next := range edges[field] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				cycle = append(append([]string{}, path...), next)
				return true
			}
		}
		path = path[:len(path)-1]
		color[field] = black
		return false
	}

	fields := make([]string, 0, len(edges))
	for f := range edges {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if color[f] == white {
			if visit(f) {
				return cycle
			}
		}
	}
	return nil
}
