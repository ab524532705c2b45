package engine

// Partition splits a change set by backend kind.
func Partition(cs *ChangeSet) map[BackendKind]map[*Package]Action {
	parts := make(map[BackendKind]map[*Package]Action)
	for _, e := range cs.Entries() {
		part, ok := parts[e.Package.Backend]
		if !ok {
			part = make(map[*Package]Action)
			parts[e.Package.Backend] = part
		}
		part[e.Package] = e.Action
	}
	return parts
}

// PartitionPlan is the commit order of the backend partitions of a change set.
type PartitionPlan struct {
	// Order lists backend kinds in commit order.
	Order []BackendKind

	// Cyclic is true when cross-backend requirements formed a cycle and the
	// order fell back to declared priority alone.
	Cyclic bool

	graph *DAGBuilder
}

// DOT renders the partition dependency graph.
func (p *PartitionPlan) DOT() string {
	if p.graph == nil {
		return "digraph \"partitions\" {\n}\n"
	}
	return p.graph.ToDOT("partitions")
}

// PlanPartitions orders the backend partitions of cs. A partition whose
// install-like packages provide requirements of another partition's packages
// commits first; otherwise declared registry priority decides, then kind name.
// Every kind must be registered.
func PlanPartitions(cs *ChangeSet, registry *BackendRegistry) (*PartitionPlan, error) {
	parts := Partition(cs)
	kinds := make([]BackendKind, 0, len(parts))
	for kind := range parts {
		if _, err := registry.Lookup(kind); err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	registry.sortByPriority(kinds)

	builder := NewDAGBuilder()
	for _, kind := range kinds {
		builder.AddNode(string(kind))
	}
	installs := cs.Installs()
	for _, pkg := range installs {
		for _, req := range pkg.Requires {
			for _, dep := range installs {
				if dep.Backend != pkg.Backend && dep.Satisfies(req) {
					builder.AddEdge(string(dep.Backend), string(pkg.Backend))
				}
			}
		}
	}

	plan := &PartitionPlan{graph: builder}
	if err := builder.Build(); err != nil {
		plan.Order = kinds
		plan.Cyclic = true
		return plan, nil
	}

	for _, level := range builder.Levels() {
		step := make([]BackendKind, 0, len(level))
		for _, id := range level {
			step = append(step, BackendKind(id))
		}
		registry.sortByPriority(step)
		plan.Order = append(plan.Order, step...)
	}
	return plan, nil
}
