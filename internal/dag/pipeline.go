package dag

// Pipeline is a node that contains a DAG of child nodes with explicit
// dependencies. Nested pipelines give the overall graph its recursive shape.
type Pipeline struct {
	base

	nodes map[string]Node
	order []string // insertion order, for display purposes only

	InitialNode Node
	FinalNode   Node

	MaxNumberOfParallelTasks int
	IgnoreErrors             bool
	ForceRunAllChildren      bool
	BasePath                 string
}

// NewPipeline creates an empty pipeline.
func NewPipeline(id, description string, labels map[string]string) (*Pipeline, error) {
	if !validID(id) {
		return nil, ErrInvalidID
	}
	return &Pipeline{
		base:  newBase(id, description, labels),
		nodes: map[string]Node{},
	}, nil
}

func (p *Pipeline) Kind() Kind       { return KindPipeline }
func (p *Pipeline) IsPipeline() bool { return true }

// Nodes returns the child nodes in insertion order.
func (p *Pipeline) Nodes() []Node {
	out := make([]Node, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.nodes[id])
	}
	return out
}

// Node looks up a direct child by id.
func (p *Pipeline) Node(id string) (Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Add inserts a node as a child of this pipeline. If upstreams is empty and
// an InitialNode is configured, the initial node is wired as the sole
// upstream; symmetrically the node is wired as upstream of FinalNode.
func (p *Pipeline) Add(n Node, upstreams ...Node) error {
	if _, exists := p.nodes[n.ID()]; exists {
		return ErrDuplicateID
	}

	n.setParent(p)
	p.nodes[n.ID()] = n
	p.order = append(p.order, n.ID())

	if len(upstreams) == 0 && p.InitialNode != nil && n != Node(p.InitialNode) {
		p.wireDependency(p.InitialNode, n)
	}
	for _, u := range upstreams {
		p.wireDependency(u, n)
	}
	if p.FinalNode != nil && n != Node(p.FinalNode) {
		p.wireDependency(n, p.FinalNode)
	}
	return nil
}

// Remove detaches n from the pipeline, reconnecting every upstream of n to
// every downstream of n so that reachability between the remaining nodes is
// preserved.
func (p *Pipeline) Remove(n Node) error {
	if _, exists := p.nodes[n.ID()]; !exists {
		return ErrNotFound
	}

	ups := n.Upstreams()
	downs := n.Downstreams()

	for _, u := range ups {
		u.removeDownstream(n)
	}
	for _, d := range downs {
		d.removeUpstream(n)
	}
	for _, u := range ups {
		for _, d := range downs {
			if u.ID() == d.ID() {
				continue
			}
			p.wireDependency(u, d)
		}
	}

	delete(p.nodes, n.ID())
	for i, id := range p.order {
		if id == n.ID() {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.InitialNode != nil && p.InitialNode.ID() == n.ID() {
		p.InitialNode = nil
	}
	if p.FinalNode != nil && p.FinalNode.ID() == n.ID() {
		p.FinalNode = nil
	}
	return nil
}

// Replace substitutes old with replacement, preserving old's edges. Used by
// the scheduler when a ParallelTask's Launch() materialises a sub-pipeline.
func (p *Pipeline) Replace(old, replacement Node) error {
	if _, exists := p.nodes[old.ID()]; !exists {
		return ErrNotFound
	}

	ups := old.Upstreams()
	downs := old.Downstreams()

	for _, u := range ups {
		u.removeDownstream(old)
	}
	for _, d := range downs {
		d.removeUpstream(old)
	}

	delete(p.nodes, old.ID())
	for i, id := range p.order {
		if id == old.ID() {
			p.order[i] = replacement.ID()
			break
		}
	}

	replacement.setParent(p)
	p.nodes[replacement.ID()] = replacement

	for _, u := range ups {
		p.wireDependency(u, replacement)
	}
	for _, d := range downs {
		p.wireDependency(replacement, d)
	}

	if p.InitialNode != nil && p.InitialNode.ID() == old.ID() {
		p.InitialNode = replacement
	}
	if p.FinalNode != nil && p.FinalNode.ID() == old.ID() {
		p.FinalNode = replacement
	}
	return nil
}

// AddDependency wires u as an upstream of d. Any sentinel edges to the
// initial/final node that are no longer the only edge at that end are
// removed, so initial/final remain attached only at the true extremities of
// the graph.
func (p *Pipeline) AddDependency(u, d Node) error {
	if u.ID() == d.ID() {
		return ErrSelfUpstream
	}
	if p.InitialNode != nil && p.InitialNode.ID() != u.ID() {
		p.InitialNode.removeDownstream(d)
		d.removeUpstream(p.InitialNode)
	}
	if p.FinalNode != nil && p.FinalNode.ID() != d.ID() {
		p.FinalNode.removeUpstream(u)
		u.removeDownstream(p.FinalNode)
	}
	p.wireDependency(u, d)
	return nil
}

// RemoveDependency un-wires the u -> d edge.
func (p *Pipeline) RemoveDependency(u, d Node) error {
	u.removeDownstream(d)
	d.removeUpstream(u)
	return nil
}

// AddInitial designates n as the pipeline's initial node: every other node
// without explicit upstreams is wired downstream of it.
func (p *Pipeline) AddInitial(n Node) error {
	p.InitialNode = n
	for _, other := range p.Nodes() {
		if other.ID() == n.ID() {
			continue
		}
		if len(other.Upstreams()) == 0 {
			p.wireDependency(n, other)
		}
	}
	return nil
}

// AddFinal designates n as the pipeline's final node: every other node
// without explicit downstreams is wired upstream of it via AddDependency, so
// an initial -> n edge that Add wired is dropped once n has other upstreams.
func (p *Pipeline) AddFinal(n Node) error {
	p.FinalNode = n
	for _, other := range p.Nodes() {
		if other.ID() == n.ID() {
			continue
		}
		if len(other.Downstreams()) == 0 {
			p.AddDependency(other, n)
		}
	}
	return nil
}

// FindNode resolves a node path relative to this pipeline. It returns
// (node, true) on an exact match, or the closest known ancestor and false
// otherwise.
func (p *Pipeline) FindNode(path []string) (Node, bool) {
	if len(path) == 0 {
		return p, true
	}
	n, ok := p.nodes[path[0]]
	if !ok {
		return p, false
	}
	if len(path) == 1 {
		return n, true
	}
	child, ok := n.(*Pipeline)
	if !ok {
		return n, false
	}
	return child.FindNode(path[1:])
}

func (p *Pipeline) wireDependency(u, d Node) {
	u.addDownstream(d)
	d.addUpstream(u)
}

var _ Node = (*Pipeline)(nil)
