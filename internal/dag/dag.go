// Package dag implements the node graph that pipelines are built from:
// tasks, parallel tasks and nested pipelines, wired together with
// upstream/downstream edges.
package dag

import (
	"errors"
)

var (
	ErrDuplicateID  = errors.New("dag: duplicate node id")
	ErrNotFound     = errors.New("dag: node not found")
	ErrInvalidID    = errors.New("dag: invalid node id")
	ErrWouldCycle   = errors.New("dag: operation would introduce a cycle")
	ErrSelfUpstream = errors.New("dag: a node cannot depend on itself")
)

// Kind distinguishes the three node variants.
type Kind int

const (
	KindTask Kind = iota
	KindParallelTask
	KindPipeline
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindParallelTask:
		return "parallel_task"
	case KindPipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

// Node is any element of a pipeline DAG.
type Node interface {
	ID() string
	Description() string
	Labels() map[string]string
	Kind() Kind
	IsPipeline() bool
	Parent() *Pipeline
	Upstreams() []Node
	Downstreams() []Node
	Cost() (float64, bool)
	SetCost(float64)
	Path() []string

	setParent(*Pipeline)
	addUpstream(Node)
	removeUpstream(Node)
	addDownstream(Node)
	removeDownstream(Node)
}

// base is embedded by every concrete node variant.
type base struct {
	id          string
	description string
	labels      map[string]string
	parent      *Pipeline
	upstreams   map[string]Node
	downstreams map[string]Node
	cost        *float64
	costSet     bool
}

func newBase(id, description string, labels map[string]string) base {
	if labels == nil {
		labels = map[string]string{}
	}
	return base{
		id:          id,
		description: description,
		labels:      labels,
		upstreams:   map[string]Node{},
		downstreams: map[string]Node{},
	}
}

func (b *base) ID() string                  { return b.id }
func (b *base) Description() string         { return b.description }
func (b *base) Labels() map[string]string   { return b.labels }
func (b *base) Parent() *Pipeline           { return b.parent }
func (b *base) setParent(p *Pipeline)       { b.parent = p }

func (b *base) Upstreams() []Node {
	out := make([]Node, 0, len(b.upstreams))
	for _, n := range b.upstreams {
		out = append(out, n)
	}
	return out
}

func (b *base) Downstreams() []Node {
	out := make([]Node, 0, len(b.downstreams))
	for _, n := range b.downstreams {
		out = append(out, n)
	}
	return out
}

func (b *base) addUpstream(n Node)      { b.upstreams[n.ID()] = n }
func (b *base) removeUpstream(n Node)   { delete(b.upstreams, n.ID()) }
func (b *base) addDownstream(n Node)    { b.downstreams[n.ID()] = n }
func (b *base) removeDownstream(n Node) { delete(b.downstreams, n.ID()) }

func (b *base) Cost() (float64, bool) {
	if b.cost == nil {
		return 0, false
	}
	return *b.cost, true
}

func (b *base) SetCost(c float64) {
	b.cost = &c
}

// Path returns the id sequence from the root pipeline to this node.
func (b *base) Path() []string {
	var path []string
	cur := Node(nil)
	// walk up via parent chain, prepending ids
	for p := b.parent; p != nil; p = p.parent {
		cur = p
		path = append([]string{cur.ID()}, path...)
	}
	path = append(path, b.id)
	return path
}

// validID matches the id grammar: lowercase letters, digits, underscore.
func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// PathString renders a node path for use as a map/bucket key.
func PathString(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "\x1f"
		}
		s += p
	}
	return s
}

