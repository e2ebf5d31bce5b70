package workflow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoStart is returned for graphs without a Start node.
	ErrNoStart = errors.New("workflow has no start node")
	// ErrMultipleStart is returned for graphs with more than one Start.
	ErrMultipleStart = errors.New("workflow has multiple start nodes")
	// ErrNoEnd is returned for graphs without an End node.
	ErrNoEnd = errors.New("workflow has no end node")
	// ErrUnreachableEnd is returned when no End is reachable from Start.
	ErrUnreachableEnd = errors.New("no end node reachable from start")
	// ErrCycle is returned for cycles that involve no loop construct.
	ErrCycle = errors.New("workflow contains a cycle without a loop node")
	// ErrUnknownNode is returned for edges or specs referencing missing nodes.
	ErrUnknownNode = errors.New("reference to unknown node")
	// ErrDuplicateNode is returned for repeated node ids.
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Builder assembles a workflow graph and validates it on Build. A graph
// that builds cleanly cannot dead-end at execution time except through
// node failures.
type Builder struct {
	name  string
	nodes []*Node
	edges []Edge
}

// NewBuilder starts an empty workflow definition.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddNode appends a node.
func (b *Builder) AddNode(node *Node) *Builder {
	b.nodes = append(b.nodes, node)
	return b
}

// AddEdge connects two nodes by id.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// Build validates the graph and returns the immutable workflow.
func (b *Builder) Build() (*Workflow, error) {
	w := &Workflow{
		ID:    uuid.New().String(),
		Name:  b.name,
		Nodes: b.nodes,
		Edges: b.edges,
	}
	if err := index(w); err != nil {
		return nil, err
	}
	if err := validate(w); err != nil {
		return nil, err
	}
	return w, nil
}

// FromDefinition validates a deserialized workflow (e.g. from YAML).
func FromDefinition(w *Workflow) (*Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if err := index(w); err != nil {
		return nil, err
	}
	if err := validate(w); err != nil {
		return nil, err
	}
	return w, nil
}

// index builds the id lookup and adjacency maps.
func index(w *Workflow) error {
	w.nodeByID = make(map[string]*Node, len(w.Nodes))
	w.outgoing = make(map[string][]string)
	w.incoming = make(map[string][]string)

	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node of type %s: missing id", n.Type)
		}
		if _, exists := w.nodeByID[n.ID]; exists {
			return fmt.Errorf("node %q: %w", n.ID, ErrDuplicateNode)
		}
		w.nodeByID[n.ID] = n
	}

	for _, e := range w.Edges {
		if _, ok := w.nodeByID[e.From]; !ok {
			return fmt.Errorf("edge from %q: %w", e.From, ErrUnknownNode)
		}
		if _, ok := w.nodeByID[e.To]; !ok {
			return fmt.Errorf("edge to %q: %w", e.To, ErrUnknownNode)
		}
		w.outgoing[e.From] = append(w.outgoing[e.From], e.To)
		w.incoming[e.To] = append(w.incoming[e.To], e.From)
	}
	return nil
}

// validate enforces the construction invariants: exactly one Start, at
// least one End reachable from it, spec references resolve, and any
// cycle passes through a loop node.
func validate(w *Workflow) error {
	var starts, ends []string
	for _, n := range w.Nodes {
		switch n.Type {
		case NodeStart:
			starts = append(starts, n.ID)
		case NodeEnd:
			ends = append(ends, n.ID)
		}
	}
	if len(starts) == 0 {
		return ErrNoStart
	}
	if len(starts) > 1 {
		return ErrMultipleStart
	}
	if len(ends) == 0 {
		return ErrNoEnd
	}
	w.startID = starts[0]

	if err := validateSpecs(w); err != nil {
		return err
	}

	// Reachability from Start.
	reached := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		for _, next := range w.outgoing[id] {
			walk(next)
		}
		// Condition branches are edges in effect even when not declared.
		if n := w.nodeByID[id]; n != nil && n.Condition != nil {
			walk(n.Condition.TrueBranch)
			walk(n.Condition.FalseBranch)
		}
	}
	walk(w.startID)

	endReachable := false
	for _, end := range ends {
		if reached[end] {
			endReachable = true
			break
		}
	}
	if !endReachable {
		return ErrUnreachableEnd
	}

	return detectCycles(w)
}

// validateSpecs checks node-spec references against the node set.
func validateSpecs(w *Workflow) error {
	for _, n := range w.Nodes {
		switch {
		case n.Condition != nil:
			for _, target := range []string{n.Condition.TrueBranch, n.Condition.FalseBranch} {
				if _, ok := w.nodeByID[target]; !ok {
					return fmt.Errorf("condition %q branch %q: %w", n.ID, target, ErrUnknownNode)
				}
			}
		case n.Join != nil:
			for _, req := range n.Join.Required {
				if _, ok := w.nodeByID[req]; !ok {
					return fmt.Errorf("join %q requires %q: %w", n.ID, req, ErrUnknownNode)
				}
			}
		case n.Loop != nil:
			if _, ok := w.nodeByID[n.Loop.Body]; !ok {
				return fmt.Errorf("loop %q body %q: %w", n.ID, n.Loop.Body, ErrUnknownNode)
			}
		case n.Parallel != nil:
			for _, branch := range n.Parallel.Branches {
				if _, ok := w.nodeByID[branch]; !ok {
					return fmt.Errorf("parallel %q branch %q: %w", n.ID, branch, ErrUnknownNode)
				}
			}
		}
	}
	return nil
}

// detectCycles rejects any edge cycle that does not pass through a loop
// node. Loop bodies run inside their loop node, so legitimate iteration
// never shows up as an edge cycle.
func detectCycles(w *Workflow) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = gray
		path = append(path, id)
		for _, next := range w.outgoing[id] {
			switch color[next] {
			case gray:
				// Found a cycle; acceptable only if it includes a loop node.
				cycle := cycleFrom(path, next)
				if !containsLoop(w, cycle) {
					return fmt.Errorf("cycle through %v: %w", cycle, ErrCycle)
				}
			case white:
				if err := visit(next, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func cycleFrom(path []string, closing string) []string {
	for i, id := range path {
		if id == closing {
			return append(append([]string(nil), path[i:]...), closing)
		}
	}
	return append(append([]string(nil), path...), closing)
}

func containsLoop(w *Workflow, ids []string) bool {
	for _, id := range ids {
		if n := w.nodeByID[id]; n != nil && n.Type == NodeLoop {
			return true
		}
	}
	return false
}
