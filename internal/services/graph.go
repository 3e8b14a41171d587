package services

import (
	"fmt"
	"sort"
	"strings"

	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/pkg/models"
)

const (
	defaultSourcePin = "out"
	defaultTargetPin = "in"
)

// ConfigurationError reports a malformed workflow definition. It is raised
// when a workflow is saved, never on the execution path.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid workflow definition: " + strings.Join(e.Problems, "; ")
}

// Graph is an indexed view of a definition with edge pins normalized.
type Graph struct {
	def      *models.Definition
	nodes    map[string]models.Node
	incoming map[string][]models.Edge
	outgoing map[string][]models.Edge
}

// NewGraph indexes def. Edges with an empty source pin use "out", edges with
// an empty target pin use "in".
func NewGraph(def *models.Definition) *Graph {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]models.Node, len(def.Nodes)),
		incoming: make(map[string][]models.Edge),
		outgoing: make(map[string][]models.Edge),
	}
	for _, n := range def.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range def.Edges {
		if e.SourcePin == "" {
			e.SourcePin = defaultSourcePin
		}
		if e.TargetPin == "" {
			e.TargetPin = defaultTargetPin
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}
	return g
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Incoming returns the edges ending at id.
func (g *Graph) Incoming(id string) []models.Edge { return g.incoming[id] }

// Outgoing returns the edges starting at id.
func (g *Graph) Outgoing(id string) []models.Edge { return g.outgoing[id] }

// EntryNodes returns the nodes without incoming edges in definition order.
func (g *Graph) EntryNodes() []models.Node {
	var entries []models.Node
	for _, n := range g.def.Nodes {
		if len(g.incoming[n.ID]) == 0 {
			entries = append(entries, n)
		}
	}
	return entries
}

// Predecessors returns the distinct source node ids feeding id.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]bool)
	var preds []string
	for _, e := range g.incoming[id] {
		if !seen[e.Source] {
			seen[e.Source] = true
			preds = append(preds, e.Source)
		}
	}
	return preds
}

// ValidateDefinition checks a definition against the registered node types.
// All problems are collected into one *ConfigurationError.
func ValidateDefinition(def *models.Definition, registry *nodes.Registry) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(def.Nodes) == 0 {
		return &ConfigurationError{Problems: []string{"definition has no nodes"}}
	}
	switch def.Settings.FailurePolicy {
	case "", models.FailFast, models.IsolateBranches:
	default:
		addf("unknown failure policy %q", def.Settings.FailurePolicy)
	}
	if def.Settings.MaxRetries != nil && *def.Settings.MaxRetries < 1 {
		addf("settings: max_retries must be at least 1")
	}

	schemas := make(map[string]nodes.Schema, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			addf("node with empty id")
			continue
		}
		if _, dup := schemas[n.ID]; dup {
			addf("duplicate node id %q", n.ID)
			continue
		}
		if n.MaxRetries != nil && *n.MaxRetries < 1 {
			addf("node %q: max_retries must be at least 1", n.ID)
		}
		t, ok := registry.Lookup(n.Type)
		if !ok {
			addf("node %q: unknown node type %q", n.ID, n.Type)
			schemas[n.ID] = nodes.Schema{}
			continue
		}
		if err := t.ValidateConfig(n.Config); err != nil {
			addf("node %q: %v", n.ID, err)
		}
		schemas[n.ID] = t.Schema()
	}

	g := NewGraph(def)
	for _, e := range def.Edges {
		src, dst := e.SourcePin, e.TargetPin
		if src == "" {
			src = defaultSourcePin
		}
		if dst == "" {
			dst = defaultTargetPin
		}
		srcSchema, srcOK := schemas[e.Source]
		dstSchema, dstOK := schemas[e.Target]
		if !srcOK {
			addf("edge %s->%s: unknown source node %q", e.Source, e.Target, e.Source)
		}
		if !dstOK {
			addf("edge %s->%s: unknown target node %q", e.Source, e.Target, e.Target)
		}
		if e.Source == e.Target {
			addf("edge %s->%s: self loop", e.Source, e.Target)
		}
		if srcOK && srcSchema.Outputs != nil && !srcSchema.HasOutput(src) {
			addf("edge %s->%s: node %q has no output pin %q", e.Source, e.Target, e.Source, src)
		}
		if dstOK && dstSchema.Inputs != nil && !dstSchema.HasInput(dst) {
			addf("edge %s->%s: node %q has no input pin %q", e.Source, e.Target, e.Target, dst)
		}
		if dstOK && dstSchema.Inputs == nil && dstSchema.Outputs != nil {
			addf("edge %s->%s: node %q accepts no inputs", e.Source, e.Target, e.Target)
		}
	}

	for _, n := range def.Nodes {
		schema := schemas[n.ID]
		delivered := make(map[string]bool)
		for _, e := range g.Incoming(n.ID) {
			delivered[e.TargetPin] = true
		}
		for _, pin := range schema.RequiredInputs() {
			if !delivered[pin] {
				addf("node %q: required input pin %q has no incoming edge", n.ID, pin)
			}
		}
	}

	if len(g.EntryNodes()) == 0 {
		addf("definition has no entry node")
	}
	if cycle := findCycle(g, def); len(cycle) > 0 {
		addf("cycle detected: %s", strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// findCycle returns the node ids of one cycle, or nil.
func findCycle(g *Graph, def *models.Definition) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		targets := make([]string, 0, len(g.Outgoing(id)))
		for _, e := range g.Outgoing(id) {
			targets = append(targets, e.Target)
		}
		sort.Strings(targets)
		for _, next := range targets {
			if _, known := g.nodes[next]; !known {
				continue
			}
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range def.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}
