package topology

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one location in the dependency graph.
type Node struct {
	Name       string   `yaml:"name" json:"name"`
	Downstream []string `yaml:"downstream" json:"downstream"`
	Backup     []string `yaml:"backup,omitempty" json:"backup,omitempty"`
}

// file is the on-disk YAML layout.
type file struct {
	Nodes   []Node            `yaml:"nodes"`
	Aliases map[string]string `yaml:"aliases"`
}

// Graph is an immutable node dependency graph with an alias table.
type Graph struct {
	nodes   map[string]Node
	aliases map[string]string
	keys    []string // sorted node names, drives the substring fallback
}

// Normalize trims and upper-cases a node name.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// New builds a graph from nodes and an alias table (alternate → canonical).
// All names are normalised.
func New(nodes []Node, aliases map[string]string) (*Graph, error) {
	g := &Graph{
		nodes:   make(map[string]Node, len(nodes)),
		aliases: make(map[string]string, len(aliases)),
	}

	for _, n := range nodes {
		name := Normalize(n.Name)
		if name == "" {
			return nil, ErrInvalidNode
		}
		if _, exists := g.nodes[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, name)
		}
		g.nodes[name] = Node{
			Name:       name,
			Downstream: normalizeList(n.Downstream, name),
			Backup:     normalizeList(n.Backup, name),
		}
		g.keys = append(g.keys, name)
	}
	sort.Strings(g.keys)

	for alt, canonical := range aliases {
		target := Normalize(canonical)
		if _, ok := g.nodes[target]; !ok {
			return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownAliasTarget, alt, canonical)
		}
		g.aliases[Normalize(alt)] = target
	}

	return g, nil
}

// normalizeList normalises names, dropping blanks, duplicates and self.
func normalizeList(names []string, self string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = Normalize(n)
		if n == "" || n == self || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Parse builds a graph from YAML.
func Parse(data []byte) (*Graph, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	return New(f.Nodes, f.Aliases)
}

// Load reads a topology YAML file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	return Parse(data)
}

// Resolve maps a free-form name to a canonical node name.
//
// Order: alias table, exact key, then the first key in sorted order that
// contains name or is contained in it.
func (g *Graph) Resolve(name string) (string, bool) {
	n := Normalize(name)
	if n == "" {
		return "", false
	}

	if canonical, ok := g.aliases[n]; ok {
		n = canonical
	}
	if _, ok := g.nodes[n]; ok {
		return n, true
	}

	for _, key := range g.keys {
		if strings.Contains(n, key) || strings.Contains(key, n) {
			return key, true
		}
	}
	return "", false
}

// Downstream returns the nodes fed through name, excluding name itself.
// With recursive set it follows the graph transitively; a visited set
// guards against cycles. Order is breadth-first in declaration order.
func (g *Graph) Downstream(name string, recursive bool) []string {
	start := Normalize(name)
	if canonical, ok := g.aliases[start]; ok {
		start = canonical
	}
	root, ok := g.nodes[start]
	if !ok {
		return nil
	}

	if !recursive {
		out := make([]string, len(root.Downstream))
		copy(out, root.Downstream)
		return out
	}

	visited := map[string]bool{start: true}
	queue := slices.Clone(root.Downstream)
	var out []string

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)

		if child, ok := g.nodes[next]; ok {
			queue = append(queue, child.Downstream...)
		}
	}
	return out
}

// Node returns a copy of the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[Normalize(name)]
	if !ok {
		return Node{}, false
	}
	return Node{
		Name:       n.Name,
		Downstream: slices.Clone(n.Downstream),
		Backup:     slices.Clone(n.Backup),
	}, true
}

// Nodes returns copies of all nodes sorted by name.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.keys))
	for _, k := range g.keys {
		n, _ := g.Node(k)
		out = append(out, n)
	}
	return out
}

// Aliases returns a copy of the alias table.
func (g *Graph) Aliases() map[string]string {
	out := make(map[string]string, len(g.aliases))
	for k, v := range g.aliases {
		out[k] = v
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}
