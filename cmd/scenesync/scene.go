package main

import (
	"fmt"
	"sync"

	"github.com/tomaslejdung/scenesync/pkg/registry"
)

// demoNode is the in-memory renderable used by the demo client: it just
// stores the transform and animated fields a real renderer would draw.
type demoNode struct {
	mu       sync.Mutex
	name     string
	xform    registry.Transform
	animated map[string]float64
}

func newDemoNode(name string) *demoNode {
	return &demoNode{
		name:     name,
		xform:    registry.Transform{Scale: registry.Vec3{1, 1, 1}},
		animated: make(map[string]float64),
	}
}

func (n *demoNode) Transform() registry.Transform {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.xform
}

func (n *demoNode) ApplyTransform(t registry.Transform) {
	n.mu.Lock()
	n.xform = t
	n.mu.Unlock()
}

func (n *demoNode) AnimatedValues() map[string]float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]float64, len(n.animated))
	for k, v := range n.animated {
		out[k] = v
	}
	return out
}

func (n *demoNode) SetAnimatedValue(path string, value float64) {
	n.mu.Lock()
	n.animated[path] = value
	n.mu.Unlock()
}

// Nudge shifts the node's position, simulating the user moving an object.
func (n *demoNode) Nudge(dx, dy, dz float64) {
	n.mu.Lock()
	n.xform.Position[0] += dx
	n.xform.Position[1] += dy
	n.xform.Position[2] += dz
	n.mu.Unlock()
}

// demoScene implements both the scene and the loader collaborator: loads
// create named nodes, name lookups find them, attach/detach tracks which
// roots a real renderer would currently draw.
type demoScene struct {
	mu       sync.Mutex
	nodes    map[string]*demoNode
	attached map[*demoNode]bool
}

func newDemoScene() *demoScene {
	return &demoScene{
		nodes:    make(map[string]*demoNode),
		attached: make(map[*demoNode]bool),
	}
}

// Load materializes an asset-path descriptor as a fresh node.
func (s *demoScene) Load(desc registry.Descriptor) (registry.Renderable, error) {
	if desc.Value == "" {
		return nil, fmt.Errorf("empty asset path for %s", desc.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node := newDemoNode(desc.ID)
	s.nodes[desc.ID] = node
	return node, nil
}

func (s *demoScene) FindByName(name string) (registry.Renderable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[name]
	if !ok {
		return nil, false
	}
	return node, true
}

func (s *demoScene) Attach(h registry.Renderable) {
	node, ok := h.(*demoNode)
	if !ok {
		return
	}
	s.mu.Lock()
	s.attached[node] = true
	s.mu.Unlock()
}

func (s *demoScene) Detach(h registry.Renderable) {
	node, ok := h.(*demoNode)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.attached, node)
	s.mu.Unlock()
}

// AttachedCount reports how many roots the renderer would currently draw.
func (s *demoScene) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Node returns the backing node for an object id, if the scene created one.
func (s *demoScene) Node(id string) (*demoNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	return node, ok
}
