package registry

import (
	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

// Vec3 is a three-component vector. Components never received from the
// network stay zero.
type Vec3 [3]float64

// Transform is the replicated spatial state of a networked object.
type Transform struct {
	Position Vec3
	Rotation Vec3
	Scale    Vec3
}

// Renderable is the renderer-side handle for a networked object. The
// registry reads it when broadcasting locally owned objects and writes it
// when reconciling remote ones; it never interprets the visual itself.
type Renderable interface {
	// Transform returns the current local transform of the visual.
	Transform() Transform

	// ApplyTransform pushes a replicated transform onto the visual.
	ApplyTransform(Transform)

	// AnimatedValues returns the current values of all animated fields,
	// keyed by dotted field path.
	AnimatedValues() map[string]float64

	// SetAnimatedValue pushes one replicated animated field onto the visual.
	SetAnimatedValue(path string, value float64)
}

// Scene is the renderer collaborator the registry attaches root objects to.
type Scene interface {
	Attach(Renderable)
	Detach(Renderable)
	FindByName(name string) (Renderable, bool)
}

// Loader materializes asset-path descriptors into renderables. A load may
// block on a network or disk fetch; the registry never calls it while
// holding its lock.
type Loader interface {
	Load(desc Descriptor) (Renderable, error)
}

// Descriptor describes a networked object to be added to the registry.
// Handle is only meaningful for ByReference descriptors created locally;
// descriptors arriving over the wire resolve their value through the scene
// or the loader instead.
type Descriptor struct {
	ID       string
	Kind     protocol.SourceKind
	Value    string
	Parent   string
	IsAvatar bool
	Handle   Renderable

	// Owner and LastUpdate are filled in for descriptors carried by remote
	// first-update messages; local creations leave them zero and the
	// registry assigns the local identity and clock.
	Owner      string
	LastUpdate int64
}

// Object is one replicated entity in the registry. All fields are guarded
// by the registry lock; callers outside the package see copies via Info.
type Object struct {
	ID         string
	Owner      string // empty means unowned
	Kind       protocol.SourceKind
	Value      string
	ParentID   string
	ChildIDs   []string
	IsAvatar   bool
	LastUpdate int64 // milliseconds, non-decreasing
	Transform  Transform
	Animated   map[string]float64
	Renderable Renderable
}

// Info is a read-only snapshot of an object for inspection and UI display.
type Info struct {
	ID         string
	Owner      string
	Kind       protocol.SourceKind
	Value      string
	ParentID   string
	IsAvatar   bool
	LastUpdate int64
	Children   int
	Transform  Transform
}

func (o *Object) meta() protocol.ObjectMeta {
	return protocol.ObjectMeta{
		ID:         o.ID,
		Owner:      o.Owner,
		LastUpdate: o.LastUpdate,
	}
}

// descriptorMeta includes the full descriptor so a peer that has never seen
// the object can materialize it.
func (o *Object) descriptorMeta() protocol.ObjectMeta {
	m := o.meta()
	m.Kind = o.Kind
	m.Value = o.Value
	m.Parent = o.ParentID
	m.IsAvatar = o.IsAvatar
	return m
}

func vecPtr(v Vec3) *[3]float64 {
	a := [3]float64(v)
	return &a
}

func cloneValues(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
