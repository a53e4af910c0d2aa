// Package registry maintains the authoritative local view of all networked
// objects in a session and reconciles local and remote mutations: creation,
// ownership transfer, the parent/child graph, and per-tick transform
// replication. All mutation is serialized behind a single mutex; event
// handlers and the caller's frame tick funnel through it one at a time.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

// Registry is the replicated object store for one session. It is
// process-scoped: it lives for the lifetime of the session and is discarded
// with it, nothing is persisted.
type Registry struct {
	mu      sync.Mutex
	localID string
	objects map[string]*Object
	cached  []deferredAdd // adds queued before identity assignment
	retry   *retryQueue   // adds waiting for their parent
	closed  bool

	loader Loader
	scene  Scene
	now    func() int64

	done      chan struct{}
	closeOnce sync.Once

	broadcast func(protocol.SyncMessage)
	onAdded   func(id string)
	onRemoved func(id string)
	onError   func(error)
}

// effects collects everything an operation wants to do outside the registry
// lock: outbound messages, scene attach/detach, and notifications. Running
// them after unlock keeps callbacks free to call back into the registry.
type effects struct {
	msgs    []protocol.SyncMessage
	attach  []Renderable
	detach  []Renderable
	added   []string
	removed []string
	errs    []error
}

// New creates a registry using the given loader and scene collaborators.
// Callbacks must be registered before the first message is dispatched.
func New(loader Loader, scene Scene) *Registry {
	return &Registry{
		objects: make(map[string]*Object),
		retry:   newRetryQueue(),
		loader:  loader,
		scene:   scene,
		now:     func() int64 { return time.Now().UnixMilli() },
		done:    make(chan struct{}),
	}
}

// SetBroadcastFunc sets the function used to send a sync message to every
// connected peer.
func (r *Registry) SetBroadcastFunc(fn func(protocol.SyncMessage)) {
	r.broadcast = fn
}

// SetAddedCallback sets the notification raised when a remote root object
// has been materialized and attached.
func (r *Registry) SetAddedCallback(fn func(id string)) {
	r.onAdded = fn
}

// SetRemovedCallback sets the notification raised when a root object is
// removed from the registry.
func (r *Registry) SetRemovedCallback(fn func(id string)) {
	r.onRemoved = fn
}

// SetErrorCallback sets the notification for recoverable errors. No error
// ever aborts the reconciliation loop.
func (r *Registry) SetErrorCallback(fn func(error)) {
	r.onError = fn
}

// SetClock replaces the timestamp source. Tests use this to make ownership
// races deterministic.
func (r *Registry) SetClock(fn func() int64) {
	r.now = fn
}

// Start launches the deferred-add retry loop. Objects whose parent has not
// arrived yet are re-attempted every RetryInterval until the parent exists.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.retryDeferred()
			}
		}
	}()
}

// Close stops the retry loop and rejects further mutation. Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// LocalID returns the relay-assigned local identity, or "" before assignment.
func (r *Registry) LocalID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localID
}

// SetLocalID records the relay-assigned identity and replays every add that
// was queued while the identity was still unknown.
func (r *Registry) SetLocalID(id string) {
	r.mu.Lock()
	r.localID = id
	queued := r.cached
	r.cached = nil
	r.mu.Unlock()

	for _, d := range queued {
		r.AddObject(d.desc, d.origin)
	}
}

// AddObject inserts a networked object into the registry. The call is
// idempotent by id. An empty originPeer means the object was created
// locally. Adds made before identity assignment are cached and replayed;
// adds whose parent is absent are deferred to the retry queue. Local
// creations are broadcast as first-update messages; remote root objects are
// attached to the scene and raise the added notification.
func (r *Registry) AddObject(desc Descriptor, originPeer string) {
	fx := &effects{}
	r.addObject(desc, originPeer, fx)
	r.run(fx)
}

func (r *Registry) addObject(desc Descriptor, originPeer string, fx *effects) {
	r.mu.Lock()
	if r.closed || desc.ID == "" {
		r.mu.Unlock()
		return
	}
	if r.localID == "" {
		r.cached = append(r.cached, deferredAdd{desc: desc, origin: originPeer})
		r.mu.Unlock()
		return
	}
	if originPeer == "" {
		originPeer = r.localID
	}
	if _, exists := r.objects[desc.ID]; exists {
		r.mu.Unlock()
		return
	}
	if desc.Parent != "" {
		if _, ok := r.objects[desc.Parent]; !ok {
			r.retry.put(desc, originPeer)
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	// Materialization may block on an asset fetch or name lookup; never
	// hold the registry lock across it.
	handle, err := r.materialize(desc)
	if err != nil {
		fx.errs = append(fx.errs, &protocol.MaterializationError{ObjectID: desc.ID, Err: err})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, exists := r.objects[desc.ID]; exists {
		return
	}
	var parent *Object
	if desc.Parent != "" {
		var ok bool
		parent, ok = r.objects[desc.Parent]
		if !ok {
			// The parent was removed while the load was in flight.
			r.retry.put(desc, originPeer)
			return
		}
	}

	obj := &Object{
		ID:         desc.ID,
		Owner:      desc.Owner,
		Kind:       desc.Kind,
		Value:      desc.Value,
		ParentID:   desc.Parent,
		IsAvatar:   desc.IsAvatar,
		LastUpdate: desc.LastUpdate,
		Renderable: handle,
		Animated:   make(map[string]float64),
	}
	if obj.Owner == "" && originPeer == r.localID {
		obj.Owner = r.localID
	}
	if obj.LastUpdate == 0 {
		obj.LastUpdate = r.now()
	}
	if handle != nil {
		obj.Transform = handle.Transform()
		for k, v := range handle.AnimatedValues() {
			obj.Animated[k] = v
		}
	}
	r.objects[obj.ID] = obj
	if parent != nil {
		parent.ChildIDs = append(parent.ChildIDs, obj.ID)
	}

	if originPeer == r.localID {
		fx.msgs = append(fx.msgs, r.firstUpdateLocked(obj))
	} else if obj.ParentID == "" {
		if handle != nil {
			fx.attach = append(fx.attach, handle)
		}
		fx.added = append(fx.added, obj.ID)
	}
}

// materialize resolves a descriptor into a renderable according to its
// source kind. ByReference descriptors created locally carry the handle
// directly; ones arriving over the wire fall back to a scene lookup.
func (r *Registry) materialize(desc Descriptor) (Renderable, error) {
	switch desc.Kind {
	case protocol.ByReference:
		if desc.Handle != nil {
			return desc.Handle, nil
		}
		if r.scene != nil {
			if h, ok := r.scene.FindByName(desc.Value); ok {
				return h, nil
			}
		}
		return nil, fmt.Errorf("no handle for reference object %q", desc.Value)
	case protocol.ByName:
		if r.scene == nil {
			return nil, fmt.Errorf("no scene to resolve name %q", desc.Value)
		}
		h, ok := r.scene.FindByName(desc.Value)
		if !ok {
			return nil, fmt.Errorf("no scene object named %q", desc.Value)
		}
		return h, nil
	case protocol.ByPath:
		if r.loader == nil {
			return nil, fmt.Errorf("no loader to fetch %q", desc.Value)
		}
		return r.loader.Load(desc)
	default:
		return nil, fmt.Errorf("unknown source kind %q", desc.Kind)
	}
}

// RemoveObject removes a locally owned object, all its descendants first,
// and broadcasts the removal. No-op if the object is absent or owned
// elsewhere.
func (r *Registry) RemoveObject(id string) {
	fx := &effects{}

	r.mu.Lock()
	obj, ok := r.objects[id]
	if !ok || obj.Owner != r.localID || r.localID == "" {
		r.mu.Unlock()
		return
	}
	r.removeLocked(obj, true, fx)
	r.mu.Unlock()

	r.run(fx)
}

// removeLocked deletes obj and its descendants depth-first, unlinks it from
// its parent, and queues detach/removed notifications for root objects.
// Only the top-level removal is broadcast; receivers recurse on their side.
func (r *Registry) removeLocked(obj *Object, broadcastRemove bool, fx *effects) {
	for _, cid := range append([]string(nil), obj.ChildIDs...) {
		if child, ok := r.objects[cid]; ok {
			r.removeLocked(child, false, fx)
		}
	}
	if obj.ParentID != "" {
		if parent, ok := r.objects[obj.ParentID]; ok {
			parent.ChildIDs = removeID(parent.ChildIDs, obj.ID)
		}
	} else {
		if obj.Renderable != nil {
			fx.detach = append(fx.detach, obj.Renderable)
		}
		fx.removed = append(fx.removed, obj.ID)
	}
	delete(r.objects, obj.ID)

	if broadcastRemove {
		fx.msgs = append(fx.msgs, protocol.SyncMessage{
			Type:   protocol.TypeRemove,
			Object: obj.meta(),
		})
	}
}

// GrabOwnership reassigns ownership of the object backing handle to the
// local peer. The grab only succeeds for non-avatar objects that are not
// already locally owned and whose last update is not ahead of the local
// clock; a timestamp in the future means a contested grab already raced
// past a stale broadcast.
func (r *Registry) GrabOwnership(handle Renderable) bool {
	fx := &effects{}

	r.mu.Lock()
	var obj *Object
	for _, o := range r.objects {
		if o.Renderable == handle {
			obj = o
			break
		}
	}
	ok := r.grabLocked(obj, fx)
	r.mu.Unlock()

	r.run(fx)
	return ok
}

// GrabOwnershipID is GrabOwnership addressed by object id.
func (r *Registry) GrabOwnershipID(id string) bool {
	fx := &effects{}

	r.mu.Lock()
	ok := r.grabLocked(r.objects[id], fx)
	r.mu.Unlock()

	r.run(fx)
	return ok
}

func (r *Registry) grabLocked(obj *Object, fx *effects) bool {
	if obj == nil || obj.IsAvatar || r.localID == "" || obj.Owner == r.localID {
		return false
	}
	now := r.now()
	if obj.LastUpdate > now {
		return false
	}
	obj.Owner = r.localID
	obj.LastUpdate = now
	fx.msgs = append(fx.msgs, protocol.SyncMessage{
		Type:   protocol.TypeUpdate,
		Object: obj.meta(),
	})
	return true
}

// ApplyRemoteUpdate reconciles one inbound update message. originPeer is the
// sending peer's identity; initiated reports whether the local side
// initiated the underlying connection. Unknown objects carrying a full
// descriptor are added implicitly; unauthorized or undecodable claims are
// discarded without touching unrelated state.
func (r *Registry) ApplyRemoteUpdate(msg *protocol.SyncMessage, originPeer string, initiated bool) {
	if msg.Object.ID == "" {
		log.Printf("registry: discarding update without object id from %s", originPeer)
		return
	}
	// A peer may only speak for objects it claims to own.
	if msg.Object.Owner != originPeer {
		log.Printf("registry: %v", &protocol.ProtocolViolation{
			PeerID: originPeer,
			Reason: fmt.Sprintf("update for %s claims owner %q", msg.Object.ID, msg.Object.Owner),
		})
		return
	}

	fx := &effects{}

	r.mu.Lock()
	obj, ok := r.objects[msg.Object.ID]
	if !ok {
		r.mu.Unlock()
		if !msg.Object.HasDescriptor() {
			// Nothing to materialize from; the owner re-announces every tick.
			return
		}
		r.addObject(Descriptor{
			ID:         msg.Object.ID,
			Kind:       msg.Object.Kind,
			Value:      msg.Object.Value,
			Parent:     msg.Object.Parent,
			IsAvatar:   msg.Object.IsAvatar,
			Owner:      msg.Object.Owner,
			LastUpdate: msg.Object.LastUpdate,
		}, originPeer, fx)
		r.mu.Lock()
		obj, ok = r.objects[msg.Object.ID]
		if !ok {
			// Deferred behind a missing parent, or the load failed.
			r.mu.Unlock()
			r.run(fx)
			return
		}
	}

	if msg.FirstUpdate && !initiated && obj.Owner != msg.Object.Owner {
		// A freshly joined peer adopts the established peer's snapshot
		// unconditionally.
		obj.Owner = msg.Object.Owner
		obj.LastUpdate = msg.Object.LastUpdate
	}

	// Per-field last-write-wins: the owner refreshes these every tick, so
	// applying them unconditionally is idempotent.
	if msg.Position != nil {
		obj.Transform.Position = Vec3(*msg.Position)
	}
	if msg.Rotation != nil {
		obj.Transform.Rotation = Vec3(*msg.Rotation)
	}
	if msg.Scale != nil {
		obj.Transform.Scale = Vec3(*msg.Scale)
	}
	for path, v := range msg.AnimatedValues {
		obj.Animated[path] = v
	}

	// Ordinary ownership propagation. Older-or-equal timestamps lose: that
	// is what makes two simultaneous grabs converge on a single owner.
	if !msg.FirstUpdate && msg.Object.Owner != "" && msg.Object.LastUpdate > obj.LastUpdate {
		obj.Owner = msg.Object.Owner
		obj.LastUpdate = msg.Object.LastUpdate
	}
	r.mu.Unlock()

	r.run(fx)
}

// ApplyRemoteRemoval removes an object on behalf of a remote peer, gated on
// that peer actually owning it.
func (r *Registry) ApplyRemoteRemoval(msg *protocol.SyncMessage, originPeer string) {
	fx := &effects{}

	r.mu.Lock()
	obj, ok := r.objects[msg.Object.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if obj.Owner != originPeer {
		r.mu.Unlock()
		log.Printf("registry: %v", &protocol.ProtocolViolation{
			PeerID: originPeer,
			Reason: fmt.Sprintf("removal of %s owned by %q", msg.Object.ID, obj.Owner),
		})
		return
	}
	r.removeLocked(obj, false, fx)
	r.mu.Unlock()

	r.run(fx)
}

// OnPeerDisconnected clears ownership of everything the departed peer owned.
// Avatar objects are deleted outright; parentless ones raise exactly one
// removal notification.
func (r *Registry) OnPeerDisconnected(peerID string) {
	fx := &effects{}

	r.mu.Lock()
	var avatars []*Object
	for _, obj := range r.objects {
		if obj.Owner != peerID {
			continue
		}
		if obj.IsAvatar {
			avatars = append(avatars, obj)
		} else {
			obj.Owner = ""
		}
	}
	for _, obj := range avatars {
		// May already be gone as a descendant of an earlier avatar.
		if _, ok := r.objects[obj.ID]; ok {
			r.removeLocked(obj, false, fx)
		}
	}
	r.mu.Unlock()

	r.run(fx)
}

// Tick runs one reconciliation pass, driven by the caller once per rendered
// frame: locally owned objects are read from their renderable and broadcast,
// everything else has its last received state pushed onto its renderable.
func (r *Registry) Tick() {
	r.mu.Lock()
	if r.closed || r.localID == "" {
		r.mu.Unlock()
		return
	}
	var out []protocol.SyncMessage
	for _, obj := range r.objects {
		if obj.Owner == r.localID {
			if obj.Renderable != nil {
				obj.Transform = obj.Renderable.Transform()
				for k, v := range obj.Renderable.AnimatedValues() {
					obj.Animated[k] = v
				}
			}
			out = append(out, protocol.SyncMessage{
				Type:           protocol.TypeUpdate,
				Object:         obj.meta(),
				Position:       vecPtr(obj.Transform.Position),
				Rotation:       vecPtr(obj.Transform.Rotation),
				Scale:          vecPtr(obj.Transform.Scale),
				AnimatedValues: cloneValues(obj.Animated),
			})
		} else if obj.Renderable != nil {
			obj.Renderable.ApplyTransform(obj.Transform)
			for path, v := range obj.Animated {
				obj.Renderable.SetAnimatedValue(path, v)
			}
		}
	}
	r.mu.Unlock()

	for i := range out {
		if r.broadcast != nil {
			r.broadcast(out[i])
		}
	}
}

// SnapshotMessages returns a first-update message for every locally owned
// object, parents before children, for pushing the full state to a newly
// connected peer.
func (r *Registry) SnapshotMessages() []protocol.SyncMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var owned []*Object
	for _, obj := range r.objects {
		if obj.Owner == r.localID && r.localID != "" {
			owned = append(owned, obj)
		}
	}
	// Parents first so the receiver rarely has to defer children.
	sort.Slice(owned, func(i, j int) bool {
		if (owned[i].ParentID == "") != (owned[j].ParentID == "") {
			return owned[i].ParentID == ""
		}
		return owned[i].ID < owned[j].ID
	})

	msgs := make([]protocol.SyncMessage, 0, len(owned))
	for _, obj := range owned {
		msgs = append(msgs, r.firstUpdateLocked(obj))
	}
	return msgs
}

func (r *Registry) firstUpdateLocked(obj *Object) protocol.SyncMessage {
	return protocol.SyncMessage{
		Type:           protocol.TypeUpdate,
		FirstUpdate:    true,
		Object:         obj.descriptorMeta(),
		Position:       vecPtr(obj.Transform.Position),
		Rotation:       vecPtr(obj.Transform.Rotation),
		Scale:          vecPtr(obj.Transform.Scale),
		AnimatedValues: cloneValues(obj.Animated),
	}
}

// Object returns a snapshot of one object.
func (r *Registry) Object(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return Info{}, false
	}
	return infoFor(obj), true
}

// Objects returns snapshots of all objects, sorted by id.
func (r *Registry) Objects() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, infoFor(obj))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeferredAdds reports how many adds are waiting for a missing parent.
func (r *Registry) DeferredAdds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retry.len()
}

// retryDeferred re-attempts every deferred add once. Adds whose parent is
// still missing end up back in the queue.
func (r *Registry) retryDeferred() {
	r.mu.Lock()
	if r.closed || r.localID == "" {
		r.mu.Unlock()
		return
	}
	queued := r.retry.drain()
	r.mu.Unlock()

	for _, d := range queued {
		r.AddObject(d.desc, d.origin)
	}
}

// run executes the side effects collected by an operation after the
// registry lock has been released.
func (r *Registry) run(fx *effects) {
	for i := range fx.msgs {
		if r.broadcast != nil {
			r.broadcast(fx.msgs[i])
		}
	}
	for _, h := range fx.attach {
		if r.scene != nil {
			r.scene.Attach(h)
		}
	}
	for _, h := range fx.detach {
		if r.scene != nil {
			r.scene.Detach(h)
		}
	}
	for _, id := range fx.added {
		if r.onAdded != nil {
			r.onAdded(id)
		}
	}
	for _, id := range fx.removed {
		if r.onRemoved != nil {
			r.onRemoved(id)
		}
	}
	for _, err := range fx.errs {
		log.Printf("registry: %v", err)
		if r.onError != nil {
			r.onError(err)
		}
	}
}

func infoFor(obj *Object) Info {
	return Info{
		ID:         obj.ID,
		Owner:      obj.Owner,
		Kind:       obj.Kind,
		Value:      obj.Value,
		ParentID:   obj.ParentID,
		IsAvatar:   obj.IsAvatar,
		LastUpdate: obj.LastUpdate,
		Children:   len(obj.ChildIDs),
		Transform:  obj.Transform,
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
