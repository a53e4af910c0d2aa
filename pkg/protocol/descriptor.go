package protocol

// SourceKind tells the local renderer how to materialize an object's visual
// representation: from an already-held handle, by looking a node up by name
// in the local scene, or by loading an asset from a path.
type SourceKind string

// Source kinds
const (
	ByReference SourceKind = "reference"
	ByName      SourceKind = "name"
	ByPath      SourceKind = "path"
)

// Valid reports whether the kind is one of the known variants.
func (k SourceKind) Valid() bool {
	switch k {
	case ByReference, ByName, ByPath:
		return true
	}
	return false
}
