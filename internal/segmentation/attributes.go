package segmentation

import (
	"strings"

	"github.com/ignite/audience-engine/internal/domain"
)

// AttributeAccessor reads a (possibly dotted) attribute path from a user.
// The boolean is false when any segment of the path is missing or nil.
type AttributeAccessor interface {
	Attribute(u domain.User, path string) (any, bool)
}

// AccessorFunc adapts a function to AttributeAccessor.
type AccessorFunc func(u domain.User, path string) (any, bool)

func (f AccessorFunc) Attribute(u domain.User, path string) (any, bool) { return f(u, path) }

// PathAccessor resolves dotted paths through nested attribute maps.
// The path "id" resolves to the user id when no attribute shadows it.
type PathAccessor struct{}

func (PathAccessor) Attribute(u domain.User, path string) (any, bool) {
	if v, ok := lookupPath(u.Attributes, path); ok {
		return v, true
	}
	if path == "id" && u.ID != "" {
		return u.ID, true
	}
	return nil, false
}

// LookupPath walks a dotted path through nested maps.
func LookupPath(doc map[string]any, path string) (any, bool) {
	return lookupPath(doc, path)
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	if doc == nil || path == "" {
		return nil, false
	}
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
