package tools

import "fmt"

// Set is a named collection of specs that agent definitions pick from
type Set map[string]Spec

// NewSet indexes specs by name
func NewSet(specs ...Spec) Set {
	s := make(Set, len(specs))
	for _, spec := range specs {
		s[spec.Name] = spec
	}
	return s
}

// Pick returns the specs for names, in the order given
func (s Set) Pick(names ...string) ([]Spec, error) {
	out := make([]Spec, 0, len(names))
	for _, name := range names {
		spec, ok := s[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Merge returns a new set holding the specs of s and other; other wins on conflicts
func (s Set) Merge(other Set) Set {
	out := make(Set, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
