package embedding

import (
	"fmt"
	"slices"
)

// Set holds the configured providers and the process-wide default.
type Set struct {
	providers map[Kind]Embedder
	def       Kind
}

// NewSet builds a provider set. def must be one of the given providers.
func NewSet(def Kind, providers ...Embedder) (*Set, error) {
	s := &Set{providers: make(map[Kind]Embedder, len(providers)), def: def}
	for _, p := range providers {
		if p == nil {
			continue
		}
		s.providers[p.Kind()] = p
	}
	if _, ok := s.providers[def]; !ok {
		return nil, fmt.Errorf("%w: default %q is not configured", ErrUnknownKind, def)
	}
	return s, nil
}

// Get returns the provider of the given kind, or the default for "".
func (s *Set) Get(kind Kind) (Embedder, error) {
	if kind == "" {
		kind = s.def
	}
	p, ok := s.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Default returns the process-wide default provider.
func (s *Set) Default() Embedder {
	return s.providers[s.def]
}

// Kinds lists configured providers in name order.
func (s *Set) Kinds() []Kind {
	out := make([]Kind, 0, len(s.providers))
	for k := range s.providers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
