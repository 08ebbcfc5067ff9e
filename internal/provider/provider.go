package provider

import (
	"fmt"
	"sort"
	"strings"

	"callrouter/internal/controldoc"
	"callrouter/internal/domain"
)

type Capability uint8

const (
	CapGather Capability = 1 << iota
	CapStream
	CapEnqueue
)

func (c Capability) String() string {
	switch c {
	case CapGather:
		return "Gather"
	case CapStream:
		return "Stream"
	case CapEnqueue:
		return "Enqueue"
	}
	return fmt.Sprintf("Capability(%d)", uint8(c))
}

// Capabilities is a set of Capability flags.
type Capabilities uint8

func NewCapabilities(caps ...Capability) Capabilities {
	var set Capabilities
	for _, c := range caps {
		set |= Capabilities(c)
	}
	return set
}

func (s Capabilities) Supports(c Capability) bool {
	return s&Capabilities(c) != 0
}

func (s Capabilities) String() string {
	var names []string
	for _, c := range []Capability{CapGather, CapStream, CapEnqueue} {
		if s.Supports(c) {
			names = append(names, c.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Required returns the capability a document needs from the adapter.
func Required(doc controldoc.Document) Capability {
	switch doc.Kind {
	case controldoc.KindStream:
		return CapStream
	case controldoc.KindEnqueue:
		return CapEnqueue
	default:
		return CapGather
	}
}

// Rendered is a control document in a provider's wire format.
type Rendered struct {
	ContentType string
	Body        []byte
}

type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Render fails with *domain.UnsupportedCapabilityError when the document
	// needs a capability the adapter lacks.
	Render(doc controldoc.Document) (Rendered, error)
}

func checkCapability(a Adapter, doc controldoc.Document) error {
	need := Required(doc)
	if !a.Capabilities().Supports(need) {
		return &domain.UnsupportedCapabilityError{Provider: a.Name(), Capability: need.String()}
	}
	return nil
}

type Options struct {
	ACSMediaTransportURL string
	ACSCallbackURL       string
}

// Set holds the adapters known to the service, keyed by provider name.
type Set struct {
	adapters map[string]Adapter
	fallback string
}

func NewSet(defaultProvider string, opts Options) *Set {
	s := &Set{adapters: map[string]Adapter{}, fallback: defaultProvider}
	s.Register(NewTwilio())
	s.Register(NewACS(opts.ACSMediaTransportURL, opts.ACSCallbackURL))
	return s
}

func (s *Set) Register(a Adapter) {
	s.adapters[a.Name()] = a
}

// Get returns the adapter for name, or the default adapter when name is
// empty.
func (s *Set) Get(name string) (Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = s.fallback
	}
	a, ok := s.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return a, nil
}

func (s *Set) Default() Adapter {
	a, err := s.Get("")
	if err != nil {
		return NewTwilio()
	}
	return a
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.adapters))
	for n := range s.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
