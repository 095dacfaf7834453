package detector

import "github.com/rotisserie/eris"

// Registry holds the detectors run for every scan, in registration order.
// It is filled at startup and frozen before the first scan; after Freeze it
// is read-only and safe for concurrent use without locking.
type Registry struct {
	detectors map[string]Detector
	order     []string
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register adds a detector. Names must be unique.
func (r *Registry) Register(d Detector) error {
	if r.frozen {
		return eris.Errorf("detector: registry frozen, cannot register %q", d.Name())
	}
	name := d.Name()
	if name == "" {
		return eris.New("detector: empty detector name")
	}
	if _, dup := r.detectors[name]; dup {
		return eris.Errorf("detector: %q already registered", name)
	}
	r.detectors[name] = d
	r.order = append(r.order, name)
	return nil
}

// Freeze stops further registration.
func (r *Registry) Freeze() { r.frozen = true }

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, error) {
	d, ok := r.detectors[name]
	if !ok {
		return nil, eris.Errorf("detector: unknown detector %q", name)
	}
	return d, nil
}

// All returns every detector in registration order.
func (r *Registry) All() []Detector {
	out := make([]Detector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.detectors[name])
	}
	return out
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered detectors.
func (r *Registry) Len() int { return len(r.order) }
