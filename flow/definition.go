package flow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/franksops/gridconveyor/store"
)

type definitionFile struct {
	Flows []*store.FlowRecord `yaml:"flows"`
}

// Parse decodes a YAML document with a top-level "flows" list.
func Parse(data []byte) ([]*store.FlowRecord, error) {
	var doc definitionFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse flow definitions: %w", err)
	}
	for i, rec := range doc.Flows {
		if rec == nil || rec.Name == "" {
			return nil, fmt.Errorf("%w: flow %d has no name", ErrInvalidSpec, i)
		}
	}
	return doc.Flows, nil
}

// LoadFile reads flow definitions from a YAML file.
func LoadFile(path string) ([]*store.FlowRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definitions: %w", err)
	}
	return Parse(data)
}

// Build turns a persisted flow record into a spec.
func Build(rec *store.FlowRecord, f *Factory) (*Spec, error) {
	action, err := ParseAction(rec.Action)
	if err != nil {
		return nil, err
	}
	b := NewSpec(rec.Name).For(action).Host(rec.Host).Zone(rec.Zone)

	phases := []struct {
		refs []store.MicroserviceRef
		add  func(...Microservice) *Builder
	}{
		{rec.PreOperation, b.PreOperation},
		{rec.PreFile, b.PreFile},
		{rec.PostFile, b.PostFile},
		{rec.PostOperation, b.PostOperation},
		{rec.OnError, b.OnError},
	}
	for _, ph := range phases {
		for _, ref := range ph.refs {
			m, err := f.New(ref)
			if err != nil {
				return nil, err
			}
			ph.add(m)
		}
	}
	return b.Build()
}

// Persist builds rec, stores it so it survives restarts and registers the
// resulting spec.
func (r *Resolver) Persist(st store.FlowStore, rec *store.FlowRecord, f *Factory) (*Spec, error) {
	spec, err := Build(rec, f)
	if err != nil {
		return nil, err
	}
	if err := st.SaveFlow(rec); err != nil {
		return nil, fmt.Errorf("failed to save flow %q: %w", rec.Name, err)
	}
	return spec, r.Register(spec)
}
