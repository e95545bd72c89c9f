// Package memconfig parses declarative region/handler provisioning
// documents and applies them to a memsys.Allocator. A document's schema
// version is checked against the range this build understands using
// semantic-versioning constraint matching, the same pattern the package
// registry resolver in the wider codebase uses for dependency ranges.
package memconfig

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/execmem/execmem/internal/memflags"
	"github.com/execmem/execmem/internal/memsys"
	"github.com/execmem/execmem/internal/platform"
	"github.com/execmem/execmem/internal/region"
)

// SchemaConstraint is the range of provisioning-document schema versions
// this build accepts. Documents outside the range are rejected by
// ParseDocument rather than silently misapplied.
const SchemaConstraint = ">=1.0.0, <2.0.0"

// RegionSpec is the serializable description of a Region to provision.
type RegionSpec struct {
	Name      string   `json:"name"`
	Bytes     int      `json:"bytes"`
	Attrs     []string `json:"attrs"`
	Priority  int32    `json:"priority"`
	DebugFill bool     `json:"debugFill"`
}

// HandlerSpec is the serializable description of a Handler to register. It
// names a callback previously registered with Register rather than
// carrying executable code.
type HandlerSpec struct {
	Name     string `json:"name"`
	Priority int32  `json:"priority"`
	Callback string `json:"callback"`
}

// ProvisioningDocument is the unit memwatch watches for and JSON-decodes.
type ProvisioningDocument struct {
	SchemaVersion string        `json:"schemaVersion"`
	Regions       []RegionSpec  `json:"regions"`
	Handlers      []HandlerSpec `json:"handlers"`
}

// ParseDocument decodes data as a ProvisioningDocument and validates its
// schema version against SchemaConstraint.
func ParseDocument(data []byte) (ProvisioningDocument, error) {
	var doc ProvisioningDocument

	if err := json.Unmarshal(data, &doc); err != nil {
		return ProvisioningDocument{}, fmt.Errorf("memconfig: decode document: %w", err)
	}

	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return ProvisioningDocument{}, fmt.Errorf("memconfig: internal schema constraint %q is invalid: %w", SchemaConstraint, err)
	}

	version, err := semver.NewVersion(doc.SchemaVersion)
	if err != nil {
		return ProvisioningDocument{}, fmt.Errorf("memconfig: document schemaVersion %q is not valid semver: %w", doc.SchemaVersion, err)
	}

	if !constraint.Check(version) {
		return ProvisioningDocument{}, fmt.Errorf("memconfig: document schema version %s does not satisfy %s", version, SchemaConstraint)
	}

	return doc, nil
}

var attrNames = map[string]memflags.T{
	"public":    memflags.Public,
	"fast":      memflags.Fast,
	"video":     memflags.Video,
	"virtual":   memflags.Virtual,
	"permanent": memflags.Permanent,
}

func parseAttrs(names []string) (memflags.T, error) {
	var attrs memflags.T

	for _, name := range names {
		bit, ok := attrNames[name]
		if !ok {
			return 0, fmt.Errorf("memconfig: unknown region attribute %q", name)
		}

		attrs |= bit
	}

	return attrs, nil
}

// Registry resolves a HandlerSpec's named callback to a live memsys.Handler
// constructor at Apply time. Handlers are not serializable code, so a
// provisioning document can only reference handlers the process already
// knows how to build.
type Registry struct {
	callbacks map[string]func(name string, priority int32) memsys.Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]func(string, int32) memsys.Handler)}
}

// Register associates callback with name for later resolution by Apply.
func (r *Registry) Register(name string, callback func(name string, priority int32) memsys.Handler) {
	r.callbacks[name] = callback
}

func (r *Registry) build(spec HandlerSpec) (memsys.Handler, error) {
	ctor, ok := r.callbacks[spec.Callback]
	if !ok {
		return nil, fmt.Errorf("memconfig: handler %q references unregistered callback %q", spec.Name, spec.Callback)
	}

	return ctor(spec.Name, spec.Priority), nil
}

// Apply provisions every region and handler named in doc onto a. Region
// memory is acquired from platform.Acquire. Application is not
// transactional: if a later spec fails, regions and handlers already
// applied stay applied — this is meant for process startup and hot
// provisioning, not for speculative configuration a caller might abandon
// mid-way (see RemRegion/RemHandler for manual rollback).
func Apply(a *memsys.Allocator, doc ProvisioningDocument, registry *Registry) error {
	for _, spec := range doc.Regions {
		attrs, err := parseAttrs(spec.Attrs)
		if err != nil {
			return err
		}

		mem, err := platform.Acquire(spec.Bytes)
		if err != nil {
			return fmt.Errorf("memconfig: acquire region %q: %w", spec.Name, err)
		}

		var opts []region.Option
		if spec.DebugFill {
			opts = append(opts, region.WithDebugFill(true))
		}

		if _, err := a.AddRegion(mem.Bytes, attrs, spec.Priority, spec.Name, opts...); err != nil {
			return fmt.Errorf("memconfig: add region %q: %w", spec.Name, err)
		}
	}

	for _, spec := range doc.Handlers {
		h, err := registry.build(spec)
		if err != nil {
			return err
		}

		a.AddHandler(h)
	}

	return nil
}
