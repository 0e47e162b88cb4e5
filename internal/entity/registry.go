// Package entity holds the per-type capability registry and the write adapter.
//
// Every writable entity type is registered once at startup with an explicit
// allowlist of caller-writable core fields. System columns (identity, audit,
// versioning, soft-delete markers) are owned by the kernel and can never be
// registered as writable. The write adapter splits a raw record into the
// allowlisted core fields and the tenant-extensible custom-data bag.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultCustomDataKey is the record key that carries tenant-defined custom fields.
const DefaultCustomDataKey = "custom_data"

var (
	// ErrUnknownEntityType is returned when no spec is registered for a type name.
	ErrUnknownEntityType = errors.New("entity: unknown entity type")
	// ErrNoWritableFields is returned when a registered type has an empty allowlist.
	ErrNoWritableFields = errors.New("entity: no writable fields defined")
)

// systemColumns are kernel-owned and never caller-writable.
var systemColumns = map[string]bool{
	"id":         true,
	"org_id":     true,
	"created_at": true,
	"updated_at": true,
	"created_by": true,
	"updated_by": true,
	"version":    true,
	"is_deleted": true,
	"deleted_at": true,
	"deleted_by": true,
	"doc_number": true,
}

// IsSystemColumn reports whether name is a kernel-owned column.
func IsSystemColumn(name string) bool { return systemColumns[name] }

// TypeSpec describes the write capabilities of one entity type.
type TypeSpec struct {
	// Name is the canonical type name, e.g. "contact" or "invoice".
	Name string
	// Writable is the allowlist of caller-writable core fields.
	Writable []string
	// CustomDataKey is the record key holding the tenant overflow bag.
	// Defaults to DefaultCustomDataKey when empty.
	CustomDataKey string
	// HardDelete permits physical row deletion instead of soft delete.
	HardDelete bool
	// DocNumbered allocates a per-tenant sequential document number on create.
	DocNumbered bool
}

func (s TypeSpec) customKey() string {
	if s.CustomDataKey == "" {
		return DefaultCustomDataKey
	}
	return s.CustomDataKey
}

// TypeVersion is a registry snapshot entry: the type name plus a stable hash
// of its allowlist. Used by the signed report to pin the registry state a
// migration job ran against.
type TypeVersion struct {
	Name          string `json:"name"`
	AllowlistHash string `json:"allowlist_hash"`
}

// Registry maps entity type names to their capability descriptors.
// Registration is explicit and validated; lookups of unregistered names
// fail with ErrUnknownEntityType.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeSpec)}
}

// Register adds a type spec. It rejects duplicate names, system columns in
// the allowlist, and allowlist entries that collide with the custom-data key.
func (r *Registry) Register(spec TypeSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("entity: register: empty type name")
	}
	seen := make(map[string]bool, len(spec.Writable))
	for _, f := range spec.Writable {
		if IsSystemColumn(f) {
			return fmt.Errorf("entity: register %q: field %q is a system column", spec.Name, f)
		}
		if f == spec.customKey() {
			return fmt.Errorf("entity: register %q: field %q collides with the custom-data key", spec.Name, f)
		}
		if seen[f] {
			return fmt.Errorf("entity: register %q: duplicate field %q", spec.Name, f)
		}
		seen[f] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[spec.Name]; dup {
		return fmt.Errorf("entity: register %q: already registered", spec.Name)
	}
	r.types[spec.Name] = spec
	return nil
}

// Lookup returns the spec for a type name.
func (r *Registry) Lookup(name string) (TypeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[name]
	if !ok {
		return TypeSpec{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, name)
	}
	return spec, nil
}

// Snapshot returns the registered types sorted by name, each with a stable
// hash over its sorted allowlist. Deterministic for identical registrations.
func (r *Registry) Snapshot() []TypeVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TypeVersion, 0, len(r.types))
	for name, spec := range r.types {
		fields := append([]string(nil), spec.Writable...)
		sort.Strings(fields)
		h := sha256.New()
		for _, f := range fields {
			h.Write([]byte(f))
			h.Write([]byte{0})
		}
		h.Write([]byte(spec.customKey()))
		out = append(out, TypeVersion{
			Name:          name,
			AllowlistHash: hex.EncodeToString(h.Sum(nil)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
