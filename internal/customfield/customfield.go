// Package customfield validates and projects tenant-defined custom fields.
//
// Definitions live in storage per (tenant, entity type). Validation runs
// before a write is committed; projection into the queryable side table runs
// after commit and is best-effort.
package customfield

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-data/torii/internal/storage"
)

// Field value kinds.
const (
	KindString = "string"
	KindNumber = "number"
	KindBool   = "bool"
	KindDate   = "date"
)

// Store is the storage slice the service needs.
type Store interface {
	ListCustomFieldDefs(ctx context.Context, orgID uuid.UUID, entityType string) ([]storage.CustomFieldDef, error)
	UpsertCustomFieldValue(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, key string, value any) error
	DeleteCustomFieldValues(ctx context.Context, orgID, entityID uuid.UUID) error
}

// Service implements the kernel's custom-field collaborator over a Store.
type Service struct {
	store Store
}

// NewService wires a service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// ValidateCustomData rejects unknown keys and values whose type does not
// match the field definition. Nil values are allowed for any kind.
func (s *Service) ValidateCustomData(ctx context.Context, orgID uuid.UUID, entityType string, custom map[string]any) error {
	if len(custom) == 0 {
		return nil
	}
	defs, err := s.store.ListCustomFieldDefs(ctx, orgID, entityType)
	if err != nil {
		return fmt.Errorf("customfield: load definitions: %w", err)
	}
	byKey := make(map[string]storage.CustomFieldDef, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}

	for key, value := range custom {
		def, ok := byKey[key]
		if !ok {
			return fmt.Errorf("customfield: unknown field %q for %s", key, entityType)
		}
		if value == nil {
			continue
		}
		if err := checkKind(def.Kind, value); err != nil {
			return fmt.Errorf("customfield: field %q: %w", key, err)
		}
	}
	return nil
}

// SyncCustomFieldValues projects the custom bag into the side table, one
// upsert per key.
func (s *Service) SyncCustomFieldValues(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, custom map[string]any) error {
	for key, value := range custom {
		if err := s.store.UpsertCustomFieldValue(ctx, orgID, entityType, entityID, key, value); err != nil {
			return fmt.Errorf("customfield: sync %q: %w", key, err)
		}
	}
	return nil
}

// PurgeCustomFieldValues drops every projected value for an entity. Called
// after a hard delete; soft-deleted entities keep their values for restore.
func (s *Service) PurgeCustomFieldValues(ctx context.Context, orgID, entityID uuid.UUID) error {
	if err := s.store.DeleteCustomFieldValues(ctx, orgID, entityID); err != nil {
		return fmt.Errorf("customfield: purge values: %w", err)
	}
	return nil
}

func checkKind(kind string, value any) error {
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case KindDate:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected date string, got %T", value)
		}
		if _, err := time.Parse("2006-01-02", str); err != nil {
			if _, err := time.Parse(time.RFC3339, str); err != nil {
				return fmt.Errorf("unparseable date %q", str)
			}
		}
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}
	return nil
}
