package kernel_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/kernel"
	"github.com/torii-data/torii/internal/listcache"
	"github.com/torii-data/torii/internal/storage"
	"github.com/torii-data/torii/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newTestRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	reg := entity.NewRegistry()
	require.NoError(t, reg.Register(entity.TypeSpec{
		Name:     "contact",
		Writable: []string{"email", "name", "phone"},
	}))
	require.NoError(t, reg.Register(entity.TypeSpec{
		Name:        "invoice",
		Writable:    []string{"amount", "currency"},
		DocNumbered: true,
	}))
	require.NoError(t, reg.Register(entity.TypeSpec{
		Name:       "import_staging",
		Writable:   []string{"raw"},
		HardDelete: true,
	}))
	return reg
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	return kernel.New(kernel.Config{
		DB:       testDB,
		Registry: newTestRegistry(t),
		Cache:    listcache.New(listcache.NewMemoryBackend(), 0, testutil.TestLogger()),
		Logger:   testutil.TestLogger(),
	})
}

func systemCtx() kernel.Context {
	return kernel.Context{OrgID: uuid.New(), ActorID: uuid.New(), System: true}
}

func errCode(t *testing.T, err error) kernel.ErrorCode {
	t.Helper()
	var kerr *kernel.Error
	require.ErrorAs(t, err, &kerr)
	return kerr.Code
}

func TestMutateCreateAndRead(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	receipt, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload: map[string]any{
			"email":      "rin@example.com",
			"name":       "Rin",
			"is_deleted": true, // system column, must be dropped
			"rogue":      "x",  // not allowlisted, must be dropped
			"custom_data": map[string]any{
				"crm_ref": "A-1",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.Version)
	assert.Equal(t, kernel.OpCreate, receipt.Op)
	assert.False(t, receipt.CommittedAt.IsZero())

	row, err := k.ReadEntity(ctx, mctx, "contact", receipt.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "rin@example.com", row.Core["email"])
	assert.NotContains(t, row.Core, "rogue")
	assert.NotContains(t, row.Core, "is_deleted")
	assert.False(t, row.IsDeleted)
	assert.Equal(t, "A-1", row.Custom["crm_ref"])
}

func TestMutateCreateWritesAudit(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	receipt, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "audit@example.com"},
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `
		SELECT count(*) FROM mutation_audit_log
		WHERE org_id = $1 AND entity_id = $2 AND operation = 'create'`,
		mctx.OrgID, receipt.EntityID).Scan(&n))
	assert.Equal(t, 1, n, "commit must append an audit row atomically")
}

func TestMutateUpdate(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	created, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "upd@example.com", "name": "Before"},
	})
	require.NoError(t, err)

	v := created.Version
	updated, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType:      "contact",
		Op:              kernel.OpUpdate,
		EntityID:        created.EntityID,
		Payload:         map[string]any{"name": "After"},
		ExpectedVersion: &v,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	row, err := k.ReadEntity(ctx, mctx, "contact", created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "After", row.Core["name"])
	assert.Equal(t, "upd@example.com", row.Core["email"], "partial update keeps untouched fields")
}

func TestMutateWithoutVersionToken(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	created, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "lww@example.com", "name": "Before"},
	})
	require.NoError(t, err)

	// The concurrency token is optional; omitting it writes last-writer-wins.
	updated, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpUpdate,
		EntityID:   created.EntityID,
		Payload:    map[string]any{"name": "After"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	row, err := k.ReadEntity(ctx, mctx, "contact", created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "After", row.Core["name"])

	deleted, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpDelete,
		EntityID:   created.EntityID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted.Version)

	_, err = k.ReadEntity(ctx, mctx, "contact", created.EntityID)
	assert.Equal(t, kernel.CodeNotFound, errCode(t, err))
}

func TestMutateConcurrentStaleVersion(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	created, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "race@example.com", "name": "Base"},
	})
	require.NoError(t, err)

	// Both writers hold the same pre-image version; exactly one may win.
	v := created.Version
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ver := v
			_, errs[i] = k.Mutate(ctx, mctx, kernel.MutationSpec{
				EntityType:      "contact",
				Op:              kernel.OpUpdate,
				EntityID:        created.EntityID,
				Payload:         map[string]any{"name": fmt.Sprintf("Writer-%d", i)},
				ExpectedVersion: &ver,
			})
		}()
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, kernel.CodeVersionConflict, errCode(t, err))
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	row, err := k.ReadEntity(ctx, mctx, "contact", created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version, "loser must not have written")
}

func TestMutateDelete(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	created, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "del@example.com"},
	})
	require.NoError(t, err)

	v := created.Version
	receipt, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType:      "contact",
		Op:              kernel.OpDelete,
		EntityID:        created.EntityID,
		ExpectedVersion: &v,
	})
	require.NoError(t, err)
	assert.Equal(t, kernel.OpDelete, receipt.Op)

	_, err = k.ReadEntity(ctx, mctx, "contact", created.EntityID)
	assert.Equal(t, kernel.CodeNotFound, errCode(t, err), "tombstones read as not found")

	// The row itself survives as a tombstone.
	row, err := testDB.GetEntity(ctx, testDB.Pool(), mctx.OrgID, "contact", created.EntityID)
	require.NoError(t, err)
	assert.True(t, row.IsDeleted)
}

func TestMutateHardDelete(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	created, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "import_staging",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"raw": "line1"},
	})
	require.NoError(t, err)

	v := created.Version
	_, err = k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType:      "import_staging",
		Op:              kernel.OpDelete,
		EntityID:        created.EntityID,
		ExpectedVersion: &v,
	})
	require.NoError(t, err)

	_, err = testDB.GetEntity(ctx, testDB.Pool(), mctx.OrgID, "import_staging", created.EntityID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "hard-delete types leave no tombstone")
}

func TestMutateDocNumberAllocation(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	first, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "invoice",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"amount": 100, "currency": "EUR"},
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-000001", first.DocNumber)

	second, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "invoice",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"amount": 200, "currency": "EUR"},
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-000002", second.DocNumber)
}

func TestMutateValidationFailures(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()
	v := int64(1)

	tests := []struct {
		name string
		mctx kernel.Context
		spec kernel.MutationSpec
		want kernel.ErrorCode
	}{
		{
			name: "unknown entity type",
			mctx: mctx,
			spec: kernel.MutationSpec{EntityType: "ghost", Op: kernel.OpCreate, Payload: map[string]any{"x": 1}},
			want: kernel.CodeUnknownEntityType,
		},
		{
			name: "missing write scope",
			mctx: kernel.Context{OrgID: mctx.OrgID, ActorID: mctx.ActorID, Scopes: []string{"entity:read"}},
			spec: kernel.MutationSpec{EntityType: "contact", Op: kernel.OpCreate, Payload: map[string]any{"email": "x@example.com"}},
			want: kernel.CodeValidation,
		},
		{
			name: "empty payload",
			mctx: mctx,
			spec: kernel.MutationSpec{EntityType: "contact", Op: kernel.OpCreate},
			want: kernel.CodeValidation,
		},
		{
			name: "payload with no writable fields",
			mctx: mctx,
			spec: kernel.MutationSpec{EntityType: "contact", Op: kernel.OpCreate, Payload: map[string]any{"rogue": 1}},
			want: kernel.CodeValidation,
		},
		{
			name: "update of missing row",
			mctx: mctx,
			spec: kernel.MutationSpec{EntityType: "contact", Op: kernel.OpUpdate, EntityID: uuid.New(), Payload: map[string]any{"name": "x"}, ExpectedVersion: &v},
			want: kernel.CodeNotFound,
		},
		{
			name: "missing tenant",
			mctx: kernel.Context{ActorID: mctx.ActorID, System: true},
			spec: kernel.MutationSpec{EntityType: "contact", Op: kernel.OpCreate, Payload: map[string]any{"email": "x@example.com"}},
			want: kernel.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.Mutate(ctx, tt.mctx, tt.spec)
			require.Error(t, err)
			assert.Equal(t, tt.want, errCode(t, err))
		})
	}
}

// denyLimiter rejects every request, simulating an exhausted rate limit.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                { return nil }

func TestMutateRateLimitSparesSystemCallers(t *testing.T) {
	ctx := context.Background()
	k := kernel.New(kernel.Config{
		DB:       testDB,
		Registry: newTestRegistry(t),
		Cache:    listcache.New(listcache.NewMemoryBackend(), 0, testutil.TestLogger()),
		Limiter:  denyLimiter{},
		Logger:   testutil.TestLogger(),
	})

	orgID, actorID := uuid.New(), uuid.New()
	user := kernel.Context{OrgID: orgID, ActorID: actorID, Scopes: []string{"entity:write"}}
	_, err := k.Mutate(ctx, user, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "throttled@example.com"},
	})
	require.Error(t, err)
	assert.Equal(t, kernel.CodeRateLimited, errCode(t, err))

	// System callers (migration jobs) are bounded by the job quota instead;
	// the limiter must not quarantine their records.
	sys := kernel.Context{OrgID: orgID, ActorID: actorID, System: true}
	_, err = k.Mutate(ctx, sys, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "unthrottled@example.com"},
	})
	require.NoError(t, err)
}

func TestListEntitiesPagination(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	for i := range 5 {
		_, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
			EntityType: "contact",
			Op:         kernel.OpCreate,
			Payload:    map[string]any{"email": fmt.Sprintf("p%d@example.com", i)},
		})
		require.NoError(t, err)
	}

	seen := map[uuid.UUID]bool{}
	query := kernel.ListQuery{EntityType: "contact", Limit: 2}
	for {
		page, err := k.ListEntities(ctx, mctx, query)
		require.NoError(t, err)
		for _, row := range page.Rows {
			assert.False(t, seen[row.ID], "row %s paged twice", row.ID)
			seen[row.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		query.Cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)
}

func TestListEntitiesRejectsForeignCursor(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	tenantA := systemCtx()
	for i := range 3 {
		_, err := k.Mutate(ctx, tenantA, kernel.MutationSpec{
			EntityType: "contact",
			Op:         kernel.OpCreate,
			Payload:    map[string]any{"email": fmt.Sprintf("a%d@example.com", i)},
		})
		require.NoError(t, err)
	}

	page, err := k.ListEntities(ctx, tenantA, kernel.ListQuery{EntityType: "contact", Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, page.NextCursor)

	tenantB := systemCtx()
	_, err = k.ListEntities(ctx, tenantB, kernel.ListQuery{EntityType: "contact", Limit: 1, Cursor: page.NextCursor})
	require.Error(t, err)
	assert.Equal(t, kernel.CodeCursorInvalid, errCode(t, err))

	_, err = k.ListEntities(ctx, tenantA, kernel.ListQuery{EntityType: "contact", Limit: 1, Cursor: "not-a-cursor"})
	require.Error(t, err)
	assert.Equal(t, kernel.CodeCursorInvalid, errCode(t, err))
}

func TestListEntitiesServesFromCacheUntilWrite(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	_, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "cache@example.com"},
	})
	require.NoError(t, err)

	first, err := k.ListEntities(ctx, mctx, kernel.ListQuery{EntityType: "contact", Limit: 10})
	require.NoError(t, err)
	require.Len(t, first.Rows, 1)

	// A write bumps the version counter, so the stale page is unreachable.
	_, err = k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "cache2@example.com"},
	})
	require.NoError(t, err)

	second, err := k.ListEntities(ctx, mctx, kernel.ListQuery{EntityType: "contact", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, second.Rows, 2)
}

func TestMutationReceiptVersionMatchesRow(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	mctx := systemCtx()

	receipt, err := k.Mutate(ctx, mctx, kernel.MutationSpec{
		EntityType: "contact",
		Op:         kernel.OpCreate,
		Payload:    map[string]any{"email": "ver2@example.com"},
	})
	require.NoError(t, err)

	row, err := k.ReadEntity(ctx, mctx, "contact", receipt.EntityID)
	require.NoError(t, err)
	assert.Equal(t, receipt.Version, row.Version)
}
