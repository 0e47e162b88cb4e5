package report

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/importer"
	"github.com/torii-data/torii/internal/merge"
)

func fixtureJob() importer.Job {
	return importer.Job{
		ID:         uuid.MustParse("0f0e0d0c-0b0a-0908-0706-050403020100"),
		Name:       "crm-backfill",
		OrgID:      uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		EntityType: "contact",
		Source:     map[string]any{"kind": "csv", "uri": "s3://bucket/contacts.csv"},
		Mappings: []importer.FieldMapping{
			{Source: "Name", Target: "name", Transforms: []importer.Transform{importer.TransformTrim}},
			{Source: "Email", Target: "email", Transforms: []importer.Transform{importer.TransformTrim, importer.TransformLowercase}},
		},
		MatchKeys: []string{"email"},
		Policy: merge.PolicySet{
			Default: merge.StrategyMerge,
			Fields:  map[string]merge.Rule{"name": merge.RuleLongestString},
		},
	}
}

func fixtureResult() importer.Result {
	return importer.Result{
		Processed: 100, Created: 94, Merged: 2, Skipped: 3, Failed: 1, ManualReview: 1,
	}
}

func fixtureEvidence() importer.Evidence {
	return importer.Evidence{
		MergeEvidenceIDs: []uuid.UUID{
			uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"),
			uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"),
		},
		ReviewIDs: []uuid.UUID{uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")},
	}
}

func fixtureInputs() Inputs {
	return Inputs{
		SourceSchemaFingerprint: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		EntityTypes: []entity.TypeVersion{
			{Name: "contact", AllowlistHash: "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"},
		},
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)
	b, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a, b)
}

func TestBuild_MappingOrderIndependent(t *testing.T) {
	a, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	reordered := fixtureJob()
	reordered.Mappings[0], reordered.Mappings[1] = reordered.Mappings[1], reordered.Mappings[0]
	b, err := Build(reordered, fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	assert.Equal(t, a.Body.MappingFingerprint, b.Body.MappingFingerprint)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestBuild_EvidenceOrderIndependent(t *testing.T) {
	a, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	ev := fixtureEvidence()
	ev.MergeEvidenceIDs[0], ev.MergeEvidenceIDs[1] = ev.MergeEvidenceIDs[1], ev.MergeEvidenceIDs[0]
	b, err := Build(fixtureJob(), fixtureResult(), ev, fixtureInputs())
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
}

func TestBuild_ConfigChangesTheHash(t *testing.T) {
	base, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	t.Run("transform chain", func(t *testing.T) {
		job := fixtureJob()
		job.Mappings[0].Transforms = append(job.Mappings[0].Transforms, importer.TransformUppercase)
		changed, err := Build(job, fixtureResult(), fixtureEvidence(), fixtureInputs())
		require.NoError(t, err)
		assert.NotEqual(t, base.Body.TransformFingerprint, changed.Body.TransformFingerprint)
		assert.NotEqual(t, base.Hash, changed.Hash)
	})

	t.Run("merge policy", func(t *testing.T) {
		job := fixtureJob()
		job.Policy.Fields["email"] = merge.RuleTakeSource
		changed, err := Build(job, fixtureResult(), fixtureEvidence(), fixtureInputs())
		require.NoError(t, err)
		assert.NotEqual(t, base.Body.StrategyFingerprint, changed.Body.StrategyFingerprint)
		assert.NotEqual(t, base.Hash, changed.Hash)
	})

	t.Run("result counts", func(t *testing.T) {
		result := fixtureResult()
		result.Failed = 2
		changed, err := Build(fixtureJob(), result, fixtureEvidence(), fixtureInputs())
		require.NoError(t, err)
		assert.NotEqual(t, base.Hash, changed.Hash)
	})
}

func TestVerify(t *testing.T) {
	rep, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	ok, err := Verify(rep)
	require.NoError(t, err)
	assert.True(t, ok)

	rep.Body.Result.Created++
	ok, err = Verify(rep)
	require.NoError(t, err)
	assert.False(t, ok, "a tampered body must fail verification")
}

// The golden file pins the canonical wire encoding. A diff here means the
// report format changed and every stored report hash is invalidated.
func TestBuild_GoldenEncoding(t *testing.T) {
	rep, err := Build(fixtureJob(), fixtureResult(), fixtureEvidence(), fixtureInputs())
	require.NoError(t, err)

	encoded, err := json.Marshal(rep)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "signed_report", encoded)
}
