package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

// =============================================================================
// 🧪 数据集加载测试
// =============================================================================

func writeRecordsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validRecords = `
cases:
  - case_id: UC-001
    account_name: Acme Corp
    segment: Enterprise
    churn_reason: Pricing
    arr_lost: 120000
    tenure_months: 18
    narrative: Acme Corp left after a renewal pricing dispute.
  - case_id: UC-002
    account_name: Globex
    segment: Mid-Market
    churn_reason: Support Quality
    arr_lost: 45000
    competitor_won: RivalSoft
    narrative: Globex switched to RivalSoft citing slow support response.
`

func TestLoadRecords(t *testing.T) {
	path := writeRecordsFile(t, validRecords)

	records, err := LoadRecords(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "UC-001", records[0].CaseID)
	assert.Equal(t, "Acme Corp", records[0].AccountName)
	assert.Equal(t, 120000.0, records[0].ARRLost)
	assert.Equal(t, "RivalSoft", records[1].CompetitorWon)
}

func TestLoadRecords_SkipsInvalidEntries(t *testing.T) {
	path := writeRecordsFile(t, `
cases:
  - case_id: UC-001
    account_name: Acme Corp
    narrative: Valid narrative.
  - case_id: ""
    account_name: No ID
    narrative: Should be skipped.
  - case_id: UC-003
    account_name: Empty Narrative
    narrative: ""
  - case_id: UC-001
    account_name: Duplicate
    narrative: Duplicate case id keeps the first entry.
`)

	records, err := LoadRecords(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Acme Corp", records[0].AccountName)
}

func TestLoadRecords_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRecords(filepath.Join(t.TempDir(), "nope.yaml"), zap.NewNop())
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeRecordsFile(t, "cases: [unclosed")
		_, err := LoadRecords(path, zap.NewNop())
		require.Error(t, err)
	})

	t.Run("no valid cases", func(t *testing.T) {
		path := writeRecordsFile(t, "cases: []")
		_, err := LoadRecords(path, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, types.ErrIndexBuild, types.GetErrorCode(err))
	})
}

func TestToDocuments(t *testing.T) {
	path := writeRecordsFile(t, validRecords)
	records, err := LoadRecords(path, zap.NewNop())
	require.NoError(t, err)

	docs := ToDocuments(records)
	require.Len(t, docs, 2)
	assert.Equal(t, "UC-001", docs[0].ID)
	assert.Contains(t, docs[0].Content, "Account: Acme Corp")
	assert.Equal(t, "Enterprise", docs[0].Metadata[types.MetaSegment])
}
