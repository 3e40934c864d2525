package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/weblog-dwh/internal/etl"
)

func TestWarehouseEnforcesNaturalKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := NewWarehouse()

	require.NoError(t, w.InsertTime(ctx, etl.TimeDimension{TimeID: 1, Timestamp: "2024-01-01T00:00:00Z"}))
	err := w.InsertTime(ctx, etl.TimeDimension{TimeID: 2, Timestamp: "2024-01-01T00:00:00Z"})
	require.ErrorIs(t, err, etl.ErrDuplicateKey)
	err = w.InsertTime(ctx, etl.TimeDimension{TimeID: 1, Timestamp: "2024-01-02T00:00:00Z"})
	require.ErrorIs(t, err, etl.ErrDuplicateKey)

	require.NoError(t, w.InsertURL(ctx, etl.URLDimension{URLID: 1, URL: "https://example.com/a"}))
	require.ErrorIs(t, w.InsertURL(ctx, etl.URLDimension{URLID: 2, URL: "https://example.com/a"}), etl.ErrDuplicateKey)

	require.NoError(t, w.InsertStatus(ctx, etl.StatusDimension{StatusID: 1, StatusCode: 200, StatusClass: "2xx"}))
	require.ErrorIs(t, w.InsertStatus(ctx, etl.StatusDimension{StatusID: 2, StatusCode: 200}), etl.ErrDuplicateKey)

	require.NoError(t, w.InsertFact(ctx, etl.FactRequest{RequestID: 1, TimeID: 1, URLID: 1, StatusID: 1}))
	require.ErrorIs(t, w.InsertFact(ctx, etl.FactRequest{RequestID: 1}), etl.ErrDuplicateKey)
}

func TestWarehouseLookups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := NewWarehouse()

	_, found, err := w.LookupTime(ctx, "x")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, w.InsertURL(ctx, etl.URLDimension{URLID: 4, URL: "https://example.com/a"}))
	id, found, err := w.LookupURL(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4), id)

	require.NoError(t, w.InsertStatus(ctx, etl.StatusDimension{StatusID: 9, StatusCode: 404, StatusClass: "4xx"}))
	id, found, err = w.LookupStatus(ctx, 404)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(9), id)
}

func TestWarehouseResetDropsEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := NewWarehouse()

	require.NoError(t, w.InsertStaging(ctx, []etl.StagingRecord{{RowID: 1}}))
	require.NoError(t, w.InsertRejection(ctx, etl.RejectionRecord{StagingRowID: 1, IssueType: etl.IssueMissingTime}))
	require.NoError(t, w.InsertTime(ctx, etl.TimeDimension{TimeID: 1, Timestamp: "t"}))
	require.NoError(t, w.InsertFact(ctx, etl.FactRequest{RequestID: 1}))

	require.NoError(t, w.Reset(ctx))

	staging, _ := w.StagingRecords(ctx)
	rejections, _ := w.Rejections(ctx)
	times, _ := w.TimeDimensions(ctx)
	facts, _ := w.Facts(ctx)
	assert.Empty(t, staging)
	assert.Empty(t, rejections)
	assert.Empty(t, times)
	assert.Empty(t, facts)

	require.NoError(t, w.InsertTime(ctx, etl.TimeDimension{TimeID: 1, Timestamp: "t"}))
}

func TestWarehouseRunState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := NewWarehouse()

	complete, err := w.Complete(ctx)
	require.NoError(t, err)
	assert.True(t, complete, "a fresh warehouse holds no partial run")

	require.NoError(t, w.Reset(ctx))
	complete, err = w.Complete(ctx)
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, w.MarkComplete(ctx))
	complete, err = w.Complete(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestWarehouseReadsAreOrderedCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := NewWarehouse()

	require.NoError(t, w.InsertFact(ctx, etl.FactRequest{RequestID: 2}))
	require.NoError(t, w.InsertFact(ctx, etl.FactRequest{RequestID: 1}))
	require.NoError(t, w.InsertStaging(ctx, []etl.StagingRecord{{RowID: 2}, {RowID: 1}}))

	facts, err := w.Facts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, int64(1), facts[0].RequestID)

	staging, err := w.StagingRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), staging[0].RowID)

	facts[0].Method = "mutated"
	again, _ := w.Facts(ctx)
	assert.Empty(t, again[0].Method)
}
