package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertUsageAt(t *testing.T, db *DB, keyID int64, model string, in, out int64, at time.Time) {
	t.Helper()
	_, err := db.conn.Exec(
		`INSERT INTO usage_records (api_key_id, model, input_tokens, output_tokens, request_time)
		 VALUES (?, ?, ?, ?, ?)`,
		keyID, model, in, out, formatTime(at))
	require.NoError(t, err)
}

func TestRecordAndQueryUsage(t *testing.T) {
	db := openTestDB(t)
	key, _, err := db.CreateKey("caller", nil, nil)
	require.NoError(t, err)

	reqID := "msg_abc"
	require.NoError(t, db.RecordUsage(key.ID, "claude-sonnet-4-5", 100, 50, &reqID))
	require.NoError(t, db.RecordUsage(key.ID, "claude-opus-4-5", 10, 5, nil))

	records, err := db.QueryUsage(UsageFilter{APIKeyID: &key.ID})
	require.NoError(t, err)
	require.Len(t, records, 2)

	model := "claude-sonnet-4-5"
	records, err = db.QueryUsage(UsageFilter{Model: &model})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 100, records[0].InputTokens)
	assert.EqualValues(t, 50, records[0].OutputTokens)
	require.NotNil(t, records[0].RequestID)
	assert.Equal(t, "msg_abc", *records[0].RequestID)
}

func TestAggregateUsageTotals(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 100, 50, now)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 200, 100, now)
	insertUsageAt(t, db, 2, "claude-opus-4-5", 10, 5, now)

	summary, err := db.AggregateUsage(UsageFilter{}, GroupByNone)
	require.NoError(t, err)
	assert.EqualValues(t, 3, summary.TotalRequests)
	assert.EqualValues(t, 310, summary.TotalInputTokens)
	assert.EqualValues(t, 155, summary.TotalOutputTokens)
	assert.EqualValues(t, 465, summary.TotalTokens)
	assert.Empty(t, summary.Groups)

	keyID := int64(1)
	summary, err = db.AggregateUsage(UsageFilter{APIKeyID: &keyID}, GroupByNone)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.TotalRequests)
	assert.EqualValues(t, 300, summary.TotalInputTokens)
}

func TestAggregateUsageByModel(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 100, 50, now)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 200, 100, now)
	insertUsageAt(t, db, 1, "claude-opus-4-5", 10, 5, now)

	summary, err := db.AggregateUsage(UsageFilter{}, GroupByModel)
	require.NoError(t, err)
	require.Len(t, summary.Groups, 2)

	// Busiest model first.
	assert.Equal(t, "claude-sonnet-4-5", summary.Groups[0].Key)
	assert.Equal(t, "claude-sonnet-4-5", summary.Groups[0].Model)
	assert.EqualValues(t, 2, summary.Groups[0].Requests)
	assert.EqualValues(t, 300, summary.Groups[0].InputTokens)
	assert.Equal(t, "claude-opus-4-5", summary.Groups[1].Key)
}

func TestAggregateUsageByDay(t *testing.T) {
	db := openTestDB(t)

	day1 := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 100, 50, day1)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 200, 100, day2)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 300, 150, day2)

	summary, err := db.AggregateUsage(UsageFilter{}, GroupByDay)
	require.NoError(t, err)
	require.Len(t, summary.Groups, 2)

	// Newest day first.
	assert.Equal(t, "2026-08-21", summary.Groups[0].Key)
	assert.EqualValues(t, 2, summary.Groups[0].Requests)
	assert.EqualValues(t, 500, summary.Groups[0].InputTokens)
	assert.Equal(t, "2026-08-20", summary.Groups[1].Key)
}

func TestAggregateUsageByHour(t *testing.T) {
	db := openTestDB(t)

	h1 := time.Date(2026, 8, 21, 9, 15, 0, 0, time.UTC)
	h2 := time.Date(2026, 8, 21, 10, 45, 0, 0, time.UTC)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 100, 50, h1)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 200, 100, h2)

	summary, err := db.AggregateUsage(UsageFilter{}, GroupByHour)
	require.NoError(t, err)
	require.Len(t, summary.Groups, 2)
	assert.Equal(t, "2026-08-21 10:00:00", summary.Groups[0].Key)
	assert.Equal(t, "2026-08-21 09:00:00", summary.Groups[1].Key)
}

func TestAggregateUsageWithModelSplitsTimeBuckets(t *testing.T) {
	db := openTestDB(t)

	day := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 100, 50, day)
	insertUsageAt(t, db, 1, "claude-opus-4-5", 10, 5, day)

	summary, err := db.AggregateUsageWithModel(UsageFilter{}, GroupByDay)
	require.NoError(t, err)
	require.Len(t, summary.Groups, 2, "one bucket per model per day")
	for _, g := range summary.Groups {
		assert.Equal(t, "2026-08-21", g.Key)
		assert.NotEmpty(t, g.Model)
	}
	assert.EqualValues(t, 2, summary.TotalRequests)
}

func TestQueryUsageTimeWindow(t *testing.T) {
	db := openTestDB(t)

	early := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 1, 1, early)
	insertUsageAt(t, db, 1, "claude-sonnet-4-5", 2, 2, late)

	start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	records, err := db.QueryUsage(UsageFilter{StartTime: &start})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 2, records[0].InputTokens)
}

func TestQueryUsageForExportJoinsKeyNames(t *testing.T) {
	db := openTestDB(t)
	key, _, err := db.CreateKey("team-a", nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	insertUsageAt(t, db, key.ID, "claude-sonnet-4-5", 100, 50, now)
	insertUsageAt(t, db, 9999, "claude-sonnet-4-5", 1, 1, now)

	rows, err := db.QueryUsageForExport(UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	names := map[int64]string{}
	for _, r := range rows {
		names[r.APIKeyID] = r.KeyName
	}
	assert.Equal(t, "team-a", names[key.ID])
	assert.Equal(t, "Unknown", names[9999], "rows with no key row still export")
}

func TestParseGroupBy(t *testing.T) {
	for _, valid := range []string{"", "none", "model", "day", "hour"} {
		_, err := ParseGroupBy(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseGroupBy("week")
	assert.Error(t, err)
}
