package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GroupBy selects the aggregation axis.
type GroupBy string

// Aggregation axes.
const (
	GroupByNone  GroupBy = "none"
	GroupByModel GroupBy = "model"
	GroupByDay   GroupBy = "day"
	GroupByHour  GroupBy = "hour"
)

// ParseGroupBy validates a query-string value, defaulting to none.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case "", GroupByNone:
		return GroupByNone, nil
	case GroupByModel, GroupByDay, GroupByHour:
		return GroupBy(s), nil
	default:
		return "", fmt.Errorf("invalid group_by %q", s)
	}
}

// UsageRecord is one metered upstream call.
type UsageRecord struct {
	ID           int64     `json:"id"`
	APIKeyID     int64     `json:"api_key_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	RequestTime  time.Time `json:"request_time"`
	RequestID    *string   `json:"request_id,omitempty"`
}

// UsageFilter narrows usage reads. Nil fields match everything.
type UsageFilter struct {
	APIKeyID  *int64
	Model     *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     *int
	Offset    *int
}

// UsageSummary is the aggregate read result.
type UsageSummary struct {
	TotalRequests     int64        `json:"total_requests"`
	TotalInputTokens  int64        `json:"total_input_tokens"`
	TotalOutputTokens int64        `json:"total_output_tokens"`
	TotalTokens       int64        `json:"total_tokens"`
	Groups            []UsageGroup `json:"groups"`
}

// UsageGroup is one aggregation bucket. Model is populated by
// AggregateWithModel so cost can be computed per bucket.
type UsageGroup struct {
	Key          string `json:"key"`
	Model        string `json:"model,omitempty"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// ExportRow is one usage row joined with its key's display name.
type ExportRow struct {
	UsageRecord
	KeyName string `json:"key_name"`
}

// RecordUsage inserts one usage row stamped now.
func (db *DB) RecordUsage(apiKeyID int64, model string, inputTokens, outputTokens int64, requestID *string) error {
	var reqID any
	if requestID != nil {
		reqID = *requestID
	}

	db.mu.Lock()
	_, err := db.conn.Exec(
		`INSERT INTO usage_records (api_key_id, model, input_tokens, output_tokens, request_time, request_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		apiKeyID, model, inputTokens, outputTokens, formatTime(time.Now()), reqID)
	db.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// whereClause builds the shared filter fragment.
func (f *UsageFilter) whereClause() (string, []any) {
	where := "1=1"
	var args []any
	if f.APIKeyID != nil {
		where += " AND api_key_id = ?"
		args = append(args, *f.APIKeyID)
	}
	if f.Model != nil {
		where += " AND model = ?"
		args = append(args, *f.Model)
	}
	if f.StartTime != nil {
		where += " AND request_time >= ?"
		args = append(args, formatTime(*f.StartTime))
	}
	if f.EndTime != nil {
		where += " AND request_time <= ?"
		args = append(args, formatTime(*f.EndTime))
	}
	return where, args
}

// QueryUsage returns raw rows matching the filter, newest first.
func (db *DB) QueryUsage(filter UsageFilter) ([]UsageRecord, error) {
	where, args := filter.whereClause()

	query := `SELECT id, api_key_id, model, input_tokens, output_tokens, request_time, request_id
	          FROM usage_records WHERE ` + where + ` ORDER BY request_time DESC`
	if filter.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *filter.Limit)
		if filter.Offset != nil {
			query += " OFFSET ?"
			args = append(args, *filter.Offset)
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// AggregateUsage sums usage over the filter, optionally bucketed.
// Model buckets are ordered by request count, time buckets newest first.
func (db *DB) AggregateUsage(filter UsageFilter, groupBy GroupBy) (*UsageSummary, error) {
	where, args := filter.whereClause()

	summary := &UsageSummary{Groups: []UsageGroup{}}
	row := db.conn.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE `+where, args...)
	if err := row.Scan(&summary.TotalRequests, &summary.TotalInputTokens, &summary.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	summary.TotalTokens = summary.TotalInputTokens + summary.TotalOutputTokens

	if groupBy == GroupByNone {
		return summary, nil
	}

	keyExpr, orderExpr := groupExprs(groupBy)
	query := fmt.Sprintf(
		`SELECT %s AS grp, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE %s GROUP BY grp ORDER BY %s`,
		keyExpr, where, orderExpr)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var g UsageGroup
		if err := rows.Scan(&g.Key, &g.Requests, &g.InputTokens, &g.OutputTokens); err != nil {
			return nil, err
		}
		g.TotalTokens = g.InputTokens + g.OutputTokens
		if groupBy == GroupByModel {
			g.Model = g.Key
		}
		summary.Groups = append(summary.Groups, g)
	}
	return summary, rows.Err()
}

// AggregateUsageWithModel buckets like AggregateUsage but carries the model
// in every group so cost can be priced per bucket. Time buckets are split
// per model.
func (db *DB) AggregateUsageWithModel(filter UsageFilter, groupBy GroupBy) (*UsageSummary, error) {
	if groupBy == GroupByNone || groupBy == GroupByModel {
		return db.AggregateUsage(filter, groupBy)
	}

	where, args := filter.whereClause()
	keyExpr, orderExpr := groupExprs(groupBy)

	summary := &UsageSummary{Groups: []UsageGroup{}}
	row := db.conn.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE `+where, args...)
	if err := row.Scan(&summary.TotalRequests, &summary.TotalInputTokens, &summary.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	summary.TotalTokens = summary.TotalInputTokens + summary.TotalOutputTokens

	query := fmt.Sprintf(
		`SELECT %s AS grp, model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE %s GROUP BY grp, model ORDER BY %s, model`,
		keyExpr, where, orderExpr)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var g UsageGroup
		if err := rows.Scan(&g.Key, &g.Model, &g.Requests, &g.InputTokens, &g.OutputTokens); err != nil {
			return nil, err
		}
		g.TotalTokens = g.InputTokens + g.OutputTokens
		summary.Groups = append(summary.Groups, g)
	}
	return summary, rows.Err()
}

// QueryUsageForExport joins each row with its key name. Soft-deleted keys
// still resolve; rows whose key was physically never present show Unknown.
func (db *DB) QueryUsageForExport(filter UsageFilter) ([]ExportRow, error) {
	where, args := filter.whereClause()

	query := `SELECT u.id, u.api_key_id, u.model, u.input_tokens, u.output_tokens,
	                 u.request_time, u.request_id, COALESCE(k.name, 'Unknown')
	          FROM usage_records u
	          LEFT JOIN api_keys k ON k.id = u.api_key_id
	          WHERE ` + where + ` ORDER BY u.request_time DESC`
	if filter.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *filter.Limit)
		if filter.Offset != nil {
			query += " OFFSET ?"
			args = append(args, *filter.Offset)
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage for export: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExportRow
	for rows.Next() {
		var (
			rec         ExportRow
			requestTime string
			requestID   sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.APIKeyID, &rec.Model, &rec.InputTokens,
			&rec.OutputTokens, &requestTime, &requestID, &rec.KeyName)
		if err != nil {
			return nil, err
		}
		rec.RequestTime = parseTime(requestTime)
		if requestID.Valid {
			v := requestID.String
			rec.RequestID = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// groupExprs returns the bucket key and ordering SQL for a grouped read.
func groupExprs(groupBy GroupBy) (keyExpr, orderExpr string) {
	switch groupBy {
	case GroupByModel:
		return "model", "COUNT(*) DESC"
	case GroupByDay:
		return "DATE(request_time)", "grp DESC"
	case GroupByHour:
		return "strftime('%Y-%m-%d %H:00:00', request_time)", "grp DESC"
	default:
		return "model", "COUNT(*) DESC"
	}
}

func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var (
		rec         UsageRecord
		requestTime string
		requestID   sql.NullString
	)
	err := rows.Scan(&rec.ID, &rec.APIKeyID, &rec.Model, &rec.InputTokens,
		&rec.OutputTokens, &requestTime, &requestID)
	if err != nil {
		return nil, err
	}
	rec.RequestTime = parseTime(requestTime)
	if requestID.Valid {
		v := requestID.String
		rec.RequestID = &v
	}
	return &rec, nil
}
