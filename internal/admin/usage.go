package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/anthropics/kiro-gateway/internal/store"
)

// usageGroupWithCost decorates one aggregation bucket with its price.
type usageGroupWithCost struct {
	store.UsageGroup
	Cost float64 `json:"cost"`
}

// usageResponse is the /admin/usage payload.
type usageResponse struct {
	TotalRequests     int64                `json:"total_requests"`
	TotalInputTokens  int64                `json:"total_input_tokens"`
	TotalOutputTokens int64                `json:"total_output_tokens"`
	TotalTokens       int64                `json:"total_tokens"`
	TotalCost         float64              `json:"total_cost"`
	Currency          string               `json:"currency"`
	GroupBy           string               `json:"group_by"`
	Groups            []usageGroupWithCost `json:"groups"`
}

// parseUsageFilter reads the shared query parameters.
func parseUsageFilter(c *gin.Context) (store.UsageFilter, error) {
	var filter store.UsageFilter

	if v := c.Query("api_key_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid api_key_id %q", v)
		}
		filter.APIKeyID = &id
	}
	if v := c.Query("model"); v != "" {
		filter.Model = &v
	}
	if v := firstQuery(c, "start_time", "start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid start time %q", v)
		}
		filter.StartTime = &t
	}
	if v := firstQuery(c, "end_time", "end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid end time %q", v)
		}
		filter.EndTime = &t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = &n
		if w := c.Query("offset"); w != "" {
			off, err := strconv.Atoi(w)
			if err != nil || off < 0 {
				return filter, fmt.Errorf("invalid offset %q", w)
			}
			filter.Offset = &off
		}
	}
	return filter, nil
}

// firstQuery returns the first non-empty query parameter among names.
func firstQuery(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := c.Query(name); v != "" {
			return v
		}
	}
	return ""
}

// queryUsage aggregates metered usage with costs from the price table.
func (h *Handler) queryUsage(c *gin.Context) {
	filter, err := parseUsageFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	groupBy, err := store.ParseGroupBy(c.Query("group_by"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.db.AggregateUsageWithModel(filter, groupBy)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to aggregate usage: "+err.Error())
		return
	}

	resp := usageResponse{
		TotalRequests:     summary.TotalRequests,
		TotalInputTokens:  summary.TotalInputTokens,
		TotalOutputTokens: summary.TotalOutputTokens,
		TotalTokens:       summary.TotalTokens,
		Currency:          h.prices.Currency,
		GroupBy:           string(groupBy),
		Groups:            make([]usageGroupWithCost, 0, len(summary.Groups)),
	}

	for _, g := range summary.Groups {
		cost := h.prices.Cost(g.Model, g.InputTokens, g.OutputTokens)
		resp.Groups = append(resp.Groups, usageGroupWithCost{UsageGroup: g, Cost: cost})
		resp.TotalCost += cost
	}

	// Ungrouped reads still need a cost, which requires per-model sums.
	if groupBy == store.GroupByNone {
		resp.TotalCost, err = h.totalCost(filter)
		if err != nil {
			fail(c, http.StatusInternalServerError, "failed to cost usage: "+err.Error())
			return
		}
	}

	ok(c, resp)
}

// totalCost prices the filtered usage by summing per-model buckets.
func (h *Handler) totalCost(filter store.UsageFilter) (float64, error) {
	byModel, err := h.db.AggregateUsage(filter, store.GroupByModel)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, g := range byModel.Groups {
		total += h.prices.Cost(g.Model, g.InputTokens, g.OutputTokens)
	}
	return total, nil
}

// exportUsage streams the filtered usage rows as an xlsx workbook.
func (h *Handler) exportUsage(c *gin.Context) {
	filter, err := parseUsageFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.db.QueryUsageForExport(filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to query usage: "+err.Error())
		return
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Usage"
	f.SetSheetName(f.GetSheetName(0), sheet)

	headers := []string{"ID", "API Key", "Model", "Input Tokens", "Output Tokens",
		"Total Tokens", "Cost (" + h.prices.Currency + ")", "Request Time", "Request ID"}
	for i, name := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
	}

	for i, row := range rows {
		values := []any{
			row.ID,
			row.KeyName,
			row.Model,
			row.InputTokens,
			row.OutputTokens,
			row.InputTokens + row.OutputTokens,
			h.prices.Cost(row.Model, row.InputTokens, row.OutputTokens),
			row.RequestTime.UTC().Format("2006-01-02 15:04:05"),
		}
		if row.RequestID != nil {
			values = append(values, *row.RequestID)
		} else {
			values = append(values, "")
		}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to build workbook: "+err.Error())
		return
	}

	filename := "usage-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		buf.Bytes())
}
