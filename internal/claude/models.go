package claude

// modelEntry pairs a Claude model id with its upstream id and display name.
type modelEntry struct {
	ID          string
	UpstreamID  string
	DisplayName string
}

// modelTable maps the Claude surface to Kiro model ids. Haiku and Opus use
// the lowercase dotted form, Sonnet uses the uppercase form.
var modelTable = []modelEntry{
	{"claude-opus-4-5", "claude-opus-4.5", "Claude Opus 4.5"},
	{"claude-opus-4-5-20251101", "claude-opus-4.5", "Claude Opus 4.5"},
	{"claude-haiku-4-5", "claude-haiku-4.5", "Claude Haiku 4.5"},
	{"claude-haiku-4-5-20251001", "claude-haiku-4.5", "Claude Haiku 4.5"},
	{"claude-sonnet-4-5", "CLAUDE_SONNET_4_5_20250929_V1_0", "Claude Sonnet 4.5"},
	{"claude-sonnet-4-5-20250929", "CLAUDE_SONNET_4_5_20250929_V1_0", "Claude Sonnet 4.5"},
	{"claude-sonnet-4-20250514", "CLAUDE_SONNET_4_20250514_V1_0", "Claude Sonnet 4"},
	{"claude-3-7-sonnet-20250219", "CLAUDE_3_7_SONNET_20250219_V1_0", "Claude 3.7 Sonnet"},
}

// defaultUpstreamModel is used when the caller names an unknown model.
const defaultUpstreamModel = "CLAUDE_SONNET_4_5_20250929_V1_0"

// MapModelToUpstream translates a Claude model id to the Kiro model id.
func MapModelToUpstream(model string) string {
	for _, e := range modelTable {
		if e.ID == model {
			return e.UpstreamID
		}
	}
	return defaultUpstreamModel
}

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	Type        string `json:"type"` // "model"
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Data    []ModelInfo `json:"data"`
	HasMore bool        `json:"has_more"`
	FirstID string      `json:"first_id,omitempty"`
	LastID  string      `json:"last_id,omitempty"`
}

// ListModels returns the models this gateway serves.
func ListModels() ModelList {
	list := ModelList{Data: make([]ModelInfo, 0, len(modelTable))}
	for _, e := range modelTable {
		list.Data = append(list.Data, ModelInfo{
			Type:        "model",
			ID:          e.ID,
			DisplayName: e.DisplayName,
		})
	}
	if len(list.Data) > 0 {
		list.FirstID = list.Data[0].ID
		list.LastID = list.Data[len(list.Data)-1].ID
	}
	return list
}
