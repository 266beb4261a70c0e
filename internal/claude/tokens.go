package claude

import "encoding/json"

// charsPerToken is the rough character-per-token ratio used when the
// upstream reports no usage.
const charsPerToken = 4

// EstimateInputTokens estimates input tokens for a request by character
// count. Good enough for count_tokens and usage metering; the upstream
// does not report real counts.
func EstimateInputTokens(req *MessageRequest) int {
	total := len(req.SystemText())

	for _, msg := range req.Messages {
		total += countContentChars(msg.Content)
	}
	for _, tool := range req.Tools {
		total += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}

	return charsToTokens(total)
}

// EstimateTextTokens estimates tokens for one text.
func EstimateTextTokens(text string) int {
	return charsToTokens(len(text))
}

func charsToTokens(chars int) int {
	tokens := chars / charsPerToken
	if tokens < 1 && chars > 0 {
		return 1
	}
	return tokens
}

// countContentChars counts characters in a content field, which may be a
// plain string or block list, with tool results nesting further content.
func countContentChars(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return len(str)
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return len(content)
	}

	var total int
	for _, block := range blocks {
		switch block.Type {
		case "text":
			total += len(block.Text)
		case "thinking":
			total += len(block.Thinking)
		case "tool_use":
			total += len(block.Input)
		case "tool_result":
			total += countContentChars(block.Content)
		}
	}
	return total
}
