package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anthropics/kiro-gateway/internal/claude"
	"github.com/anthropics/kiro-gateway/internal/dispatch"
	"github.com/anthropics/kiro-gateway/internal/kiro"
)

// readChunkSize is the upstream body read granularity.
const readChunkSize = 32 * 1024

// handleMessages serves POST /v1/messages.
func (s *Server) handleMessages(c *gin.Context) {
	var req claude.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, claude.NewInvalidRequestError("invalid JSON: "+err.Error()))
		return
	}
	if apiErr := validateMessageRequest(&req); apiErr != nil {
		abortWithError(c, apiErr)
		return
	}

	inputTokens := claude.EstimateInputTokens(&req)
	upstreamModel := claude.MapModelToUpstream(req.Model)

	build := func(creds *kiro.Credentials) ([]byte, error) {
		profileARN := ""
		if creds.IsSocial() {
			profileARN = creds.ProfileARN
		}
		return claude.BuildUpstreamBody(&req, upstreamModel, profileARN)
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), build, req.Stream)
	if err != nil {
		abortWithError(c, dispatchError(err))
		return
	}
	defer func() { _ = result.Body.Close() }()

	if req.Stream {
		s.streamResponse(c, &req, result, inputTokens)
	} else {
		s.unaryResponse(c, &req, result, inputTokens)
	}
}

// unaryResponse drains the upstream stream into one complete response.
func (s *Server) unaryResponse(c *gin.Context, req *claude.MessageRequest, result *dispatch.Result, inputTokens int) {
	asm := claude.NewAssembler(req.Model, inputTokens)

	decoder := kiro.GetStreamDecoder()
	defer kiro.ReleaseStreamDecoder(decoder)

	err := consumeFrames(result.Body, decoder, asm.HandleFrame)
	if err != nil {
		s.logger.Warn("upstream stream failed",
			"account", result.Account.Name,
			"error", err,
		)
		abortWithError(c, toClaudeError(err))
		return
	}

	resp := asm.Build()
	s.recordUsage(c, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.ID)
	c.JSON(http.StatusOK, resp)
}

// streamResponse relays the upstream stream as Claude SSE events.
func (s *Server) streamResponse(c *gin.Context, req *claude.MessageRequest, result *dispatch.Result, inputTokens int) {
	sse := claude.NewSSEWriter(c.Writer)
	sse.WriteHeaders()
	c.Writer.WriteHeader(http.StatusOK)

	relay := claude.NewStreamRelay(sse, req.Model, inputTokens)
	if err := relay.Start(); err != nil {
		s.logger.Warn("client disconnected", "error", err)
		return
	}

	decoder := kiro.GetStreamDecoder()
	defer kiro.ReleaseStreamDecoder(decoder)

	if err := consumeFrames(result.Body, decoder, relay.HandleFrame); err != nil {
		s.logger.Warn("upstream stream failed",
			"account", result.Account.Name,
			"error", err,
		)
		_ = sse.WriteError(toClaudeError(err))
		return
	}

	if err := relay.Finish(); err != nil {
		s.logger.Warn("client disconnected", "error", err)
		return
	}

	s.recordUsage(c, req.Model, inputTokens, relay.OutputTokens(), relay.MessageID())
}

// consumeFrames reads the upstream body to EOF, feeding decoded frames to
// handle.
func consumeFrames(body io.Reader, decoder *kiro.StreamDecoder, handle func(*kiro.Frame) error) error {
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			frames, err := decoder.Feed(buf[:n])
			if err != nil {
				return err
			}
			for _, frame := range frames {
				if err := handle(frame); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// recordUsage writes one metering row attributed to the authenticated key.
func (s *Server) recordUsage(c *gin.Context, model string, inputTokens, outputTokens int, requestID string) {
	key := authedKey(c)
	if key == nil {
		return
	}
	var reqID *string
	if requestID != "" {
		reqID = &requestID
	}
	if err := s.db.RecordUsage(key.ID, model, int64(inputTokens), int64(outputTokens), reqID); err != nil {
		s.logger.Error("failed to record usage",
			"key_id", key.ID,
			"model", model,
			"error", err,
		)
	}
}

// handleCountTokens serves POST /v1/messages/count_tokens without touching
// the upstream.
func (s *Server) handleCountTokens(c *gin.Context) {
	var req claude.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, claude.NewInvalidRequestError("invalid JSON: "+err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		abortWithError(c, claude.NewInvalidRequestError("messages must not be empty"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"input_tokens": claude.EstimateInputTokens(&req),
	})
}

// handleModels serves GET /v1/models.
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, claude.ListModels())
}

// handleHealth serves GET /health without authentication.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"accounts": gin.H{
			"total":   s.dispatcher.Pool().AccountCount(),
			"healthy": s.dispatcher.Pool().HealthyCount(),
		},
	})
}

func validateMessageRequest(req *claude.MessageRequest) *claude.APIError {
	if req.Model == "" {
		return claude.NewInvalidRequestError("model is required")
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages must not be empty")
	}
	if req.MaxTokens <= 0 {
		return claude.NewInvalidRequestError("max_tokens must be positive")
	}
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(
				fmt.Sprintf("messages[%d].role must be user or assistant", i))
		}
	}
	return nil
}

// dispatchError maps a dispatch failure to the caller surface: 400 passes
// through, 429 when every retry was throttled, 500 with the last error's
// message otherwise.
func dispatchError(err error) *claude.APIError {
	if errors.Is(err, dispatch.ErrAllAccountsDisabled) {
		return claude.NewAPIError(err.Error())
	}

	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsBadRequest():
			return claude.NewInvalidRequestError("upstream rejected request: " + string(apiErr.Body))
		case apiErr.IsRateLimited():
			return claude.NewRateLimitError("upstream rate limited")
		}
	}
	return claude.NewAPIError("upstream request failed: " + err.Error())
}

// toClaudeError maps mid-stream failures to the caller surface.
func toClaudeError(err error) *claude.APIError {
	var apiErr *claude.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return claude.NewAPIError(err.Error())
}
