package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listErrorLogs returns the retained upstream failures, newest first.
func (h *Handler) listErrorLogs(c *gin.Context) {
	entries := h.errlog.List()
	ok(c, gin.H{
		"total":   len(entries),
		"entries": entries,
	})
}

// clearErrorLogs drops every retained entry.
func (h *Handler) clearErrorLogs(c *gin.Context) {
	h.errlog.Clear()
	if err := h.errlog.Save(); err != nil {
		fail(c, http.StatusInternalServerError, "failed to persist error log: "+err.Error())
		return
	}
	ok(c, gin.H{"cleared": true})
}
