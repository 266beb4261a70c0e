package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anthropics/kiro-gateway/internal/store"
)

// listKeys returns all live keys, newest first. Hashes are never exposed.
func (h *Handler) listKeys(c *gin.Context) {
	keys, err := h.db.ListKeys()
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to list keys: "+err.Error())
		return
	}
	if keys == nil {
		keys = []store.APIKey{}
	}
	ok(c, keys)
}

type createKeyRequest struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
	RateLimit *int64     `json:"rateLimit"`
}

// createKey mints a key. The full key appears in this response only.
func (h *Handler) createKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.RateLimit != nil && *req.RateLimit <= 0 {
		fail(c, http.StatusBadRequest, "rateLimit must be positive")
		return
	}

	key, fullKey, err := h.db.CreateKey(req.Name, req.ExpiresAt, req.RateLimit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to create key: "+err.Error())
		return
	}
	h.logger.Info("api key created", "id", key.ID, "name", key.Name)

	ok(c, gin.H{
		"key":    fullKey,
		"record": key,
	})
}

type updateKeyRequest struct {
	Name      *string    `json:"name"`
	Enabled   *bool      `json:"enabled"`
	RateLimit *int64     `json:"rateLimit"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// updateKey applies a partial update.
func (h *Handler) updateKey(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid key id")
		return
	}
	if id == store.AdminKeyID {
		fail(c, http.StatusBadRequest, "the admin key cannot be modified")
		return
	}

	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	err = h.db.UpdateKey(id, store.KeyUpdate{
		Name:      req.Name,
		Enabled:   req.Enabled,
		RateLimit: req.RateLimit,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			fail(c, http.StatusNotFound, "key not found")
			return
		}
		fail(c, http.StatusInternalServerError, "failed to update key: "+err.Error())
		return
	}

	key, err := h.db.GetKeyByID(id)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to read key: "+err.Error())
		return
	}
	ok(c, key)
}

// deleteKey soft-deletes a key. Its usage history remains queryable.
func (h *Handler) deleteKey(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid key id")
		return
	}
	if id == store.AdminKeyID {
		fail(c, http.StatusBadRequest, "the admin key cannot be deleted")
		return
	}

	deleted, err := h.db.DeleteKey(id)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to delete key: "+err.Error())
		return
	}
	if !deleted {
		fail(c, http.StatusNotFound, "key not found")
		return
	}
	h.logger.Info("api key deleted", "id", id)
	ok(c, gin.H{"id": id})
}
