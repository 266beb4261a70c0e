// Package admin implements the operator API: pool management, API key
// issuance, usage reporting, and the error log.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anthropics/kiro-gateway/internal/account"
	"github.com/anthropics/kiro-gateway/internal/config"
	"github.com/anthropics/kiro-gateway/internal/errorlog"
	"github.com/anthropics/kiro-gateway/internal/kiro"
	"github.com/anthropics/kiro-gateway/internal/price"
	"github.com/anthropics/kiro-gateway/internal/store"
)

// Handler carries the admin surface's dependencies.
type Handler struct {
	pool   *account.Pool
	db     *store.DB
	errlog *errorlog.Store
	prices *price.Table
	client *kiro.Client
	cfg    *config.Config
	logger *slog.Logger
}

// Options configures a Handler.
type Options struct {
	Pool     *account.Pool
	DB       *store.DB
	ErrorLog *errorlog.Store
	Prices   *price.Table
	Client   *kiro.Client
	Config   *config.Config
	Logger   *slog.Logger
}

// New creates the admin handler set.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pool:   opts.Pool,
		db:     opts.DB,
		errlog: opts.ErrorLog,
		prices: opts.Prices,
		client: opts.Client,
		cfg:    opts.Config,
		logger: logger,
	}
}

// Register mounts the admin routes on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/pool/status", h.poolStatus)

	group.GET("/accounts", h.listAccounts)
	group.POST("/accounts", h.addAccount)
	group.POST("/accounts/remove", h.removeAccount)
	group.DELETE("/accounts/:name", h.removeAccountByPath)
	group.POST("/accounts/:name/refresh", h.refreshAccount)
	group.POST("/accounts/:name/reset", h.resetAccount)
	group.GET("/accounts/:name/check", h.checkAccount)
	group.POST("/accounts/batch-check", h.batchCheckAccounts)
	group.POST("/accounts/import-sso", h.importSSO)
	group.POST("/accounts/credentials", h.exportCredentials)

	group.GET("/config", h.showConfig)

	group.GET("/api-keys", h.listKeys)
	group.POST("/api-keys", h.createKey)
	group.PUT("/api-keys/:id", h.updateKey)
	group.DELETE("/api-keys/:id", h.deleteKey)

	group.GET("/usage", h.queryUsage)
	group.GET("/usage/export", h.exportUsage)

	group.GET("/error-logs", h.listErrorLogs)
	group.DELETE("/error-logs", h.clearErrorLogs)
}

// envelope is the admin response wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, envelope{Success: false, Error: msg})
}

// showConfig returns the effective configuration with secrets redacted.
func (h *Handler) showConfig(c *gin.Context) {
	ok(c, gin.H{
		"port":                h.cfg.Port,
		"host":                h.cfg.Host,
		"region":              h.cfg.Region,
		"credentialsDir":      h.cfg.CredentialsDir,
		"dataDir":             h.cfg.DataDir,
		"failureCooldownSecs": int(h.cfg.FailureCooldown.Seconds()),
		"maxFailures":         h.cfg.MaxFailures,
		"retryLimit":          h.cfg.RetryLimit,
		"requestTimeoutSecs":  int(h.cfg.RequestTimeout.Seconds()),
		"kiroVersion":         h.cfg.KiroVersion,
		"nodeVersion":         h.cfg.NodeVersion,
	})
}
