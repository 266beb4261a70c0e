package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anthropics/kiro-gateway/internal/account"
	"github.com/anthropics/kiro-gateway/internal/kiro"
)

// checkTimeout bounds one upstream usage probe.
const checkTimeout = 30 * time.Second

// accountInfo is one pool entry in the status listing.
type accountInfo struct {
	Name           string   `json:"name"`
	Healthy        bool     `json:"healthy"`
	RequestCount   uint64   `json:"requestCount"`
	FailureCount   uint64   `json:"failureCount"`
	LastFailure    *string  `json:"lastFailure"`
	UsageRatio     *float64 `json:"usageRatio"`
	UsageCheckedAt *string  `json:"usageCheckedAt"`
	AuthMethod     string   `json:"authMethod"`
	Provider       string   `json:"provider,omitempty"`
	Region         string   `json:"region,omitempty"`
	Path           string   `json:"path"`
}

func describeAccount(a *account.Account) accountInfo {
	creds := a.Tokens().Credentials()
	info := accountInfo{
		Name:         a.Name,
		Healthy:      a.IsHealthy(),
		RequestCount: a.RequestCount(),
		FailureCount: a.FailureCount(),
		AuthMethod:   creds.AuthMethod,
		Provider:     creds.Provider,
		Region:       creds.Region,
		Path:         a.Tokens().Path(),
	}
	if t, ok := a.LastFailure(); ok {
		s := t.UTC().Format(time.RFC3339)
		info.LastFailure = &s
	}
	if ratio, ok := a.UsageRatio(); ok {
		info.UsageRatio = &ratio
	}
	if t, ok := a.UsageCheckedAt(); ok {
		s := t.UTC().Format(time.RFC3339)
		info.UsageCheckedAt = &s
	}
	return info
}

// poolStatus lists every account with its runtime state.
func (h *Handler) poolStatus(c *gin.Context) {
	accounts := h.pool.GetAllAccounts()
	infos := make([]accountInfo, 0, len(accounts))
	var totalRequests uint64
	for _, a := range accounts {
		infos = append(infos, describeAccount(a))
		totalRequests += a.RequestCount()
	}
	ok(c, gin.H{
		"total":          len(accounts),
		"healthy":        h.pool.HealthyCount(),
		"total_requests": totalRequests,
		"accounts":       infos,
	})
}

// listAccounts returns the bare account listing.
func (h *Handler) listAccounts(c *gin.Context) {
	accounts := h.pool.GetAllAccounts()
	infos := make([]accountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, describeAccount(a))
	}
	ok(c, infos)
}

type addAccountRequest struct {
	Name        string           `json:"name" binding:"required"`
	Credentials kiro.Credentials `json:"credentials" binding:"required"`
}

// addAccount saves a credential file and joins it to the pool.
func (h *Handler) addAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !validAccountName(req.Name) {
		fail(c, http.StatusBadRequest, "invalid account name")
		return
	}
	if req.Credentials.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "credentials missing refresh token")
		return
	}

	path := filepath.Join(h.cfg.CredentialsDir, req.Name+".json")
	if err := kiro.SaveCredentials(path, &req.Credentials); err != nil {
		fail(c, http.StatusInternalServerError, "failed to save credentials: "+err.Error())
		return
	}

	tm := account.NewTokenManager(&req.Credentials, path, h.client, h.logger)
	h.pool.AddAccount(account.New(req.Name, tm))
	h.logger.Info("account added", "name", req.Name, "path", path)

	ok(c, describeAccount(h.pool.Get(req.Name)))
}

type removeAccountRequest struct {
	Name       string `json:"name" binding:"required"`
	DeleteFile bool   `json:"delete_file"`
}

// removeAccount drops an account from the pool, optionally deleting its
// credential file so it does not rejoin on the next startup scan.
func (h *Handler) removeAccount(c *gin.Context) {
	var req removeAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	h.dropAccount(c, req.Name, req.DeleteFile)
}

// removeAccountByPath is the path-parameter variant. The credential file
// stays on disk.
func (h *Handler) removeAccountByPath(c *gin.Context) {
	h.dropAccount(c, c.Param("name"), false)
}

func (h *Handler) dropAccount(c *gin.Context, name string, deleteFile bool) {
	acct := h.pool.Get(name)
	if acct == nil {
		fail(c, http.StatusNotFound, "account not found: "+name)
		return
	}
	path := acct.Tokens().Path()
	h.pool.RemoveAccount(name)

	fileDeleted := false
	if deleteFile && path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fail(c, http.StatusInternalServerError, "failed to delete credentials: "+err.Error())
			return
		}
		fileDeleted = true
	}
	h.logger.Info("account removed", "name", name, "file_deleted", fileDeleted)
	ok(c, gin.H{"name": name, "fileDeleted": fileDeleted})
}

// refreshAccount forces a token refresh.
func (h *Handler) refreshAccount(c *gin.Context) {
	acct := h.pool.Get(c.Param("name"))
	if acct == nil {
		fail(c, http.StatusNotFound, "account not found: "+c.Param("name"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	if err := acct.Tokens().ForceRefresh(ctx); err != nil {
		fail(c, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	ok(c, describeAccount(acct))
}

// resetAccount clears an account's failure state so it becomes eligible
// again immediately.
func (h *Handler) resetAccount(c *gin.Context) {
	acct := h.pool.Get(c.Param("name"))
	if acct == nil {
		fail(c, http.StatusNotFound, "account not found: "+c.Param("name"))
		return
	}
	acct.MarkHealthy()
	acct.ClearUsageRatio()
	ok(c, describeAccount(acct))
}

// checkAccountResult is one live usage probe outcome.
type checkAccountResult struct {
	Name          string   `json:"name"`
	Healthy       bool     `json:"healthy"`
	Email         string   `json:"email,omitempty"`
	Subscription  string   `json:"subscription,omitempty"`
	CurrentUsage  float64  `json:"currentUsage"`
	UsageLimit    float64  `json:"usageLimit"`
	UsagePercent  float64  `json:"usagePercent"`
	NextResetDate *float64 `json:"nextResetDate,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// checkOne probes one account and folds the observed ratio back into the
// pool's selection state.
func (h *Handler) checkOne(ctx context.Context, acct *account.Account) checkAccountResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	result := checkAccountResult{Name: acct.Name, Healthy: acct.IsHealthy()}

	limits, err := acct.Tokens().GetUsageLimits(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Email = limits.Email
	result.Subscription = limits.SubscriptionTitle
	result.CurrentUsage = limits.CurrentUsage
	result.UsageLimit = limits.UsageLimit
	result.NextResetDate = limits.NextResetDate
	if ratio, known := limits.Ratio(); known {
		result.UsagePercent = ratio * 100
		acct.SetUsageRatio(ratio)
	} else {
		acct.ClearUsageRatio()
	}
	return result
}

// checkAccount probes one account's usage live.
func (h *Handler) checkAccount(c *gin.Context) {
	acct := h.pool.Get(c.Param("name"))
	if acct == nil {
		fail(c, http.StatusNotFound, "account not found: "+c.Param("name"))
		return
	}

	result := h.checkOne(c.Request.Context(), acct)
	if result.Error != "" {
		fail(c, http.StatusBadGateway, result.Error)
		return
	}
	ok(c, result)
}

type batchCheckRequest struct {
	Names []string `json:"names"`
}

// batchCheckResponse aggregates probes across the pool.
type batchCheckResponse struct {
	Results      []checkAccountResult `json:"results"`
	SuccessCount int                  `json:"success_count"`
	FailedCount  int                  `json:"failed_count"`
}

// batchTargets resolves a name list against the pool. An empty list means
// every account.
func (h *Handler) batchTargets(names []string) (targets []*account.Account, missing []string) {
	if len(names) == 0 {
		return h.pool.GetAllAccounts(), nil
	}
	for _, name := range names {
		if acct := h.pool.Get(name); acct != nil {
			targets = append(targets, acct)
		} else {
			missing = append(missing, name)
		}
	}
	return targets, missing
}

// batchCheckAccounts probes the named accounts concurrently, or the whole
// pool when no names are given.
func (h *Handler) batchCheckAccounts(c *gin.Context) {
	var req batchCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	targets, missing := h.batchTargets(req.Names)
	results := make([]checkAccountResult, len(targets), len(targets)+len(missing))

	var wg sync.WaitGroup
	for i, acct := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.checkOne(c.Request.Context(), acct)
		}()
	}
	wg.Wait()

	for _, name := range missing {
		results = append(results, checkAccountResult{
			Name:  name,
			Error: "account not found: " + name,
		})
	}

	resp := batchCheckResponse{Results: results}
	for _, r := range results {
		if r.Error == "" {
			resp.SuccessCount++
		} else {
			resp.FailedCount++
		}
	}
	ok(c, resp)
}

type importSSORequest struct {
	Name      string `json:"name" binding:"required"`
	SSOToken  string `json:"ssoToken" binding:"required"`
	Region    string `json:"region"`
	AddToPool *bool  `json:"addToPool"`
}

// importSSO runs the IdC device flow and registers the resulting account.
func (h *Handler) importSSO(c *gin.Context) {
	var req importSSORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !validAccountName(req.Name) {
		fail(c, http.StatusBadRequest, "invalid account name")
		return
	}
	if req.Region == "" {
		req.Region = "us-east-1"
	}

	imported, err := h.client.ImportSSOToken(c.Request.Context(), req.SSOToken, req.Region)
	if err != nil {
		fail(c, http.StatusBadGateway, "SSO import failed: "+err.Error())
		return
	}

	path := filepath.Join(h.cfg.CredentialsDir, req.Name+".json")
	if err := kiro.SaveCredentials(path, imported.Credentials); err != nil {
		fail(c, http.StatusInternalServerError, "failed to save credentials: "+err.Error())
		return
	}

	addToPool := req.AddToPool == nil || *req.AddToPool
	if addToPool {
		tm := account.NewTokenManager(imported.Credentials, path, h.client, h.logger)
		h.pool.AddAccount(account.New(req.Name, tm))
	}
	h.logger.Info("SSO account imported",
		"name", req.Name,
		"region", req.Region,
		"added_to_pool", addToPool,
	)

	ok(c, gin.H{
		"name":        req.Name,
		"path":        path,
		"region":      req.Region,
		"expiresAt":   imported.Credentials.ExpiresAt,
		"addedToPool": addToPool,
	})
}

type exportCredentialsRequest struct {
	Names []string `json:"names"`
}

// exportCredentials returns the raw credential records for the named
// accounts, or all of them when no names are given.
func (h *Handler) exportCredentials(c *gin.Context) {
	var req exportCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	wanted := make(map[string]bool, len(req.Names))
	for _, name := range req.Names {
		wanted[name] = true
	}

	out := make(map[string]kiro.Credentials)
	for _, acct := range h.pool.GetAllAccounts() {
		if len(wanted) > 0 && !wanted[acct.Name] {
			continue
		}
		out[acct.Name] = acct.Tokens().Credentials()
	}
	ok(c, out)
}

// validAccountName rejects names that would escape the credentials dir.
func validAccountName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return !strings.Contains(name, "..")
}
