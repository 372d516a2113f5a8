package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/naegeon/kis-trading-sub000/internal/scheduler"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

type createStrategyRequest struct {
	Type         string         `json:"type" binding:"required,oneof=LOO_LOC SPLIT_ORDER"`
	Symbol       string         `json:"symbol" binding:"required,min=1"`
	Market       string         `json:"market" binding:"required,oneof=US KR"`
	ExchangeHint string         `json:"exchange_hint"`
	Parameters   map[string]any `json:"parameters" binding:"required"`
	ValidFrom    string         `json:"valid_from"`  // RFC3339, optional
	ValidUntil   string         `json:"valid_until"` // RFC3339, optional
}

type updateStrategyRequest struct {
	Symbol       string         `json:"symbol" binding:"required,min=1"`
	Market       string         `json:"market" binding:"required,oneof=US KR"`
	ExchangeHint string         `json:"exchange_hint"`
	Status       string         `json:"status" binding:"required,oneof=ACTIVE INACTIVE ENDED"`
	Parameters   map[string]any `json:"parameters" binding:"required"`
	ValidFrom    string         `json:"valid_from"`
	ValidUntil   string         `json:"valid_until"`
}

type createConnectionRequest struct {
	AccountNo string `json:"account_no" binding:"required,min=1"`
	AppKey    string `json:"app_key" binding:"required,min=1"`
	AppSecret string `json:"app_secret" binding:"required,min=1"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// defaultHint fills the exchange hint for US strategies: the broker routes
// empty-hint calls to the domestic surface, so a US row must always carry one.
func defaultHint(market, hint string) string {
	if market == db.MarketUS && hint == "" {
		return "NASD"
	}
	return hint
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func listLimit(c *gin.Context, def, max int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// batchWindow reads offset/size query params for the tick triggers.
func (s *Server) batchWindow(c *gin.Context) (offset, size int) {
	size = s.BatchSize
	if v := c.Query("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return offset, size
}

// strategyView shapes a strategy row for the API; parameters are returned as
// JSON, not as the stored string.
func strategyView(s *db.Strategy) gin.H {
	var params any
	if err := json.Unmarshal([]byte(s.Parameters), &params); err != nil {
		params = s.Parameters
	}
	v := gin.H{
		"id":         s.ID,
		"type":       s.Type,
		"status":     s.Status,
		"symbol":     s.Symbol,
		"market":     s.Market,
		"parameters": params,
		"created_at": s.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.ExchangeHint != "" {
		v["exchange_hint"] = s.ExchangeHint
	}
	if !s.ValidFrom.IsZero() {
		v["valid_from"] = s.ValidFrom.UTC().Format(time.RFC3339)
	}
	if !s.ValidUntil.IsZero() {
		v["valid_until"] = s.ValidUntil.UTC().Format(time.RFC3339)
	}
	if !s.LastExecutedAt.IsZero() {
		v["last_executed_at"] = s.LastExecutedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// listStrategies returns the current user's strategies.
func (s *Server) listStrategies(c *gin.Context) {
	userID := CurrentUserID(c)
	strategies, err := s.Queries.ListStrategiesByOwner(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	views := make([]gin.H, 0, len(strategies))
	for i := range strategies {
		views = append(views, strategyView(&strategies[i]))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": views})
}

// createStrategy creates a strategy bound to the current user. Parameters are
// validated against the strategy type before anything is stored.
func (s *Server) createStrategy(c *gin.Context) {
	userID := CurrentUserID(c)

	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	validFrom, err := parseOptionalTime(req.ValidFrom)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_VALID_FROM", "valid_from must be RFC3339")
		return
	}
	validUntil, err := parseOptionalTime(req.ValidUntil)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_VALID_UNTIL", "valid_until must be RFC3339")
		return
	}

	paramsJSON, err := json.Marshal(req.Parameters)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", "invalid parameters")
		return
	}

	strategy := db.Strategy{
		ID:           uuid.NewString(),
		OwnerID:      userID,
		Type:         req.Type,
		Status:       db.StrategyStatusActive,
		Symbol:       req.Symbol,
		Market:       req.Market,
		ExchangeHint: defaultHint(req.Market, req.ExchangeHint),
		Parameters:   string(paramsJSON),
		ValidFrom:    validFrom,
		ValidUntil:   validUntil,
	}
	if err := strategy.ValidateParams(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}

	if err := s.Queries.CreateStrategy(c.Request.Context(), strategy); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": strategy.ID})
}

// ownedStrategy loads a strategy and enforces ownership; a foreign strategy
// reads as not found.
func (s *Server) ownedStrategy(c *gin.Context) *db.Strategy {
	userID := CurrentUserID(c)
	strategy, err := s.Queries.GetStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrStrategyNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "strategy not found")
		} else {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		}
		return nil
	}
	if strategy.OwnerID != userID {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "strategy not found")
		return nil
	}
	return strategy
}

func (s *Server) getStrategy(c *gin.Context) {
	strategy := s.ownedStrategy(c)
	if strategy == nil {
		return
	}
	c.JSON(http.StatusOK, strategyView(strategy))
}

// updateStrategy applies a user edit. Engine-maintained fields inside
// parameters (running average, processed fill ids) are preserved if the
// client omits them, and updated_at is bumped so executors cancel orders
// placed under the old configuration.
func (s *Server) updateStrategy(c *gin.Context) {
	strategy := s.ownedStrategy(c)
	if strategy == nil {
		return
	}

	var req updateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	validFrom, err := parseOptionalTime(req.ValidFrom)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_VALID_FROM", "valid_from must be RFC3339")
		return
	}
	validUntil, err := parseOptionalTime(req.ValidUntil)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_VALID_UNTIL", "valid_until must be RFC3339")
		return
	}

	merged, err := mergeParams(strategy.Parameters, req.Parameters)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", "invalid parameters")
		return
	}

	strategy.Symbol = req.Symbol
	strategy.Market = req.Market
	strategy.ExchangeHint = defaultHint(req.Market, req.ExchangeHint)
	strategy.Status = req.Status
	strategy.Parameters = merged
	strategy.ValidFrom = validFrom
	strategy.ValidUntil = validUntil
	if err := strategy.ValidateParams(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}

	if err := s.Queries.UpdateStrategy(c.Request.Context(), *strategy); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": strategy.ID})
}

// mergeParams overlays a user edit onto stored parameters, keeping
// engine-owned keys the client did not send.
func mergeParams(stored string, edit map[string]any) (string, error) {
	base := map[string]any{}
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &base); err != nil {
			base = map[string]any{}
		}
	}
	for k, v := range edit {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// deleteStrategy removes a strategy; its orders are detached, never deleted.
func (s *Server) deleteStrategy(c *gin.Context) {
	strategy := s.ownedStrategy(c)
	if strategy == nil {
		return
	}
	if err := s.Queries.DeleteStrategy(c.Request.Context(), strategy.ID); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": strategy.ID})
}

// executeStrategyNow triggers a synchronous execution of one strategy. A
// timeout is not a failure: the execution keeps running detached and the
// dedup fence is already committed.
func (s *Server) executeStrategyNow(c *gin.Context) {
	strategy := s.ownedStrategy(c)
	if strategy == nil {
		return
	}
	err := s.Scheduler.ExecuteNow(c.Request.Context(), strategy.ID)
	switch {
	case errors.Is(err, scheduler.ErrExecuteTimeout):
		c.JSON(http.StatusAccepted, gin.H{
			"id":     strategy.ID,
			"status": "running",
			"detail": "execution still in progress, check orders shortly",
		})
	case err != nil:
		respondError(c, http.StatusUnprocessableEntity, "EXECUTE_FAILED", err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"id": strategy.ID, "status": "done"})
	}
}

// listOrders returns the current user's recent orders.
func (s *Server) listOrders(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := listLimit(c, 100, 500)
	orders, err := s.Queries.ListOrdersByOwner(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// listExecLogs returns the current user's recent audit rows.
func (s *Server) listExecLogs(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := listLimit(c, 100, 500)
	logs, err := s.Queries.ListExecLogsByOwner(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// listConnections returns the user's credential sets with secrets redacted.
func (s *Server) listConnections(c *gin.Context) {
	userID := CurrentUserID(c)
	conns, err := s.Queries.ListConnectionsByOwner(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	views := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		views = append(views, gin.H{
			"id":         conn.ID,
			"account_no": conn.AccountNo,
			"is_active":  conn.IsActive,
			"created_at": conn.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// createConnection stores a KIS credential set, encrypted at rest. The cached
// broker session is dropped so the next tick picks up the new credentials.
func (s *Server) createConnection(c *gin.Context) {
	userID := CurrentUserID(c)

	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	appKey, err := s.Keys.Encrypt(req.AppKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPT_FAILED", "failed to protect credentials")
		return
	}
	appSecret, err := s.Keys.Encrypt(req.AppSecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPT_FAILED", "failed to protect credentials")
		return
	}

	conn := db.Connection{
		ID:        uuid.NewString(),
		OwnerID:   userID,
		AccountNo: req.AccountNo,
		AppKey:    appKey,
		AppSecret: appSecret,
		IsActive:  true,
	}
	if err := s.Queries.CreateConnection(c.Request.Context(), conn); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.Pool.Drop(userID)

	c.JSON(http.StatusCreated, gin.H{"id": conn.ID})
}

// deactivateConnection flips a connection inactive and evicts the session.
func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	err := s.Queries.DeactivateConnection(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, db.ErrConnectionNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "connection not found")
		} else {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		}
		return
	}
	s.Pool.Drop(userID)
	c.JSON(http.StatusOK, gin.H{"deactivated": c.Param("id")})
}

// executeTick triggers one strategy execution batch.
func (s *Server) executeTick(c *gin.Context) {
	offset, size := s.batchWindow(c)
	counts, err := s.Scheduler.ExecuteDue(c.Request.Context(), offset, size)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "TICK_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"strategies": counts.Strategies,
		"owners":     counts.Owners,
		"errors":     counts.Errors,
	})
}

// reconcileTick triggers one reconciliation batch.
func (s *Server) reconcileTick(c *gin.Context) {
	offset, size := s.batchWindow(c)
	counts, err := s.Scheduler.ReconcileAll(c.Request.Context(), offset, size)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "TICK_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checked": counts.Checked,
		"updated": counts.Updated,
		"skipped": counts.Skipped,
		"swept":   counts.Swept,
		"errors":  counts.Errors,
	})
}
