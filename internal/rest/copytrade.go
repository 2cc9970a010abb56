package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mirrorfin/copy-executor/internal/audit"
	"github.com/mirrorfin/copy-executor/internal/coordinator"
	"github.com/mirrorfin/copy-executor/internal/domain"
	"github.com/mirrorfin/copy-executor/internal/monitor"
	"github.com/mirrorfin/copy-executor/internal/protection"
)

// CopyTradeController exposes the copy-trade pipeline over HTTP.
type CopyTradeController struct {
	coordinator *coordinator.Coordinator
	monitor     *monitor.Monitor
	engine      *protection.Engine
	audit       *audit.Log

	// monitorCtx outlives any single request; REST-triggered monitor starts
	// must not die with the request that issued them.
	monitorCtx context.Context
}

func NewCopyTradeController(
	monitorCtx context.Context,
	coord *coordinator.Coordinator,
	mon *monitor.Monitor,
	engine *protection.Engine,
	auditLog *audit.Log,
) *CopyTradeController {
	return &CopyTradeController{
		coordinator: coord,
		monitor:     mon,
		engine:      engine,
		audit:       auditLog,
		monitorCtx:  monitorCtx,
	}
}

// RegisterRoutes mounts the copy-trade API. Everything behind the provided
// API-key auth middleware; config writes and monitor control additionally
// require admin.
func (ct *CopyTradeController) RegisterRoutes(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	v2 := rg.Group("/api/v2/copy-trade")

	v2.POST("/generate-key", ct.handleGenerateKey)

	authed := v2.Group("", auth)
	authed.GET("/leader", ct.handleLeaderStatus)
	authed.POST("/register", ct.handleRegister)
	authed.POST("/toggle", ct.handleToggle)
	authed.POST("/execute", ct.handleExecute)
	authed.POST("/submit", ct.handleSubmit)
	authed.GET("/audit-logs", ct.handleAuditLogs)
	authed.GET("/protection-config", ct.handleGetProtectionConfig)

	admin := authed.Group("", RequireAdmin())
	admin.PUT("/protection-config", ct.handleUpdateProtectionConfig)
	admin.POST("/monitor/start", ct.handleMonitorStart)
	admin.POST("/monitor/stop", ct.handleMonitorStop)
}

func (ct *CopyTradeController) handleLeaderStatus(c *gin.Context) {
	identity, _ := currentUser(c)
	status, err := ct.monitor.LeaderStatus(c.Request.Context())
	if err != nil {
		ct.audit.Record(c.Request.Context(), "GET_LEADER_STATUS", identity.UserID, c.ClientIP(),
			map[string]any{"error": err.Error()}, false)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to fetch leader status"})
		return
	}
	ct.audit.Record(c.Request.Context(), "GET_LEADER_STATUS", identity.UserID, c.ClientIP(),
		map[string]any{}, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

func (ct *CopyTradeController) handleRegister(c *gin.Context) {
	identity, _ := currentUser(c)
	var req struct {
		UserAddress     string  `json:"userAddress"`
		APIKey          string  `json:"hyperliquidApiKey"`
		APISecret       string  `json:"hyperliquidApiSecret"`
		CopyRatio       float64 `json:"copyRatio"`
		MaxPositionSize float64 `json:"maxPositionSize"`
		StopLossPercent float64 `json:"stopLossPercent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	cfg, err := ct.coordinator.Register(c.Request.Context(), coordinator.RegisterParams{
		UserID:          identity.UserID,
		UserAddress:     req.UserAddress,
		APIKey:          req.APIKey,
		APISecret:       req.APISecret,
		CopyRatio:       req.CopyRatio,
		MaxPositionSize: req.MaxPositionSize,
		StopLossPercent: req.StopLossPercent,
		IP:              c.ClientIP(),
	})
	if err != nil {
		var vErr *coordinator.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": vErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to register copy trading"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Copy trading configuration registered",
		"data":    cfg,
	})
}

func (ct *CopyTradeController) handleToggle(c *gin.Context) {
	identity, _ := currentUser(c)
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	if err := ct.coordinator.Toggle(c.Request.Context(), identity.UserID, req.Active, c.ClientIP()); err != nil {
		if errors.Is(err, coordinator.ErrNotConfigured) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Copy trading not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to toggle copy trading"})
		return
	}

	msg := "Copy trading disabled"
	if req.Active {
		msg = "Copy trading enabled"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (ct *CopyTradeController) handleExecute(c *gin.Context) {
	identity, _ := currentUser(c)
	var req struct {
		Coin            string  `json:"coin"`
		Side            string  `json:"side"`
		LeaderSize      float64 `json:"leaderSize"`
		LeaderPrice     float64 `json:"leaderPrice"`
		LeaderTradeTime int64   `json:"leaderTradeTime"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	side := domain.Side(req.Side)
	if !side.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "side must be buy or sell"})
		return
	}

	result, err := ct.coordinator.Execute(c.Request.Context(), coordinator.ExecuteParams{
		UserID:          identity.UserID,
		Coin:            req.Coin,
		Side:            side,
		LeaderSize:      req.LeaderSize,
		LeaderPrice:     req.LeaderPrice,
		LeaderTradeTime: req.LeaderTradeTime,
		IP:              c.ClientIP(),
	})
	if err != nil {
		if errors.Is(err, coordinator.ErrNotConfigured) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Copy trading not active"})
			return
		}
		if rej, ok := coordinator.AsRejection(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": rej.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to execute copy trade"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (ct *CopyTradeController) handleSubmit(c *gin.Context) {
	identity, _ := currentUser(c)
	var req struct {
		Coin  string  `json:"coin"`
		Side  string  `json:"side"`
		Size  float64 `json:"size"`
		Price float64 `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	side := domain.Side(req.Side)
	if !side.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "side must be buy or sell"})
		return
	}

	result, err := ct.coordinator.Submit(c.Request.Context(), coordinator.SubmitParams{
		UserID: identity.UserID,
		Plan: coordinator.Execution{
			Coin:  req.Coin,
			Side:  side,
			Size:  req.Size,
			Price: req.Price,
		},
		IP: c.ClientIP(),
	})
	if err != nil {
		if errors.Is(err, coordinator.ErrNotConfigured) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Copy trading not configured"})
			return
		}
		if rej, ok := coordinator.AsRejection(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": rej.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to submit order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (ct *CopyTradeController) handleAuditLogs(c *gin.Context) {
	identity, _ := currentUser(c)
	logs := ct.audit.Recent(identity.UserID, identity.Admin(), 100)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": logs})
}

func (ct *CopyTradeController) handleGetProtectionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": ct.engine.Config()})
}

func (ct *CopyTradeController) handleUpdateProtectionConfig(c *gin.Context) {
	var upd protection.ConfigUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	cfg := ct.engine.UpdateConfig(upd)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": cfg})
}

func (ct *CopyTradeController) handleMonitorStart(c *gin.Context) {
	ct.monitor.Start(ct.monitorCtx)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Monitor started"})
}

func (ct *CopyTradeController) handleMonitorStop(c *gin.Context) {
	ct.monitor.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Monitor stopped"})
}

func (ct *CopyTradeController) handleGenerateKey(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	apiKey, err := ct.coordinator.IssueAPIKey(c.Request.Context(), req.UserID, []string{"read", "trade"}, c.ClientIP())
	if err != nil {
		var vErr *coordinator.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid userId"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to generate API key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"apiKey":      apiKey,
			"permissions": []string{"read", "trade"},
			"warning":     "Store this key securely. It will not be shown again.",
		},
	})
}
