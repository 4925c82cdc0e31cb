package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/middleware"
	"github.com/zairovarsen/telegram-bot/internal/quota"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// BalanceReader serves informational balance reads for the admin API.
type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (*models.UserBalance, error)
}

// CreditGranter applies admin credit adjustments.
type CreditGranter interface {
	Grant(ctx context.Context, userID, tokens, images int64) error
}

// HealthChecker reports store reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Pinger reports cache reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type opsAPI struct {
	repo    HealthChecker
	cache   Pinger
	engine  BalanceReader
	applier CreditGranter
	log     *logging.Logger
}

func setupRouter(api *opsAPI, logger *logging.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RateLimit(middleware.NewRateLimiter(10, 20)))

	router.GET("/health", api.healthCheck)

	admin := router.Group("/admin", middleware.AdminAuth())
	{
		admin.GET("/users/:id/balance", api.getBalance)
		admin.POST("/users/:id/grant", api.grantCredits)
	}

	return router
}

func (api *opsAPI) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	if api.cache != nil {
		if err := api.cache.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

func (api *opsAPI) getBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	balance, err := api.engine.Balance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, quota.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (api *opsAPI) grantCredits(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	var req struct {
		Tokens int64 `json:"tokens"`
		Images int64 `json:"images"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Tokens <= 0 && req.Images <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Grant must add tokens or images"})
		return
	}

	if err := api.applier.Grant(c.Request.Context(), userID, req.Tokens, req.Images); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	api.log.WithUserID(userID).Infof("Admin grant applied: %d tokens, %d images", req.Tokens, req.Images)
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"tokens":  req.Tokens,
		"images":  req.Images,
	})
}
