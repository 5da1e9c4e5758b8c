package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lhquant/dtsync/database"
	"github.com/lhquant/dtsync/models"
	"github.com/lhquant/dtsync/names"
)

type StatusParams struct {
	Code  string `form:"code"`
	Limit int    `form:"limit"`
}

// GetStatus reports the newest synced trade date per code plus the most
// recent execution records.
func GetStatus(c *gin.Context) {
	var params StatusParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if params.Limit <= 0 || params.Limit > 200 {
		params.Limit = 20
	}

	report, err := buildStatus(c.Request.Context(), params.Code, params.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func buildStatus(ctx context.Context, code string, limit int) (*models.StatusReport, error) {
	db := database.DB

	q := db.WithContext(ctx).
		Model(&models.CoreQuote{}).
		Select("code", "MAX(trade_date) AS last_date").
		Group("code").
		Order("code")
	if code != "" {
		q = q.Where("code = ?", code)
	}
	var last []models.EntityLastSync
	if err := q.Scan(&last).Error; err != nil {
		return nil, err
	}

	var recent []models.SyncExecutionRecord
	err := db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}

	return &models.StatusReport{LastSynced: last, RecentExecutions: recent}, nil
}

type ExecutionParams struct {
	Limit   int    `form:"limit"`
	Outcome string `form:"outcome"`
	RunID   string `form:"run_id"`
}

// GetExecutions lists audit records, newest first.
func GetExecutions(c *gin.Context) {
	var params ExecutionParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if params.Limit <= 0 || params.Limit > 500 {
		params.Limit = 50
	}

	q := database.DB.WithContext(c.Request.Context()).
		Order("started_at DESC").
		Limit(params.Limit)
	if params.Outcome != "" {
		q = q.Where("outcome = ?", params.Outcome)
	}
	if params.RunID != "" {
		q = q.Where("run_id = ?", params.RunID)
	}

	var recs []models.SyncExecutionRecord
	if err := q.Find(&recs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

// GetNameHistory lists a code's name intervals, oldest first.
func GetNameHistory(c *gin.Context) {
	code := c.Param("code")

	entries, err := names.NewManager(database.DB).History(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no name history for code"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/status", GetStatus)
	r.GET("/api/executions", GetExecutions)
	r.GET("/api/names/:code", GetNameHistory)

	return r
}
