package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"livemon/internal/config"
	"livemon/internal/livecache"
	"livemon/internal/migration"
	"livemon/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 是只读的状态查询服务。
//
// 迁移本身由调度器驱动，这里只暴露健康检查、运行统计和 Prometheus 指标。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	cache  *livecache.Client
	svc    *migration.Service
	router *gin.Engine
}

// NewServer 初始化 HTTP 服务。
func NewServer(cfg *config.Config, logger *slog.Logger, st *store.Store, cache *livecache.Client, svc *migration.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		cache:  cache,
		svc:    svc,
		router: r,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	apiGroup := s.router.Group("/api")
	apiGroup.GET("/stats", s.handleStats)
	apiGroup.GET("/runs", s.handleRuns)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil || s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.store.DB().WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	if err := s.cache.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "cache"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStats 返回统计窗口内的迁移运行汇总。
func (s *Server) handleStats(c *gin.Context) {
	window := s.cfg.App.StatsWindow
	if hours := c.Query("hours"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil && h > 0 {
			window = time.Duration(h) * time.Hour
		}
	}

	stats, err := s.svc.Stats(c.Request.Context(), window)
	if err != nil {
		s.logger.Error("query run stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"window_hours": int(stats.Window.Hours()),
		"total_runs":   stats.TotalRuns,
		"completed":    stats.Completed,
		"partial":      stats.Partial,
		"failed":       stats.Failed,
		"running":      stats.Running,
	})
}

// handleRuns 返回最近的迁移运行列表。
func (s *Server) handleRuns(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	stats, err := s.store.QueryRunStats(c.Request.Context(), s.cfg.App.StatsWindow, limit)
	if err != nil {
		s.logger.Error("query recent runs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": stats.RecentRuns})
}

// requestLogger 记录每个请求的方法、路径、状态码和耗时。
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
