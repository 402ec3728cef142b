package api

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"stockwatch/internal/api/middleware"
	"stockwatch/internal/checker"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/checkqueue"
	"stockwatch/internal/pkg/queue"
	"stockwatch/internal/pkg/statuscache"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Checker 执行检查与实时查询。
type Checker interface {
	RunCheck(ctx context.Context, sel checker.Selector) (*model.CheckRun, error)
	LiveAvailability(ctx context.Context, itemID uint) (*model.AvailabilitySnapshot, error)
}

// ItemReader 读取商品。
type ItemReader interface {
	GetItem(ctx context.Context, id uint) (*model.TrackedItem, error)
}

// RunReader 读取运行报告。
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.CheckRun, error)
}

// HistoryReader 读取历史快照。
type HistoryReader interface {
	Series(ctx context.Context, itemID uint, from, to time.Time) iter.Seq2[model.AvailabilitySnapshot, error]
	Latest(ctx context.Context, itemID uint) (*model.AvailabilitySnapshot, error)
}

// StoreLister 列出国家下的门店。
type StoreLister interface {
	Stores(ctx context.Context, country string) ([]model.Store, error)
}

// StatusCache 商品最新状态缓存。
type StatusCache interface {
	Get(ctx context.Context, itemID uint) (*statuscache.Status, error)
	Put(ctx context.Context, s statuscache.Status) error
}

// CheckPublisher 将检查请求投递到异步队列。
type CheckPublisher interface {
	Submit(ctx context.Context, m *checkqueue.CheckMessage) (string, error)
}

// Pinger 用于健康检查。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 是 API 服务的依赖。Status、Queue 与 Redis 可为空。
type Deps struct {
	Checker Checker
	Items   ItemReader
	Runs    RunReader
	History HistoryReader
	Stores  StoreLister
	Status  StatusCache
	Queue   CheckPublisher
	Pool    PoolStats
	DB      Pinger
	Redis   *redis.Client
}

// PoolStats 提供检查 worker 池的统计（可选）。
type PoolStats interface {
	Stats() queue.Stats
}

// Server 封装了 API 服务所需的依赖和路由处理。
type Server struct {
	deps   Deps
	apiKey string
	logger *slog.Logger
	router *gin.Engine
}

// NewServer 初始化 API 服务器并注册路由。
//
// 参数:
//
//	deps: 服务依赖
//	apiKey: webhook API Key，为空时拒绝所有 webhook 调用
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(deps Deps, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		logger.Warn("webhook api key is empty, all check requests will be rejected")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		deps:   deps,
		apiKey: apiKey,
		logger: logger,
		router: r,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")

	// 会触发外部数据源调用的接口需要 API Key
	guarded := api.Group("/")
	guarded.Use(middleware.APIKey(s.apiKey))
	guarded.POST("/check", s.handleCheck)
	guarded.GET("/items/:id/live", s.handleLive)

	api.GET("/items/:id/history", s.handleHistory)
	api.GET("/items/:id/status", s.handleStatus)
	api.GET("/stores/:country", s.handleStores)
	api.GET("/runs/:id", s.handleGetRun)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.deps.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.deps.DB.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}

	resp := gin.H{"status": "ok"}
	if s.deps.Pool != nil {
		st := s.deps.Pool.Stats()
		resp["workers"] = gin.H{
			"pending":   st.Pending,
			"processed": st.Processed,
			"failed":    st.Failed,
			"panics":    st.Panics,
			"rejected":  st.Rejected,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// writeCheckError 将编排器错误映射为 HTTP 状态码。
func (s *Server) writeCheckError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, checker.ErrInvalidSelector):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, checker.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, checker.ErrItemInactive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, checker.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("check request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check failed"})
	}
}
