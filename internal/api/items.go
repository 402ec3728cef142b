package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockwatch/internal/checker"
	"stockwatch/internal/history"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/statuscache"
	"stockwatch/internal/provider"
	"stockwatch/internal/storage"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 5000
)

type historyResponse struct {
	ItemID    uint                         `json:"item_id"`
	From      *time.Time                   `json:"from,omitempty"`
	To        *time.Time                   `json:"to,omitempty"`
	Snapshots []model.AvailabilitySnapshot `json:"snapshots"`
	Truncated bool                         `json:"truncated"`
}

type statusResponse struct {
	Source string             `json:"source"` // cache / history
	Status statuscache.Status `json:"status"`
}

// handleHistory 返回商品在时间范围内的快照序列。
//
// GET /api/items/:id/history?from=&to=&limit=
func (s *Server) handleHistory(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	from, err := parseTimeQuery(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := parseTimeQuery(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}
	limit := parseQueryInt(c, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Items.GetItem(ctx, itemID); err != nil {
		s.writeItemError(c, err)
		return
	}

	resp := historyResponse{ItemID: itemID, Snapshots: []model.AvailabilitySnapshot{}}
	if !from.IsZero() {
		resp.From = &from
	}
	if !to.IsZero() {
		resp.To = &to
	}
	for snap, err := range s.deps.History.Series(ctx, itemID, from, to) {
		if err != nil {
			s.logger.Error("read history failed",
				slog.Uint64("item_id", uint64(itemID)),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read history failed"})
			return
		}
		if len(resp.Snapshots) == limit {
			resp.Truncated = true
			break
		}
		resp.Snapshots = append(resp.Snapshots, snap)
	}
	c.JSON(http.StatusOK, resp)
}

// handleStatus 返回商品最近一次快照的摘要，优先读取 Redis 缓存。
//
// GET /api/items/:id/status
func (s *Server) handleStatus(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if s.deps.Status != nil {
		st, err := s.deps.Status.Get(ctx, itemID)
		if err == nil {
			c.JSON(http.StatusOK, statusResponse{Source: "cache", Status: *st})
			return
		}
		if !errors.Is(err, statuscache.ErrMiss) {
			s.logger.Warn("read status cache failed",
				slog.Uint64("item_id", uint64(itemID)),
				slog.String("error", err.Error()))
		}
	}

	snap, err := s.deps.History.Latest(ctx, itemID)
	if errors.Is(err, history.ErrNoSnapshot) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot recorded for item"})
		return
	}
	if err != nil {
		s.logger.Error("read latest snapshot failed",
			slog.Uint64("item_id", uint64(itemID)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read latest snapshot failed"})
		return
	}

	st := statuscache.FromSnapshot(snap)
	if s.deps.Status != nil {
		if err := s.deps.Status.Put(ctx, st); err != nil {
			s.logger.Warn("refill status cache failed", slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, statusResponse{Source: "history", Status: st})
}

// handleLive 实时查询商品的门店库存，不写入历史。
//
// GET /api/items/:id/live
func (s *Server) handleLive(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	snap, err := s.deps.Checker.LiveAvailability(c.Request.Context(), itemID)
	if err != nil {
		if errors.Is(err, checker.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStores 列出国家下的门店。
//
// GET /api/stores/:country
func (s *Server) handleStores(c *gin.Context) {
	stores, err := s.deps.Stores.Stores(c.Request.Context(), c.Param("country"))
	if err != nil {
		s.writeProviderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"country": strings.ToLower(strings.TrimSpace(c.Param("country"))),
		"stores":  stores,
	})
}

// handleGetRun 返回已保存的运行报告。
//
// GET /api/runs/:id
func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.deps.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("load run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load run failed"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) writeItemError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return
	}
	s.logger.Error("load item failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "load item failed"})
}

// writeProviderError 将数据源错误映射为 HTTP 状态码。
func (s *Server) writeProviderError(c *gin.Context, err error) {
	var gwErr *provider.GatewayError
	switch {
	case errors.Is(err, provider.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrNoStores):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &gwErr):
		status := http.StatusBadGateway
		if gwErr.Kind == provider.KindTimeout {
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("provider request failed",
			slog.String("kind", gwErr.Kind.String()),
			slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": "provider request failed", "kind": gwErr.Kind.String()})
	default:
		s.logger.Error("provider request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provider request failed"})
	}
}

func parseItemID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return 0, false
	}
	return uint(id), true
}

// parseTimeQuery 解析 RFC3339 或 YYYY-MM-DD 格式的时间参数，缺失时返回零值。
func parseTimeQuery(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errors.New("invalid " + key + ": expected RFC3339 or YYYY-MM-DD")
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
