package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"stockwatch/internal/checker"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/checkqueue"

	"github.com/gin-gonic/gin"
)

// maxCheckBody 限制 webhook 请求体大小。
const maxCheckBody = 4 << 10

// checkRequest webhook 请求体。两个字段都为空表示检查全部商品。
type checkRequest struct {
	ItemID    *uint      `json:"item_id"`
	ProductID *productID `json:"product_id"`
}

// productID 同时接受字符串与数字形式的商品编号。
type productID string

func (p *productID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = productID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*p = productID(num.String())
	return nil
}

var errAmbiguousSelector = errors.New("item_id and product_id are mutually exclusive")

// selector 将请求体转换为选择器。
func (r checkRequest) selector() (checker.Selector, error) {
	switch {
	case r.ItemID != nil && r.ProductID != nil:
		return checker.Selector{}, errAmbiguousSelector
	case r.ItemID != nil:
		return checker.ByItem(*r.ItemID, model.TriggerWebhook), nil
	case r.ProductID != nil:
		return checker.ByProduct(string(*r.ProductID), model.TriggerWebhook), nil
	default:
		return checker.All(model.TriggerWebhook), nil
	}
}

// handleCheck 触发一次库存检查。
//
// POST /api/check
//
// 同步模式返回运行报告；?async=1 时将请求投递到检查队列并返回 202。
func (s *Server) handleCheck(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCheckBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read request body failed"})
		return
	}
	if len(body) > maxCheckBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	var req checkRequest
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
	}
	sel, err := req.selector()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sel.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if isTruthy(c.Query("async")) {
		s.enqueueCheck(c, sel)
		return
	}

	run, err := s.deps.Checker.RunCheck(c.Request.Context(), sel)
	if err != nil {
		s.writeCheckError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// enqueueCheck 将检查请求写入 Redis Streams 队列。
func (s *Server) enqueueCheck(c *gin.Context, sel checker.Selector) {
	if s.deps.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check queue is not enabled"})
		return
	}

	var msg *checkqueue.CheckMessage
	switch sel.Kind {
	case checker.SelectItem:
		msg = checkqueue.NewCheckMessage(checkqueue.KindItemID, sel.ItemID, "", model.TriggerWebhook)
	case checker.SelectProduct:
		msg = checkqueue.NewCheckMessage(checkqueue.KindProductID, 0, sel.ProductID, model.TriggerWebhook)
	default:
		msg = checkqueue.NewCheckMessage(checkqueue.KindAll, 0, "", model.TriggerWebhook)
	}

	if _, err := s.deps.Queue.Submit(c.Request.Context(), msg); err != nil {
		s.logger.Error("enqueue check request failed",
			slog.String("selector", sel.String()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enqueue check request failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": msg.RequestID,
		"selector":   sel.String(),
	})
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
