// Package provider 封装对外部库存数据源（子进程）的调用。
//
// 每次调用都是一个有超时的独立进程；超时或调用方取消时整个进程组会被终止，
// Wait 在所有路径上都会被调用，不会遗留子进程。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/ratelimit"
)

const (
	opAvailability = "availability"
	opStores       = "stores"

	// waitDelay 进程退出后等待输出管道关闭的最长时间。
	waitDelay = 2 * time.Second
)

// Reading 是数据源返回的单个门店单个商品的读数。
type Reading struct {
	StoreCode   string
	StoreName   string
	ProductID   string
	Stock       *int // 为空表示数据源没有给出数量
	Probability string
	RestockDate string
}

// Limiter 在启动外部进程前等待配额。
type Limiter interface {
	Wait(ctx context.Context) error
}

// Gateway 调用外部库存数据源。
type Gateway struct {
	cfg     config.ProviderConfig
	logger  *slog.Logger
	limiter Limiter
}

// NewGateway 创建数据源网关。
//
// 参数:
//   - cfg: 数据源配置，Command 与 Timeout 必填
//   - logger: 日志记录器
//   - limiter: 调用限流器（可为 nil）
//
// 返回值:
//   - *Gateway: 网关实例
//   - error: 配置不合法时返回错误
func NewGateway(cfg config.ProviderConfig, logger *slog.Logger, limiter Limiter) (*Gateway, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("provider command is required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("provider timeout must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, logger: logger, limiter: limiter}, nil
}

// FetchAvailability 查询一组门店中若干商品的库存。
//
// stores 必须非空且属于同一国家，productIDs 必须非空。
// 失败时返回 *GatewayError；调用方取消时返回包装了 ctx.Err() 的错误。
func (g *Gateway) FetchAvailability(ctx context.Context, stores []model.Store, productIDs []string) ([]Reading, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: no stores", ErrInvalidRequest)
	}
	if len(productIDs) == 0 {
		return nil, fmt.Errorf("%w: no product ids", ErrInvalidRequest)
	}
	country := stores[0].CountryCode
	codes := make([]string, 0, len(stores))
	for _, s := range stores {
		if !strings.EqualFold(s.CountryCode, country) {
			return nil, fmt.Errorf("%w: stores span countries %s and %s", ErrInvalidRequest, country, s.CountryCode)
		}
		codes = append(codes, s.Code)
	}

	args := append(append([]string{}, g.cfg.AvailabilityArgs...),
		strings.ToLower(country),
		strings.Join(productIDs, ","),
		strings.Join(codes, ","))

	out, err := g.run(ctx, opAvailability, args)
	if err != nil {
		return nil, err
	}
	readings, err := parseAvailability(out, productIDs)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(KindParseFailure.String()).Inc()
		return nil, &GatewayError{Kind: KindParseFailure, Op: opAvailability, Raw: truncate(string(out)), Err: err}
	}
	return readings, nil
}

// FetchStores 查询某个国家的全部门店。
func (g *Gateway) FetchStores(ctx context.Context, country string) ([]model.Store, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	if country == "" {
		return nil, fmt.Errorf("%w: empty country", ErrInvalidRequest)
	}
	args := append(append([]string{}, g.cfg.StoresArgs...), country)

	out, err := g.run(ctx, opStores, args)
	if err != nil {
		return nil, err
	}
	stores, err := parseStores(out, country)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(KindParseFailure.String()).Inc()
		return nil, &GatewayError{Kind: KindParseFailure, Op: opStores, Raw: truncate(string(out)), Err: err}
	}
	return stores, nil
}

// run 执行一次有超时的外部调用并返回标准输出。
func (g *Gateway) run(ctx context.Context, op string, args []string) ([]byte, error) {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.ProviderCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(callCtx); err != nil {
			if ctx.Err() != nil {
				result = "cancelled"
				return nil, fmt.Errorf("provider %s cancelled: %w", op, ctx.Err())
			}
			if errors.Is(err, ratelimit.ErrRateLimitTimeout) || callCtx.Err() != nil {
				result = KindTimeout.String()
				metrics.ProviderErrorsTotal.WithLabelValues(result).Inc()
				return nil, &GatewayError{Kind: KindTimeout, Op: op, Err: err}
			}
			g.logger.Warn("provider rate limiter unavailable, calling without limit",
				slog.String("op", op),
				slog.String("error", err.Error()))
		}
	}

	cmd := exec.CommandContext(callCtx, g.cfg.Command, args...)
	cmd.Dir = g.cfg.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureCommand(cmd)

	g.logger.Debug("provider call started", slog.String("op", op), slog.Any("args", args))
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctx.Err() != nil {
		result = "cancelled"
		return nil, fmt.Errorf("provider %s cancelled: %w", op, ctx.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		result = KindTimeout.String()
		metrics.ProviderErrorsTotal.WithLabelValues(result).Inc()
		g.logger.Warn("provider call timed out",
			slog.String("op", op),
			slog.Duration("timeout", g.cfg.Timeout))
		return nil, &GatewayError{Kind: KindTimeout, Op: op, Stderr: truncate(strings.TrimSpace(stderr.String())), Err: context.DeadlineExceeded}
	}

	result = KindProcessFailure.String()
	metrics.ProviderErrorsTotal.WithLabelValues(result).Inc()
	gwErr := &GatewayError{
		Kind:     KindProcessFailure,
		Op:       op,
		Stderr:   truncate(strings.TrimSpace(stderr.String())),
		ExitCode: -1,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		gwErr.ExitCode = exitErr.ExitCode()
	}
	g.logger.Warn("provider process failed",
		slog.String("op", op),
		slog.Int("exit_code", gwErr.ExitCode),
		slog.String("error", gwErr.Error()))
	return nil, gwErr
}

// looseString 接受 JSON 字符串或数字。
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = looseString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = looseString(num.String())
	return nil
}

type rawStore struct {
	BuCode      looseString `json:"buCode"`
	Name        string      `json:"name"`
	CountryCode string      `json:"countryCode"`
}

type rawReading struct {
	BuCode      looseString     `json:"buCode"`
	ProductID   looseString     `json:"productId"`
	Stock       json.RawMessage `json:"stock"`
	Probability looseString     `json:"probability"`
	RestockDate looseString     `json:"restockDate"`
	Store       *rawStore       `json:"store"`
}

func parseAvailability(out []byte, productIDs []string) ([]Reading, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, ErrEmptyOutput
	}
	var raw []*rawReading
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}

	readings := make([]Reading, 0, len(raw))
	for _, r := range raw {
		if r == nil {
			continue
		}
		code := string(r.BuCode)
		name := ""
		if r.Store != nil {
			if code == "" {
				code = string(r.Store.BuCode)
			}
			name = r.Store.Name
		}
		if code == "" {
			return nil, errors.New("reading without store code")
		}
		productID := string(r.ProductID)
		if productID == "" && len(productIDs) == 1 {
			productID = productIDs[0]
		}
		readings = append(readings, Reading{
			StoreCode:   code,
			StoreName:   name,
			ProductID:   productID,
			Stock:       parseStock(r.Stock),
			Probability: string(r.Probability),
			RestockDate: string(r.RestockDate),
		})
	}
	return readings, nil
}

// parseStock 解析数量字段，无法识别时视为未知。
func parseStock(raw json.RawMessage) *int {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s looseString
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	n := json.Number(strings.TrimSpace(string(s)))
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return nil
		}
		v = int64(f)
	}
	stock := int(v)
	return &stock
}

func parseStores(out []byte, country string) ([]model.Store, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, ErrEmptyOutput
	}
	var raw []*rawStore
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}

	stores := make([]model.Store, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		if r == nil || r.BuCode == "" {
			continue
		}
		if r.CountryCode != "" && !strings.EqualFold(r.CountryCode, country) {
			continue
		}
		code := string(r.BuCode)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		stores = append(stores, model.Store{
			CountryCode: country,
			Code:        code,
			Name:        r.Name,
		})
	}
	return stores, nil
}
