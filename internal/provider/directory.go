package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/model"

	"golang.org/x/sync/singleflight"
)

// ErrNoStores 表示无法确定商品的目标门店。
var ErrNoStores = errors.New("no stores resolved")

// StoreFetcher 从数据源读取门店列表。
type StoreFetcher interface {
	FetchStores(ctx context.Context, country string) ([]model.Store, error)
}

// StoreRepository 持久化门店缓存。
type StoreRepository interface {
	StoresByCountry(ctx context.Context, country string) ([]model.Store, error)
	ReplaceStores(ctx context.Context, country string, stores []model.Store) error
}

type directoryEntry struct {
	stores    []model.Store
	fetchedAt time.Time
}

// Directory 是按国家缓存的只读门店目录。
//
// 优先使用内存缓存；过期后向数据源刷新并写入数据库，刷新失败时退回数据库中的副本。
type Directory struct {
	fetcher StoreFetcher
	repo    StoreRepository
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]directoryEntry
	// 同一国家的并发刷新合并为一次外部调用。
	group singleflight.Group
}

// NewDirectory 创建门店目录。repo 可为 nil。
func NewDirectory(fetcher StoreFetcher, repo StoreRepository, ttl time.Duration, logger *slog.Logger) *Directory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		fetcher: fetcher,
		repo:    repo,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]directoryEntry),
	}
}

// Stores 返回某个国家的全部门店。
func (d *Directory) Stores(ctx context.Context, country string) ([]model.Store, error) {
	country = normalizeCountry(country)
	if country == "" {
		return nil, fmt.Errorf("%w: empty country", ErrInvalidRequest)
	}

	if stores, ok := d.cached(country); ok {
		return stores, nil
	}

	stores, err := d.refresh(ctx, country)
	if err == nil && len(stores) > 0 {
		return stores, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if d.repo != nil {
		persisted, repoErr := d.repo.StoresByCountry(ctx, country)
		if repoErr == nil && len(persisted) > 0 {
			if err != nil {
				d.logger.Warn("store refresh failed, using persisted directory",
					slog.String("country", country),
					slog.String("error", err.Error()))
			}
			return persisted, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch stores for %s: %w", country, err)
	}
	return nil, fmt.Errorf("%w: provider returned no stores for %s", ErrNoStores, country)
}

// refresh 从数据源拉取门店并写入缓存与数据库，同一国家同时只有一次拉取在进行。
func (d *Directory) refresh(ctx context.Context, country string) ([]model.Store, error) {
	v, err, _ := d.group.Do(country, func() (any, error) {
		if stores, ok := d.cached(country); ok {
			return stores, nil
		}
		stores, err := d.fetcher.FetchStores(ctx, country)
		if err != nil || len(stores) == 0 {
			return nil, err
		}
		d.store(country, stores)
		if d.repo != nil {
			if repoErr := d.repo.ReplaceStores(ctx, country, stores); repoErr != nil {
				d.logger.Warn("persist store directory failed",
					slog.String("country", country),
					slog.String("error", repoErr.Error()))
			}
		}
		return stores, nil
	})
	if err != nil {
		return nil, err
	}
	stores, _ := v.([]model.Store)
	return cloneStores(stores), nil
}

// Resolve 返回商品的目标门店：有门店过滤时使用过滤列表，否则使用该国家全部门店。
func (d *Directory) Resolve(ctx context.Context, item *model.TrackedItem) ([]model.Store, error) {
	country := normalizeCountry(item.CountryCode)
	filter := item.StoreFilter()
	if len(filter) == 0 {
		return d.Stores(ctx, country)
	}

	names := make(map[string]string)
	if known, ok := d.cached(country); ok {
		for _, s := range known {
			names[s.Code] = s.Name
		}
	}
	stores := make([]model.Store, 0, len(filter))
	for _, code := range filter {
		stores = append(stores, model.Store{CountryCode: country, Code: code, Name: names[code]})
	}
	return stores, nil
}

// Invalidate 清除某个国家的内存缓存。
func (d *Directory) Invalidate(country string) {
	d.mu.Lock()
	delete(d.cache, normalizeCountry(country))
	d.mu.Unlock()
}

func (d *Directory) cached(country string) ([]model.Store, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.cache[country]
	if !ok || d.now().Sub(entry.fetchedAt) > d.ttl {
		return nil, false
	}
	return cloneStores(entry.stores), true
}

func (d *Directory) store(country string, stores []model.Store) {
	d.mu.Lock()
	d.cache[country] = directoryEntry{stores: cloneStores(stores), fetchedAt: d.now()}
	d.mu.Unlock()
}

func cloneStores(in []model.Store) []model.Store {
	out := make([]model.Store, len(in))
	copy(out, in)
	return out
}

func normalizeCountry(country string) string {
	return strings.ToLower(strings.TrimSpace(country))
}
