// Package availability 将数据源返回的门店读数聚合为商品快照。
package availability

import (
	"sort"
	"strings"

	"stockwatch/internal/model"
	"stockwatch/internal/provider"
)

// ProbabilityUnknown 表示没有任何门店给出可能性指标。
const ProbabilityUnknown = "UNKNOWN"

// Aggregate 将某个商品在一组门店上的读数合并为快照。
//
// 每个请求的门店在明细中对应一条记录，顺序与 stores 一致。
// 没有读数或数量为空的门店记为未知，不计入总量。
// 不在 stores 中的门店读数被忽略；同一门店重复的读数取第一条。
// ItemID 与 CheckedAt 由调用方赋值。
func Aggregate(productID string, stores []model.Store, readings []provider.Reading) model.AvailabilitySnapshot {
	byStore := make(map[string]provider.Reading, len(readings))
	for _, r := range readings {
		if r.ProductID != "" && r.ProductID != productID {
			continue
		}
		if _, dup := byStore[r.StoreCode]; dup {
			continue
		}
		byStore[r.StoreCode] = r
	}

	snap := model.AvailabilitySnapshot{
		ProductID: productID,
		Stores:    make([]model.StoreAvailability, 0, len(stores)),
	}
	probabilities := make(map[string]struct{})
	seen := make(map[string]struct{}, len(stores))

	for _, s := range stores {
		if _, dup := seen[s.Code]; dup {
			continue
		}
		seen[s.Code] = struct{}{}

		entry := model.StoreAvailability{StoreCode: s.Code, StoreName: s.Name}
		r, ok := byStore[s.Code]
		if ok {
			if entry.StoreName == "" {
				entry.StoreName = r.StoreName
			}
			entry.Probability = r.Probability
			entry.RestockDate = r.RestockDate
			if p := strings.TrimSpace(r.Probability); p != "" {
				probabilities[p] = struct{}{}
			}
		}
		if ok && r.Stock != nil {
			stock := *r.Stock
			entry.Known = true
			entry.Stock = &stock
			snap.TotalStock += stock
			snap.KnownStores++
		} else {
			snap.UnknownStores++
		}
		snap.Stores = append(snap.Stores, entry)
	}

	snap.ProbabilitySummary = summarize(probabilities)
	return snap
}

func summarize(set map[string]struct{}) string {
	if len(set) == 0 {
		return ProbabilityUnknown
	}
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return strings.Join(values, ", ")
}
