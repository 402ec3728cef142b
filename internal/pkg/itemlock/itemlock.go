// Package itemlock 提供按商品 ID 的非阻塞互斥锁。
//
// 同一商品同一时刻最多只有一次检查在执行；获取失败时调用方应跳过该商品而不是等待。
package itemlock

import (
	"context"
	"sync"
)

// Locker 按商品 ID 尝试加锁。
//
// 返回的 release 可以安全地多次调用；acquired 为 false 时 release 为 nil。
type Locker interface {
	TryAcquire(ctx context.Context, itemID uint) (release func(), acquired bool)
}

// Local 是进程内的键控锁。
type Local struct {
	mu   sync.Mutex
	held map[uint]struct{}
}

// NewLocal 创建进程内锁。
func NewLocal() *Local {
	return &Local{held: make(map[uint]struct{})}
}

// TryAcquire 尝试获取商品锁，不阻塞。
func (l *Local) TryAcquire(_ context.Context, itemID uint) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[itemID]; busy {
		return nil, false
	}
	l.held[itemID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, itemID)
			l.mu.Unlock()
		})
	}, true
}

// Held 返回当前被持有的锁数量。
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Chain 依次获取多把锁，任一失败时释放已获取的锁。
type Chain []Locker

// TryAcquire 实现 Locker。
func (c Chain) TryAcquire(ctx context.Context, itemID uint) (func(), bool) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		release, ok := l.TryAcquire(ctx, itemID)
		if !ok {
			releaseAll()
			return nil, false
		}
		releases = append(releases, release)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, true
}
