package account

import (
	"context"
	"sync"
)

// gate 实现“halted 闸门”：
// 任意数量的发送方可以等待闸门打开，只有实例本身负责开关。
//
// 语义：
//   - 打开时 Wait 立即返回；
//   - 关闭时 Wait 阻塞，直到闸门重新打开或 ctx 结束；
//   - Open/Close 幂等。
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{
		open: open,
		ch:   make(chan struct{}),
	}
	if open {
		close(g.ch)
	}
	return g
}

// Open 打开闸门，唤醒所有等待者。
func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Close 关闭闸门，后续 Wait 将阻塞。
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Wait 阻塞等待闸门打开。
// 闸门可能在等待期间被反复开关，因此循环直至观察到打开状态。
func (g *gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.open {
			g.mu.Unlock()
			return nil
		}
		ch := g.ch
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// IsOpen 返回闸门当前是否打开。
func (g *gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
