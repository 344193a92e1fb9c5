// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"sync"

	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

// Pool 是一个带并发上限的任务执行池，基于 ants 实现。
//
// 设计目标：
//   - Submit 提交的任务按入队顺序获得执行机会，同时在执行的任务数不超过 cap；
//   - 每个任务返回 (值, 错误)，通过 Future 向调用方交付结果；
//   - panic 会被捕获并转换为错误，不会拖垮整个进程。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的任务池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		// ants 仅在参数非法时返回错误，视为编程错误。
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交一个任务并返回其 Future。
// 当池处于非阻塞模式且已满时，Future 立即携带错误完成。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)

		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}

		// panic 统一转换为错误交付给 Future 持有方。
		defer func() {
			if x := recover(); x != nil {
				future.err = merr.Combine(future.err, errPanicked(x))
			}
		}()

		res, err := method()
		if err != nil {
			future.err = err
			return
		}
		future.value = res
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Cap 返回池的并发上限。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回当前正在执行的任务数。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回当前空闲的执行槽位数。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 关闭任务池；不等待已提交任务执行完毕，正在执行的任务在后台继续运行。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

var (
	goPoolInitOnce sync.Once
	goPool         *Pool[struct{}]
)

// Go 在全局后台池中执行一个函数，返回其 Future。
// 用于替代裸 go 关键字，统一 panic 处理。
func Go(fn func() (struct{}, error)) *Future[struct{}] {
	goPoolInitOnce.Do(func() {
		goPool = NewPool[struct{}](ants.DefaultAntsPoolSize)
	})

	return goPool.Submit(fn)
}
