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
	"context"

	"github.com/cockroachdb/errors"
)

func errPanicked(x any) error {
	return errors.Newf("task panicked: %v", x)
}

// Future 表示一个尚未完成的异步任务结果。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

// Await 阻塞等待任务完成，返回其值与错误。
func (future *Future[T]) Await() (T, error) {
	<-future.ch
	return future.value, future.err
}

// AwaitCtx 阻塞等待任务完成或 ctx 结束，二者先到为准。
// ctx 先结束时任务仍会在后台继续执行，只是结果被放弃。
func (future *Future[T]) AwaitCtx(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-future.ch:
		return future.value, future.err
	}
}

// Value 阻塞等待任务完成，仅返回值。
func (future *Future[T]) Value() T {
	<-future.ch
	return future.value
}

// Err 阻塞等待任务完成，仅返回错误。
func (future *Future[T]) Err() error {
	<-future.ch
	return future.err
}

// Done 返回任务完成通知通道。
func (future *Future[T]) Done() <-chan struct{} {
	return future.ch
}

// AwaitAll 等待所有 Future 完成，返回按参数顺序第一个非空错误（其余错误被丢弃）。
func AwaitAll[T any](futures ...*Future[T]) error {
	var err error
	for i := range futures {
		_, ferr := futures[i].Await()
		if ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}
