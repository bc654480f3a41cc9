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
	"fmt"

	ants "github.com/panjf2000/ants/v2"
)

// Pool 是 ants 协程池的泛型封装。
//
// 说明：
//   - Submit 返回 Future，调用方可以选择等待结果或者即弃；
//   - 任务内的 panic 由 ants 统一 recover，记录日志后按 concealPanic 决定是否吞掉。
type Pool[T any] struct {
	inner *ants.Pool
}

// Future 表示一个已提交任务的异步结果。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan struct{})}
}

// Await 阻塞等待任务完成并返回结果。
func (f *Future[T]) Await() (T, error) {
	<-f.ch
	return f.value, f.err
}

// Done 返回任务完成通知通道。
func (f *Future[T]) Done() <-chan struct{} {
	return f.ch
}

// Err 返回任务错误；在任务完成前调用会阻塞。
func (f *Future[T]) Err() error {
	<-f.ch
	return f.err
}

// NewPool 创建一个容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		// ants 仅在容量非法时返回错误，属于编程错误。
		panic(fmt.Sprintf("conc: create pool failed: %v", err))
	}

	return &Pool[T]{inner: pool}
}

// Submit 将任务提交到协程池执行。
//
// 当协程池已关闭时，Future 直接携带提交错误返回。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()

	err := pool.inner.Submit(func() {
		defer close(future.ch)
		future.value, future.err = method()
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Running 返回当前正在运行的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回当前空闲的 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 关闭协程池，等待已提交任务执行完成。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
