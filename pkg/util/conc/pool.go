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

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// Pool 是基于 ants 的协程池封装，Submit 返回可等待的 Future。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
// 若创建失败（例如 cap 非法）会直接 panic，调用方应在启动阶段构造。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 将任务提交到协程池执行。
// 当池已关闭或处于非阻塞模式且已满时，返回的 Future 会立即带上错误完成。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future, err := pool.submit(method)
	if err != nil {
		future.err = err
		close(future.ch)
	}
	return future
}

// SubmitOrRun 与 Submit 相同，但池已满（非阻塞模式）时改为在调用方协程中直接执行，
// 因此任务不会排队等待其它任务释放 worker。
func (pool *Pool[T]) SubmitOrRun(method func() (T, error)) *Future[T] {
	future, err := pool.submit(method)
	switch {
	case err == nil:
		return future
	case !errors.Is(err, ants.ErrPoolOverload):
		future.err = err
		close(future.ch)
		return future
	}

	defer close(future.ch)
	defer func() {
		if x := recover(); x != nil {
			future.err = panicErr(x)
			pool.opt.handlePanic(x)
		}
	}()
	future.value, future.err = method()
	return future
}

// submit 投递任务；返回错误时任务未被执行，Future 也尚未完成。
func (pool *Pool[T]) submit(method func() (T, error)) (*Future[T], error) {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = panicErr(x)
				panic(x) // 交给 ants 的 panic handler 处理
			}
		}()
		future.value, future.err = method()
	})
	return future, err
}

func panicErr(x any) error {
	return merr.WrapErrServiceInternal(fmt.Sprintf("panicked with error: %v", x))
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在执行任务的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 释放协程池，之后提交的任务会立即失败。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
