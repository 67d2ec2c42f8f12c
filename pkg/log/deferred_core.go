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

package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// deferredCore 推迟 core.With(fields) 的编码，直到第一次真正输出或派生。
// 只做级别判断的调用不会触发编码。
type deferredCore struct {
	base  zapcore.Core
	built func() zapcore.Core
}

var _ zapcore.Core = (*deferredCore)(nil)

func newDeferredCore(base zapcore.Core, fields []zapcore.Field) zapcore.Core {
	if len(fields) == 0 {
		return base
	}
	return &deferredCore{
		base: base,
		built: sync.OnceValue(func() zapcore.Core {
			return base.With(fields)
		}),
	}
}

func deferFields(fields []zapcore.Field) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return newDeferredCore(core, fields)
	})
}

func (c *deferredCore) Enabled(level zapcore.Level) bool {
	return c.base.Enabled(level)
}

func (c *deferredCore) With(fields []zapcore.Field) zapcore.Core {
	return c.built().With(fields)
}

func (c *deferredCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	// 由内层 core 把自己加入 ce，Write 时直接写入已编码字段的 core。
	return c.built().Check(e, ce)
}

func (c *deferredCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.built().Write(e, fields)
}

func (c *deferredCore) Sync() error {
	return c.built().Sync()
}
