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

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrStatus 是对外返回的错误状态，Code 为 0 表示成功。
type ErrStatus struct {
	Code int32  `json:"code"`
	Msg  string `json:"msg"`
}

// String 按 "code=<n> <msg>" 格式输出，便于直接写入 text/plain 响应。
func (s *ErrStatus) String() string {
	if s == nil {
		return "code=0"
	}
	return fmt.Sprintf("code=%d %s", s.Code, s.Msg)
}

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case pushError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// IsRetryableErr 判断错误是否为稍后重试即可能成功的暂时性错误。
func IsRetryableErr(err error) bool {
	var perr pushError
	if errors.As(err, &perr) {
		return perr.retriable
	}
	return false
}

// IsCanceledOrTimeout 判断错误是否源于上下文取消或超时。
func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// Status 根据给定错误构造 Status。
// 当 err 为空时，返回一个表示成功的 Status。
func Status(err error) *ErrStatus {
	if err == nil {
		return &ErrStatus{}
	}

	return &ErrStatus{
		Code: Code(err),
		Msg:  previousLastError(err).Error(),
	}
}

func previousLastError(err error) error {
	lastErr := err
	for {
		nextErr := errors.Unwrap(err)
		if nextErr == nil {
			break
		}
		lastErr = err
		err = nextErr
	}
	return lastErr
}

func GetErrorType(err error) ErrorType {
	var perr pushError
	if errors.As(err, &perr) {
		return perr.errType
	}
	return SystemError
}

// IsInputError 判断错误是否由调用方输入引起（参数缺失或格式错误）。
func IsInputError(err error) bool {
	return GetErrorType(err) == InputError
}

// Service 相关错误封装。
func WrapErrServiceNotReady(state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady, state)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter 相关错误封装。
func WrapErrParameterMissing(name string, msg ...string) error {
	err := wrapFields(ErrParameterMissing, value("name", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalid[T any](name string, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("name", name),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterTooLarge(name string, limit int, msg ...string) error {
	err := wrapFields(ErrParameterTooLarge,
		value("name", name),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session 相关错误封装。
func WrapErrSessionOffline(uid int64, deviceType int16, msg ...string) error {
	err := wrapFields(ErrSessionOffline,
		value("uid", uid),
		value("deviceType", deviceType),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Stream 相关错误封装。
func WrapErrStreamClosed(connID any, msg ...string) error {
	err := wrapFields(ErrStreamClosed, value("conn", connID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrStreamWriteFailed 保留底层传输错误作为描述，便于排查断链原因。
func WrapErrStreamWriteFailed(connID any, cause error) error {
	desc := "unknown"
	if cause != nil {
		desc = cause.Error()
	}
	return wrapFieldsWithDesc(ErrStreamWriteFailed, desc, value("conn", connID))
}

func WrapErrStreamQueueFull(connID any, size int) error {
	return wrapFields(ErrStreamQueueFull,
		value("conn", connID),
		value("size", size),
	)
}

// Timer 相关错误封装。
func WrapErrTimerScheduleFailed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrTimerScheduleFailed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err pushError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err pushError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
