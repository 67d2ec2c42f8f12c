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

import "github.com/cockroachdb/errors"

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady = newPushError("service not ready", 1, true)
	ErrServiceInternal = newPushError("service internal error", 5, false)

	// Parameter related
	ErrParameterInvalid  = newPushError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing  = newPushError("missing parameter", 1101, false, WithErrorType(InputError))
	ErrParameterTooLarge = newPushError("parameter too large", 1102, false, WithErrorType(InputError))

	// Session related
	ErrSessionOffline = newPushError("session offline", 1500, false)

	// Stream related
	ErrStreamClosed      = newPushError("stream closed", 1600, false)
	ErrStreamWriteFailed = newPushError("stream write failed", 1601, true)
	ErrStreamQueueFull   = newPushError("stream send queue is full", 1602, true)

	// Timer related
	ErrTimerScheduleFailed = newPushError("timer schedule failed", 1700, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to pushError
	errUnexpected = newPushError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*pushError)

func WithDetail(detail string) errorOption {
	return func(err *pushError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *pushError) {
		err.errType = etype
	}
}

type pushError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newPushError(msg string, code int32, retriable bool, options ...errorOption) pushError {
	err := pushError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e pushError) code() int32 {
	return e.errCode
}

func (e pushError) Error() string {
	return e.msg
}

func (e pushError) Detail() string {
	return e.detail
}

func (e pushError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(pushError); ok {
		return e.errCode == cause.errCode
	}
	return false
}
