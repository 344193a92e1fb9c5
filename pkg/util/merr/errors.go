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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
var (
	// Client 生命周期相关。
	ErrClientNotReady      = newFleetError("client not ready", 1, true)
	ErrClientAlreadyActive = newFleetError("client already started", 2, false)

	// 凭证与令牌相关。
	ErrCredentialMissing   = newFleetError("credentials missing", 100, false)
	ErrCredentialAmbiguous = newFleetError("both bot and user credentials provided", 101, false)
	ErrTokenRequestFailed  = newFleetError("token endpoint request failed", 102, true)
	ErrTokenMalformed      = newFleetError("access token malformed", 103, false)

	// REST 网关相关。
	ErrAPIRequestFailed    = newFleetError("api request failed", 200, true)
	ErrAPIStatusUnexpected = newFleetError("unexpected api response status", 201, false)

	// 账号 WebSocket 相关。
	ErrSubscriptionDuplicate   = newFleetError("already subscribed", 300, false)
	ErrSubscriptionNotFound    = newFleetError("not subscribed", 301, false)
	ErrRequestRetriesExhausted = newFleetError("websocket request retries exhausted", 302, false)
	ErrSocketClosed            = newFleetError("websocket closed", 303, true)
	ErrMigrationAborted        = newFleetError("websocket migration aborted", 304, true)
	ErrRecoveryFailed          = newFleetError("websocket recovery failed", 305, true)
	ErrFrameInvalid            = newFleetError("invalid websocket frame", 306, false)
	ErrSubscriptionCapacity    = newFleetError("subscription table at capacity", 307, true)

	// 控制台连接相关。
	ErrConsoleRefused         = newFleetError("console connection refused", 400, false)
	ErrConsoleCommandReserved = newFleetError("command reserved for subscription management", 401, false)
	ErrConsoleNotConnected    = newFleetError("console not connected", 402, true)

	// 群组与服务器相关。
	ErrGroupNotFound  = newFleetError("group not found", 500, false)
	ErrGroupExcluded  = newFleetError("group excluded by allow/deny lists", 501, false)
	ErrServerNotFound = newFleetError("server not found", 502, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to fleetError
	errUnexpected = newFleetError("unexpected error", (1<<16)-1, false)
)

type fleetError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newFleetError(msg string, code int32, retriable bool) fleetError {
	return fleetError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e fleetError) code() int32 {
	return e.errCode
}

func (e fleetError) Error() string {
	return e.msg
}

func (e fleetError) Detail() string {
	return e.detail
}

func (e fleetError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(fleetError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 将多个错误合并为一个；nil 会被过滤掉。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
