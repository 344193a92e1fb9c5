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

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case fleetError:
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

// IsRetryableErr 判断错误是否被标记为可重试。
func IsRetryableErr(err error) bool {
	cause := errors.Cause(err)
	if ferr, ok := cause.(fleetError); ok {
		return ferr.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// Client 生命周期相关错误封装。
func WrapErrClientNotReady(state string, msg ...string) error {
	err := wrapFields(ErrClientNotReady, value("state", state))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 凭证与令牌相关错误封装。
func WrapErrCredentialMissing(msg ...string) error {
	err := error(ErrCredentialMissing)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTokenRequestFailed(status int, body string, msg ...string) error {
	err := wrapFields(ErrTokenRequestFailed,
		value("status", status),
		value("body", body),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTokenMalformed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrTokenMalformed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// REST 网关相关错误封装。
func WrapErrAPIRequestFailed(method string, path string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrAPIRequestFailed, err.Error(),
		value("method", method),
		value("path", path),
	)
}

func WrapErrAPIStatusUnexpected(status int, message string, msg ...string) error {
	err := wrapFields(ErrAPIStatusUnexpected,
		value("status", status),
		value("message", message),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 账号 WebSocket 相关错误封装。
func WrapErrSubscriptionDuplicate(event string, key string, msg ...string) error {
	err := wrapFields(ErrSubscriptionDuplicate,
		value("event", event),
		value("key", key),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSubscriptionNotFound(event string, key string, msg ...string) error {
	err := wrapFields(ErrSubscriptionNotFound,
		value("event", event),
		value("key", key),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrRequestRetriesExhausted(method string, path string, attempts int, msg ...string) error {
	err := wrapFields(ErrRequestRetriesExhausted,
		value("method", method),
		value("path", path),
		value("attempts", attempts),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSocketClosed(code int, msg ...string) error {
	err := wrapFields(ErrSocketClosed, value("closeCode", code))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrMigrationAborted(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrMigrationAborted, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrRecoveryFailed(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	wrapped := wrapFieldsWithDesc(ErrRecoveryFailed, err.Error())
	if len(msg) > 0 {
		wrapped = errors.Wrap(wrapped, strings.Join(msg, "->"))
	}
	return wrapped
}

func WrapErrFrameInvalid(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrFrameInvalid, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 控制台连接相关错误封装。
func WrapErrConsoleRefused(serverID int64, reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrConsoleRefused, reason, value("server", serverID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConsoleNotConnected(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	wrapped := wrapFieldsWithDesc(ErrConsoleNotConnected, err.Error())
	if len(msg) > 0 {
		wrapped = errors.Wrap(wrapped, strings.Join(msg, "->"))
	}
	return wrapped
}

func WrapErrConsoleCommandReserved(command string, msg ...string) error {
	err := wrapFields(ErrConsoleCommandReserved, value("command", command))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 群组与服务器相关错误封装。
func WrapErrGroupNotFound(id int64, msg ...string) error {
	err := wrapFields(ErrGroupNotFound, value("group", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServerNotFound(id int64, msg ...string) error {
	err := wrapFields(ErrServerNotFound, value("server", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err fleetError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err fleetError, desc string, fields ...errorField) error {
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
