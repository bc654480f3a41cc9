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
	"github.com/samber/lo"
)

// rejectionErrors 为准入控制可能返回的全部拒绝类错误。
var rejectionErrors = []servError{
	ErrSessionAtCapacity,
	ErrGlobalLimitExceeded,
	ErrSessionLimitExceeded,
	ErrQueueByteLimitExceeded,
}

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case servError:
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

func IsRetryableErr(err error) bool {
	if err, ok := err.(servError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// IsRejection 判断给定错误是否为准入/容量类拒绝。
// 这类错误只拒绝单个工作单元，不应导致进程或会话整体失败。
func IsRejection(err error) bool {
	return lo.SomeBy(rejectionErrors, func(target servError) bool {
		return errors.Is(err, target)
	})
}

func GetErrorType(err error) ErrorType {
	if err, ok := err.(servError); ok {
		return err.errType
	}

	return SystemError
}

// Server lifecycle related

func WrapErrBindFailed(network, addr string, err error, msg ...string) error {
	wrapped := wrapFields(ErrBindFailed,
		value("network", network),
		value("addr", addr),
	)
	wrapped = errors.Wrap(wrapped, err.Error())
	if len(msg) > 0 {
		wrapped = errors.Wrap(wrapped, strings.Join(msg, "->"))
	}
	return wrapped
}

func WrapErrDraining(msg ...string) error {
	err := error(ErrDraining)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrDrainTimeout(remaining int, msg ...string) error {
	err := wrapFields(ErrDrainTimeout, value("remainingSessions", remaining))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session related

func WrapErrSessionAtCapacity(transport string, limit int, msg ...string) error {
	err := wrapFields(ErrSessionAtCapacity,
		value("transport", transport),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionNotFound(id uint64, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionClosed(id uint64, msg ...string) error {
	err := wrapFields(ErrSessionClosed, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionDuplicate(id uint64, msg ...string) error {
	err := wrapFields(ErrSessionDuplicate, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Admission related

func WrapErrGlobalLimitExceeded(limit int64, msg ...string) error {
	err := wrapFields(ErrGlobalLimitExceeded, value("limit", limit))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionLimitExceeded(session uint64, limit int64, msg ...string) error {
	err := wrapFields(ErrSessionLimitExceeded,
		value("session", session),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrQueueByteLimitExceeded(session uint64, queued, limit int64, msg ...string) error {
	err := wrapFields(ErrQueueByteLimitExceeded,
		value("session", session),
		value("queued", queued),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Protocol related

func WrapErrMalformedMessage(reason string, msg ...string) error {
	err := wrapFields(ErrMalformedMessage, value("reason", reason))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUnknownKind(kind uint8, msg ...string) error {
	err := wrapFields(ErrUnknownKind, value("kind", kind))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrPayloadTooLarge(size, limit int, msg ...string) error {
	err := wrapFields(ErrPayloadTooLarge,
		value("size", size),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Handler related

func WrapErrHandlerFault(kind uint8, cause error, msg ...string) error {
	err := wrapFields(ErrHandlerFault, value("kind", kind))
	if cause != nil {
		err = errors.Wrap(err, cause.Error())
	}
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

type errorField struct {
	name  string
	value any
}

func value(name string, v any) errorField {
	return errorField{name: name, value: v}
}

func wrapFields(err servError, fields ...errorField) error {
	kvs := make([]string, 0, len(fields))
	for _, field := range fields {
		kvs = append(kvs, fmt.Sprintf("%s=%v", field.name, field.value))
	}
	return errors.Wrapf(err, "%s", strings.Join(kvs, ", "))
}
