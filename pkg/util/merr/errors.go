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
)

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
	// Server lifecycle related
	ErrBindFailed   = newServError("bind listener failed", 1, false)
	ErrDraining     = newServError("server is draining", 2, false)
	ErrDrainTimeout = newServError("drain deadline exceeded", 3, false)

	// Session related
	ErrSessionAtCapacity = newServError("session capacity reached", 100, true)
	ErrSessionNotFound   = newServError("session not found", 101, false)
	ErrSessionClosed     = newServError("session closed", 102, false)
	ErrSessionDuplicate  = newServError("session already registered", 103, false)

	// Admission related
	ErrGlobalLimitExceeded    = newServError("global in-flight limit exceeded", 200, true)
	ErrSessionLimitExceeded   = newServError("per-session in-flight limit exceeded", 201, true)
	ErrQueueByteLimitExceeded = newServError("queued byte limit exceeded", 202, true)

	// Protocol related
	ErrMalformedMessage = newServError("malformed message", 300, false, withErrorType(InputError))
	ErrUnknownKind      = newServError("unknown message kind", 301, false, withErrorType(InputError))
	ErrPayloadTooLarge  = newServError("payload too large", 302, false, withErrorType(InputError))

	// Handler related
	ErrHandlerFault = newServError("handler fault", 400, false)

	// Never return this error out of the process.
	errUnexpected = newServError("unexpected error", 500, false)
)

type errorOption func(*servError)

func withErrorType(errType ErrorType) errorOption {
	return func(err *servError) {
		err.errType = errType
	}
}

type servError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newServError(msg string, code int32, retriable bool, options ...errorOption) servError {
	err := servError{
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

func (e servError) code() int32 {
	return e.errCode
}

func (e servError) Error() string {
	return e.msg
}

func (e servError) Detail() string {
	return e.detail
}

func (e servError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(servError); ok {
		return e.errCode == cause.errCode
	}
	return false
}
