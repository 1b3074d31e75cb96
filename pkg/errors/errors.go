/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the typed failures of the execution backend and the
// predicates that classify raw AWS responses into them. Propagation policy:
// transient faults stay inside the retry policy; lost CAS races stay inside
// the claim and manifest protocols; everything else escalates with operation
// context attached.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// ConfigInvalidError reports rejected configuration. It is a programmer
// error and is never retried.
type ConfigInvalidError struct {
	error
}

func NewConfigInvalid(err error) error {
	if err == nil {
		return nil
	}
	return ConfigInvalidError{error: err}
}

func IsConfigInvalid(err error) bool {
	_, ok := lo.ErrorsAs[ConfigInvalidError](err)
	return ok
}

// QuotaExceededError reports that the requested concurrency does not fit
// under the observed vCPU quota. The ephemeral dispatcher engages wave
// scheduling instead of raising it; session creation, which launches every
// worker at once, fails with it up front.
type QuotaExceededError struct {
	Requested float64
	Quota     float64
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("requested %g vCPUs exceeds observed quota %g", e.Requested, e.Quota)
}

func IsQuotaExceeded(err error) bool {
	_, ok := lo.ErrorsAs[QuotaExceededError](err)
	return ok
}

// LaunchRejectedError reports that the container service refused to start a
// task. It carries the service's reason and detail verbatim and escalates
// immediately.
type LaunchRejectedError struct {
	Reason string
	Detail string
}

func (e LaunchRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("launch rejected, %s", e.Reason)
	}
	return fmt.Sprintf("launch rejected, %s: %s", e.Reason, e.Detail)
}

func IsLaunchRejected(err error) bool {
	_, ok := lo.ErrorsAs[LaunchRejectedError](err)
	return ok
}

// NotFoundError reports a missing object or resource, distinct from a
// transient fault.
type NotFoundError struct {
	error
}

func NewNotFound(err error) error {
	if err == nil {
		return nil
	}
	return NotFoundError{error: err}
}

func IsNotFound(err error) bool {
	_, ok := lo.ErrorsAs[NotFoundError](err)
	return ok
}

// PreconditionFailedError reports a lost compare-and-swap race. The claim
// protocol and manifest updater handle it locally; it never escalates to
// callers.
type PreconditionFailedError struct {
	error
}

func NewPreconditionFailed(err error) error {
	if err == nil {
		return nil
	}
	return PreconditionFailedError{error: err}
}

func IsPreconditionFailed(err error) bool {
	_, ok := lo.ErrorsAs[PreconditionFailedError](err)
	return ok
}

// TimedOutError reports an exhausted wait budget.
type TimedOutError struct {
	Op      string
	Timeout time.Duration
}

func (e TimedOutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Op, e.Timeout)
}

func IsTimedOut(err error) bool {
	_, ok := lo.ErrorsAs[TimedOutError](err)
	return ok
}

// TaskFailedError surfaces a result envelope whose evaluation failed. The
// message and any captured output come from the envelope.
type TaskFailedError struct {
	TaskID    string
	Message   string
	Stdout    string
	Traceback string
}

func (e TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed, %s", e.TaskID, e.Message)
}

func IsTaskFailed(err error) bool {
	_, ok := lo.ErrorsAs[TaskFailedError](err)
	return ok
}

// FatalError reports a violated invariant. It is never retried and should
// end the caller.
type FatalError struct {
	error
}

func NewFatal(format string, args ...any) error {
	return FatalError{error: fmt.Errorf(format, args...)}
}

func IsFatal(err error) bool {
	_, ok := lo.ErrorsAs[FatalError](err)
	return ok
}

// WithContext prefixes err with the failing operation and its identifiers so
// user-visible errors name what was being attempted on what.
func WithContext(err error, op string, kvs ...string) error {
	if err == nil {
		return nil
	}
	ctx := op
	for i := 0; i+1 < len(kvs); i += 2 {
		ctx = fmt.Sprintf("%s %s=%s", ctx, kvs[i], kvs[i+1])
	}
	return fmt.Errorf("%s, %w", ctx, err)
}

// As is errors.As re-exported so callers need only one errors import.
func As[T error](err error) (T, bool) {
	return lo.ErrorsAs[T](err)
}

// Is re-exports errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
