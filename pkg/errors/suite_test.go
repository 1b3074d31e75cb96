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

package errors_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "test"}
}

var _ = Describe("Typed Errors", func() {
	It("should classify each kind by exactly its own predicate", func() {
		kinds := map[error]func(error) bool{
			errors.NewConfigInvalid(fmt.Errorf("bad")):              errors.IsConfigInvalid,
			errors.QuotaExceededError{Requested: 64, Quota: 32}:     errors.IsQuotaExceeded,
			errors.LaunchRejectedError{Reason: "RESOURCE:MEMORY"}:   errors.IsLaunchRejected,
			errors.NewNotFound(fmt.Errorf("gone")):                  errors.IsNotFound,
			errors.NewPreconditionFailed(fmt.Errorf("stale")):       errors.IsPreconditionFailed,
			errors.TimedOutError{Op: "wait", Timeout: time.Second}:  errors.IsTimedOut,
			errors.TaskFailedError{TaskID: "task-a", Message: "x"}:  errors.IsTaskFailed,
			errors.NewFatal("invariant violated on %s", "manifest"): errors.IsFatal,
		}
		predicates := []func(error) bool{
			errors.IsConfigInvalid, errors.IsQuotaExceeded, errors.IsLaunchRejected,
			errors.IsNotFound, errors.IsPreconditionFailed, errors.IsTimedOut,
			errors.IsTaskFailed, errors.IsFatal,
		}
		for err, own := range kinds {
			matched := 0
			for _, predicate := range predicates {
				if predicate(err) {
					matched++
				}
			}
			Expect(matched).To(Equal(1), "error %v", err)
			Expect(own(err)).To(BeTrue(), "error %v", err)
		}
	})
	It("should classify through wrapping", func() {
		err := fmt.Errorf("attaching session, %w", errors.NewNotFound(fmt.Errorf("no manifest")))
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(errors.IsConfigInvalid(err)).To(BeFalse())
	})
	It("should return nil constructors for nil causes", func() {
		Expect(errors.NewConfigInvalid(nil)).To(BeNil())
		Expect(errors.NewNotFound(nil)).To(BeNil())
		Expect(errors.NewPreconditionFailed(nil)).To(BeNil())
	})
	It("should extract the concrete kind with As", func() {
		err := fmt.Errorf("collecting, %w", errors.TaskFailedError{
			TaskID: "task-a", Message: "divide by zero", Stdout: "partial", Traceback: "trace",
		})
		failed, ok := errors.As[errors.TaskFailedError](err)
		Expect(ok).To(BeTrue())
		Expect(failed.TaskID).To(Equal("task-a"))
		Expect(failed.Stdout).To(Equal("partial"))
		Expect(failed.Traceback).To(Equal("trace"))
	})
	It("should render quota errors with both sides", func() {
		err := errors.QuotaExceededError{Requested: 128, Quota: 32}
		Expect(err.Error()).To(ContainSubstring("128"))
		Expect(err.Error()).To(ContainSubstring("32"))
	})
	It("should render launch rejections with and without detail", func() {
		Expect(errors.LaunchRejectedError{Reason: "RESOURCE:CPU"}.Error()).
			To(Equal("launch rejected, RESOURCE:CPU"))
		Expect(errors.LaunchRejectedError{Reason: "RESOURCE:CPU", Detail: "no room"}.Error()).
			To(ContainSubstring("no room"))
	})
})

var _ = Describe("WithContext", func() {
	It("should prefix the operation and identifiers", func() {
		err := errors.WithContext(fmt.Errorf("boom"), "claiming task", "session", "session-abc", "task", "task-def")
		Expect(err.Error()).To(Equal("claiming task session=session-abc task=task-def, boom"))
	})
	It("should preserve the wrapped kind", func() {
		err := errors.WithContext(errors.NewNotFound(fmt.Errorf("gone")), "reading status")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should drop an unpaired trailing key", func() {
		err := errors.WithContext(fmt.Errorf("boom"), "op", "lonely")
		Expect(err.Error()).To(Equal("op, boom"))
	})
	It("should pass nil through", func() {
		Expect(errors.WithContext(nil, "op")).To(BeNil())
	})
})

var _ = Describe("AWS Classification", func() {
	It("should recognize the not-found family", func() {
		for _, code := range []string{"NoSuchKey", "NotFound", "ResourceNotFoundException", "ClusterNotFoundException", "ValidationError", "ParameterNotFound"} {
			Expect(errors.IsAWSNotFound(apiError(code))).To(BeTrue(), "code %s", code)
		}
		Expect(errors.IsAWSNotFound(apiError("AccessDenied"))).To(BeFalse())
		Expect(errors.IsAWSNotFound(nil)).To(BeFalse())
	})
	It("should recognize conditional write conflicts", func() {
		Expect(errors.IsAWSPreconditionFailed(apiError("PreconditionFailed"))).To(BeTrue())
		Expect(errors.IsAWSPreconditionFailed(apiError("ConditionalRequestConflict"))).To(BeTrue())
		Expect(errors.IsAWSPreconditionFailed(apiError("NoSuchKey"))).To(BeFalse())
	})
	It("should recognize the already-exists family", func() {
		for _, code := range []string{"BucketAlreadyOwnedByYou", "ResourceAlreadyExistsException", "AlreadyExists", "EntityAlreadyExists"} {
			Expect(errors.IsAWSAlreadyExists(apiError(code))).To(BeTrue(), "code %s", code)
		}
		Expect(errors.IsAWSAlreadyExists(apiError("NoSuchKey"))).To(BeFalse())
	})
	It("should recognize throttling including the store's SlowDown", func() {
		Expect(errors.IsAWSThrottling(apiError("SlowDown"))).To(BeTrue())
		Expect(errors.IsAWSThrottling(apiError("Throttling"))).To(BeTrue())
		Expect(errors.IsAWSThrottling(apiError("RequestLimitExceeded"))).To(BeTrue())
		Expect(errors.IsAWSThrottling(apiError("InternalError"))).To(BeFalse())
	})
	It("should treat throttling and service faults as transient", func() {
		Expect(errors.IsAWSTransient(apiError("SlowDown"))).To(BeTrue())
		Expect(errors.IsAWSTransient(apiError("ServiceUnavailable"))).To(BeTrue())
		Expect(errors.IsAWSTransient(apiError("RequestTimeout"))).To(BeTrue())
		Expect(errors.IsAWSTransient(apiError("NoSuchKey"))).To(BeFalse())
		Expect(errors.IsAWSTransient(nil)).To(BeFalse())
	})
	It("should treat any 5xx response as transient", func() {
		respErr := &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}},
			Err:      fmt.Errorf("service unavailable"),
		}
		Expect(errors.IsAWSTransient(respErr)).To(BeTrue())
		respErr.Response.Response.StatusCode = 404
		Expect(errors.IsAWSTransient(respErr)).To(BeFalse())
	})
	It("should classify through wrapping", func() {
		err := fmt.Errorf("putting object, %w", apiError("PreconditionFailed"))
		Expect(errors.IsAWSPreconditionFailed(err)).To(BeTrue())
	})
})
