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

package errors

import (
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/samber/lo"
)

// This is not an exhaustive list, add to it as needed.
var (
	notFoundErrorCodes = []string{
		"NotFound",
		"NoSuchKey",
		"NoSuchBucket",
		"NoSuchEntity",
		"NoSuchEntityException",
		"ResourceNotFoundException",
		"ClusterNotFoundException",
		"RepositoryNotFoundException",
		"ParameterNotFound",
		"InvalidLaunchTemplateName.NotFoundException",
		"ValidationError", // autoscaling reports missing groups this way
		"AWS.SimpleQueueService.NonExistentQueue",
		"QueueDoesNotExist",
	}
	preconditionFailedErrorCodes = []string{
		"PreconditionFailed",
		"ConditionalRequestConflict",
	}
	alreadyExistsErrorCodes = []string{
		"EntityAlreadyExists",
		"AlreadyExists", // autoscaling's duplicate-group fault
		"AlreadyExistsException",
		"BucketAlreadyOwnedByYou",
		"BucketAlreadyExists",
		"ResourceAlreadyExistsException",
		"RepositoryAlreadyExistsException",
		"InvalidLaunchTemplateName.AlreadyExistsException",
	}
	throttlingErrorCodes = []string{
		"Throttling",
		"ThrottlingException",
		"ThrottledException",
		"RequestThrottled",
		"RequestThrottledException",
		"RequestLimitExceeded",
		"TooManyRequestsException",
		"SlowDown",
		"EC2ThrottledException",
	}
	transientErrorCodes = []string{
		"InternalError",
		"InternalFailure",
		"ServiceUnavailable",
		"ServiceUnavailableException",
		"RequestTimeout",
		"RequestTimeoutException",
		"TransactionInProgressException",
	}
)

func hasErrorCode(err error, codes []string) bool {
	if err == nil {
		return false
	}
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return false
	}
	return lo.Contains(codes, apiErr.ErrorCode())
}

// IsAWSNotFound returns true if the error is an AWS error (even if it's
// wrapped) known to mean "not found", as opposed to something more serious.
func IsAWSNotFound(err error) bool {
	return hasErrorCode(err, notFoundErrorCodes)
}

// IsAWSPreconditionFailed returns true if the error is the object store
// rejecting a conditional write because the precondition no longer holds.
func IsAWSPreconditionFailed(err error) bool {
	return hasErrorCode(err, preconditionFailedErrorCodes)
}

// IsAWSAlreadyExists returns true if the error means the resource already
// exists, which idempotent ensure paths treat as success.
func IsAWSAlreadyExists(err error) bool {
	return hasErrorCode(err, alreadyExistsErrorCodes)
}

// IsAWSThrottling returns true for rate-limit rejections, including the
// object store's SlowDown.
func IsAWSThrottling(err error) bool {
	return hasErrorCode(err, throttlingErrorCodes)
}

// IsAWSTransient returns true for faults worth retrying: throttling,
// timeouts, unavailability, internal errors, and any 5xx response.
func IsAWSTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAWSThrottling(err) || hasErrorCode(err, transientErrorCodes) {
		return true
	}
	if respErr, ok := lo.ErrorsAs[*smithyhttp.ResponseError](err); ok {
		return respErr.HTTPStatusCode() >= 500
	}
	return false
}
