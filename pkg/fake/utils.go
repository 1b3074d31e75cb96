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

package fake

import (
	"crypto/md5" //nolint:gosec // matches the object store's ETag algorithm, not used for security
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/smithy-go"
)

const (
	DefaultRegion  = "us-west-2"
	DefaultAccount = "000000000000"
	DefaultBucket  = "cloudburst-test-bucket"
	DefaultCluster = "cloudburst-test"
)

// apiError builds the modeled service error shape the classification
// predicates in pkg/errors inspect.
func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

// etagOf computes the object store's single-part entity tag: the quoted MD5
// hex digest of the content.
func etagOf(data []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data))) //nolint:gosec
}

// unquote strips the surrounding double quotes an entity tag is transported
// with; the store accepts either spelling in preconditions.
func unquote(etag string) string {
	return strings.Trim(etag, `"`)
}

// ContainerTaskARN builds a plausible container task ARN in the default
// test partition.
func ContainerTaskARN(cluster string) string {
	return fmt.Sprintf("arn:aws:ecs:%s:%s:task/%s/%s", DefaultRegion, DefaultAccount, cluster, randomHex(32))
}

// TaskDefinitionARN builds a task definition ARN for a family revision.
func TaskDefinitionARN(family string, revision int) string {
	return fmt.Sprintf("arn:aws:ecs:%s:%s:task-definition/%s:%d", DefaultRegion, DefaultAccount, family, revision)
}

// ClusterARN builds a cluster ARN in the default test partition.
func ClusterARN(name string) string {
	return fmt.Sprintf("arn:aws:ecs:%s:%s:cluster/%s", DefaultRegion, DefaultAccount, name)
}

// CapacityProviderARN builds a capacity provider ARN.
func CapacityProviderARN(name string) string {
	return fmt.Sprintf("arn:aws:ecs:%s:%s:capacity-provider/%s", DefaultRegion, DefaultAccount, name)
}

// AutoScalingGroupARN builds a scaling group ARN.
func AutoScalingGroupARN(name string) string {
	return fmt.Sprintf("arn:aws:autoscaling:%s:%s:autoScalingGroup:%s:autoScalingGroupName/%s",
		DefaultRegion, DefaultAccount, randomHex(36), name)
}

// RoleARN builds an IAM role ARN.
func RoleARN(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", DefaultAccount, name)
}

// InstanceProfileARN builds an IAM instance profile ARN.
func InstanceProfileARN(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:instance-profile/%s", DefaultAccount, name)
}

// RepositoryURI builds a container registry repository URI.
func RepositoryURI(name string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s", DefaultAccount, DefaultRegion, name)
}

// QueueURL builds a queue URL in the default test partition.
func QueueURL(name string) string {
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", DefaultRegion, DefaultAccount, name)
}

// RandomName returns a lowercase two-word resource name for tests.
func RandomName() string {
	return strings.ToLower(fmt.Sprintf("%s-%s", randomdata.SillyName(), randomdata.Adjective()))
}

func randomHex(n int) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = hexdigits[randomdata.Number(len(hexdigits))]
	}
	return string(b)
}
