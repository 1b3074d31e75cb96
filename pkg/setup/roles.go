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

package setup

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
)

const (
	// ExecutionRoleName is assumed by the container service itself to pull
	// worker images and ship logs.
	ExecutionRoleName = "cloudburst-execution"
	// TaskRoleName is assumed by worker containers for bucket access.
	TaskRoleName = "cloudburst-task"
	// InstanceRoleName is assumed by pool instances' container agent.
	InstanceRoleName = "cloudburst-instance"
	// InstanceProfileName wraps InstanceRoleName for launch templates. An
	// instance profile holds exactly one role, so sharing the name is safe.
	InstanceProfileName = "cloudburst-instance"

	executionPolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
	instancePolicyARN  = "arn:aws:iam::aws:policy/service-role/AmazonEC2ContainerServiceforEC2Role"

	containerTrustPolicy = `{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Action": "sts:AssumeRole",
		"Principal": {"Service": "ecs-tasks.amazonaws.com"}
	}]
}`
	instanceTrustPolicy = `{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Action": "sts:AssumeRole",
		"Principal": {"Service": "ec2.amazonaws.com"}
	}]
}`
)

// Roles carries the ARNs the task definitions reference.
type Roles struct {
	ExecutionRoleARN string
	TaskRoleARN      string
}

// EnsureTaskRoles makes the execution and task roles exist: the execution
// role carries the service's managed execution policy, the task role an
// inline policy scoped to the given bucket. Attach and put are idempotent,
// so both run on every call and converge drifted policies.
func (p *Provider) EnsureTaskRoles(ctx context.Context, bucket string) (Roles, error) {
	executionARN, err := p.ensureRole(ctx, ExecutionRoleName, containerTrustPolicy)
	if err != nil {
		return Roles{}, err
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.iamapi.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(ExecutionRoleName),
			PolicyArn: aws.String(executionPolicyARN),
		}); err != nil {
			return fmt.Errorf("attaching policy to role %q, %w", ExecutionRoleName, err)
		}
		return nil
	}); err != nil {
		return Roles{}, err
	}
	taskARN, err := p.ensureRole(ctx, TaskRoleName, containerTrustPolicy)
	if err != nil {
		return Roles{}, err
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.iamapi.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       aws.String(TaskRoleName),
			PolicyName:     aws.String("bucket-access"),
			PolicyDocument: aws.String(bucketAccessPolicy(bucket)),
		}); err != nil {
			return fmt.Errorf("putting bucket policy on role %q, %w", TaskRoleName, err)
		}
		return nil
	}); err != nil {
		return Roles{}, err
	}
	return Roles{ExecutionRoleARN: executionARN, TaskRoleARN: taskARN}, nil
}

// EnsureInstanceProfile makes the pool instance role and its wrapping profile
// exist and returns the profile name for launch templates.
func (p *Provider) EnsureInstanceProfile(ctx context.Context) (string, error) {
	if _, err := p.ensureRole(ctx, InstanceRoleName, instanceTrustPolicy); err != nil {
		return "", err
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.iamapi.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(InstanceRoleName),
			PolicyArn: aws.String(instancePolicyARN),
		}); err != nil {
			return fmt.Errorf("attaching policy to role %q, %w", InstanceRoleName, err)
		}
		return nil
	}); err != nil {
		return "", err
	}

	var hasRole bool
	var haveProfile bool
	if err := p.policy.Do(ctx, func() error {
		out, err := p.iamapi.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(InstanceProfileName),
		})
		if err != nil {
			if errors.IsAWSNotFound(err) {
				return nil
			}
			return fmt.Errorf("getting instance profile %q, %w", InstanceProfileName, err)
		}
		haveProfile = true
		// A profile holds at most one role.
		if len(out.InstanceProfile.Roles) == 1 {
			if aws.ToString(out.InstanceProfile.Roles[0].RoleName) != InstanceRoleName {
				return fmt.Errorf("instance profile %q carries foreign role %q",
					InstanceProfileName, aws.ToString(out.InstanceProfile.Roles[0].RoleName))
			}
			hasRole = true
		}
		return nil
	}); err != nil {
		return "", err
	}
	if !haveProfile {
		if err := p.policy.Do(ctx, func() error {
			if _, err := p.iamapi.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
				InstanceProfileName: aws.String(InstanceProfileName),
			}); err != nil && !errors.IsAWSAlreadyExists(err) {
				return fmt.Errorf("creating instance profile %q, %w", InstanceProfileName, err)
			}
			return nil
		}); err != nil {
			return "", err
		}
		logging.FromContext(ctx).With("instance-profile", InstanceProfileName).Infof("created instance profile")
	}
	if !hasRole {
		if err := p.policy.Do(ctx, func() error {
			if _, err := p.iamapi.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
				InstanceProfileName: aws.String(InstanceProfileName),
				RoleName:            aws.String(InstanceRoleName),
			}); err != nil {
				return fmt.Errorf("adding role %q to instance profile %q, %w", InstanceRoleName, InstanceProfileName, err)
			}
			return nil
		}); err != nil {
			return "", err
		}
	}
	return InstanceProfileName, nil
}

// ensureRole returns the named role's ARN, creating it with the given trust
// policy when it does not exist.
func (p *Provider) ensureRole(ctx context.Context, name, trustPolicy string) (string, error) {
	var arn string
	if err := p.policy.Do(ctx, func() error {
		out, err := p.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		if err != nil {
			if errors.IsAWSNotFound(err) {
				return nil
			}
			return fmt.Errorf("getting role %q, %w", name, err)
		}
		arn = aws.ToString(out.Role.Arn)
		return nil
	}); err != nil {
		return "", err
	}
	if arn != "" {
		return arn, nil
	}
	if err := p.policy.Do(ctx, func() error {
		out, err := p.iamapi.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(name),
			AssumeRolePolicyDocument: aws.String(trustPolicy),
		})
		if err != nil {
			// Lost a creation race; the winner's role serves.
			if errors.IsAWSAlreadyExists(err) {
				return nil
			}
			return fmt.Errorf("creating role %q, %w", name, err)
		}
		arn = aws.ToString(out.Role.Arn)
		return nil
	}); err != nil {
		return "", err
	}
	if arn == "" {
		return p.roleARN(ctx, name)
	}
	logging.FromContext(ctx).With("role", name).Infof("created role")
	return arn, nil
}

func (p *Provider) roleARN(ctx context.Context, name string) (string, error) {
	var arn string
	err := p.policy.Do(ctx, func() error {
		out, err := p.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		if err != nil {
			return fmt.Errorf("getting role %q, %w", name, err)
		}
		arn = aws.ToString(out.Role.Arn)
		return nil
	})
	return arn, err
}

// bucketAccessPolicy scopes worker object access to one bucket.
func bucketAccessPolicy(bucket string) string {
	return fmt.Sprintf(`{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Action": ["s3:GetObject", "s3:PutObject", "s3:DeleteObject"],
		"Resource": "arn:aws:s3:::%[1]s/*"
	}, {
		"Effect": "Allow",
		"Action": "s3:ListBucket",
		"Resource": "arn:aws:s3:::%[1]s"
	}]
}`, bucket)
}
