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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// IAMBehavior exposes per-call overrides for the identity management double.
type IAMBehavior struct {
	GetRoleBehavior                  MockedFunction[iam.GetRoleInput, iam.GetRoleOutput]
	CreateRoleBehavior               MockedFunction[iam.CreateRoleInput, iam.CreateRoleOutput]
	AttachRolePolicyBehavior         MockedFunction[iam.AttachRolePolicyInput, iam.AttachRolePolicyOutput]
	PutRolePolicyBehavior            MockedFunction[iam.PutRolePolicyInput, iam.PutRolePolicyOutput]
	GetInstanceProfileBehavior       MockedFunction[iam.GetInstanceProfileInput, iam.GetInstanceProfileOutput]
	CreateInstanceProfileBehavior    MockedFunction[iam.CreateInstanceProfileInput, iam.CreateInstanceProfileOutput]
	AddRoleToInstanceProfileBehavior MockedFunction[iam.AddRoleToInstanceProfileInput, iam.AddRoleToInstanceProfileOutput]
}

// IAMAPI is an in-memory identity service: roles with attached and inline
// policies, and single-role instance profiles.
type IAMAPI struct {
	sdk.IAMAPI
	IAMBehavior

	mu       sync.Mutex
	roles    map[string]iamtypes.Role
	attached map[string][]string
	inline   map[string]map[string]string
	profiles map[string]*iamtypes.InstanceProfile
}

func NewIAMAPI() *IAMAPI {
	i := &IAMAPI{}
	i.resetState()
	return i
}

// Reset must be called between tests.
func (i *IAMAPI) Reset() {
	i.GetRoleBehavior.Reset()
	i.CreateRoleBehavior.Reset()
	i.AttachRolePolicyBehavior.Reset()
	i.PutRolePolicyBehavior.Reset()
	i.GetInstanceProfileBehavior.Reset()
	i.CreateInstanceProfileBehavior.Reset()
	i.AddRoleToInstanceProfileBehavior.Reset()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.resetState()
}

func (i *IAMAPI) resetState() {
	i.roles = map[string]iamtypes.Role{}
	i.attached = map[string][]string{}
	i.inline = map[string]map[string]string{}
	i.profiles = map[string]*iamtypes.InstanceProfile{}
}

// AttachedPolicies returns the managed policy ARNs attached to a role.
func (i *IAMAPI) AttachedPolicies(role string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.attached[role]...)
}

// InlinePolicy returns a role's inline policy document by name.
func (i *IAMAPI) InlinePolicy(role, name string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	doc, ok := i.inline[role][name]
	return doc, ok
}

func (i *IAMAPI) GetRole(_ context.Context, input *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return i.GetRoleBehavior.Invoke(input, func(input *iam.GetRoleInput) (*iam.GetRoleOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		role, ok := i.roles[aws.ToString(input.RoleName)]
		if !ok {
			return nil, apiError("NoSuchEntity", fmt.Sprintf("The role with name %s cannot be found.", aws.ToString(input.RoleName)))
		}
		return &iam.GetRoleOutput{Role: &role}, nil
	})
}

func (i *IAMAPI) CreateRole(_ context.Context, input *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	return i.CreateRoleBehavior.Invoke(input, func(input *iam.CreateRoleInput) (*iam.CreateRoleOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.roles[name]; ok {
			return nil, apiError("EntityAlreadyExists", fmt.Sprintf("Role with name %s already exists.", name))
		}
		role := iamtypes.Role{
			RoleName:                 aws.String(name),
			Arn:                      aws.String(RoleARN(name)),
			Path:                     aws.String("/"),
			RoleId:                   aws.String("AROA" + randomHex(16)),
			AssumeRolePolicyDocument: input.AssumeRolePolicyDocument,
			CreateDate:               aws.Time(time.Now()),
		}
		i.roles[name] = role
		created := role
		return &iam.CreateRoleOutput{Role: &created}, nil
	})
}

func (i *IAMAPI) AttachRolePolicy(_ context.Context, input *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	return i.AttachRolePolicyBehavior.Invoke(input, func(input *iam.AttachRolePolicyInput) (*iam.AttachRolePolicyOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.roles[name]; !ok {
			return nil, apiError("NoSuchEntity", fmt.Sprintf("The role with name %s cannot be found.", name))
		}
		arn := aws.ToString(input.PolicyArn)
		for _, existing := range i.attached[name] {
			// Attaching an attached policy is a no-op server side.
			if existing == arn {
				return &iam.AttachRolePolicyOutput{}, nil
			}
		}
		i.attached[name] = append(i.attached[name], arn)
		return &iam.AttachRolePolicyOutput{}, nil
	})
}

func (i *IAMAPI) PutRolePolicy(_ context.Context, input *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	return i.PutRolePolicyBehavior.Invoke(input, func(input *iam.PutRolePolicyInput) (*iam.PutRolePolicyOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.roles[name]; !ok {
			return nil, apiError("NoSuchEntity", fmt.Sprintf("The role with name %s cannot be found.", name))
		}
		if _, ok := i.inline[name]; !ok {
			i.inline[name] = map[string]string{}
		}
		i.inline[name][aws.ToString(input.PolicyName)] = aws.ToString(input.PolicyDocument)
		return &iam.PutRolePolicyOutput{}, nil
	})
}

func (i *IAMAPI) GetInstanceProfile(_ context.Context, input *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	return i.GetInstanceProfileBehavior.Invoke(input, func(input *iam.GetInstanceProfileInput) (*iam.GetInstanceProfileOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		profile, ok := i.profiles[aws.ToString(input.InstanceProfileName)]
		if !ok {
			return nil, apiError("NoSuchEntity", fmt.Sprintf("Instance Profile %s cannot be found.", aws.ToString(input.InstanceProfileName)))
		}
		found := *profile
		return &iam.GetInstanceProfileOutput{InstanceProfile: &found}, nil
	})
}

func (i *IAMAPI) CreateInstanceProfile(_ context.Context, input *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	return i.CreateInstanceProfileBehavior.Invoke(input, func(input *iam.CreateInstanceProfileInput) (*iam.CreateInstanceProfileOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		name := aws.ToString(input.InstanceProfileName)
		if _, ok := i.profiles[name]; ok {
			return nil, apiError("EntityAlreadyExists", fmt.Sprintf("Instance Profile %s already exists.", name))
		}
		profile := &iamtypes.InstanceProfile{
			InstanceProfileName: aws.String(name),
			Arn:                 aws.String(InstanceProfileARN(name)),
			Path:                aws.String("/"),
			InstanceProfileId:   aws.String("AIPA" + randomHex(16)),
			CreateDate:          aws.Time(time.Now()),
		}
		i.profiles[name] = profile
		created := *profile
		return &iam.CreateInstanceProfileOutput{InstanceProfile: &created}, nil
	})
}

func (i *IAMAPI) AddRoleToInstanceProfile(_ context.Context, input *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	return i.AddRoleToInstanceProfileBehavior.Invoke(input, func(input *iam.AddRoleToInstanceProfileInput) (*iam.AddRoleToInstanceProfileOutput, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		profile, ok := i.profiles[aws.ToString(input.InstanceProfileName)]
		if !ok {
			return nil, apiError("NoSuchEntity", fmt.Sprintf("Instance Profile %s cannot be found.", aws.ToString(input.InstanceProfileName)))
		}
		role, ok := i.roles[aws.ToString(input.RoleName)]
		if !ok {
			return nil, apiError("NoSuchEntity", fmt.Sprintf("The role with name %s cannot be found.", aws.ToString(input.RoleName)))
		}
		// A profile holds at most one role.
		if len(profile.Roles) > 0 {
			return nil, apiError("LimitExceeded", "Cannot exceed quota for InstanceSessionsPerInstanceProfile: 1")
		}
		profile.Roles = append(profile.Roles, role)
		return &iam.AddRoleToInstanceProfileOutput{}, nil
	})
}
