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
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// Network fixtures every test account starts with.
const (
	DefaultVPC           = "vpc-test"
	DefaultSubnet1       = "subnet-test1"
	DefaultSubnet2       = "subnet-test2"
	DefaultSecurityGroup = "sg-test"
)

// DefaultSubnets lists the fixture subnets in zone order.
func DefaultSubnets() []string {
	return []string{DefaultSubnet1, DefaultSubnet2}
}

// EC2Behavior exposes per-call overrides for the EC2 double.
type EC2Behavior struct {
	CreateLaunchTemplateBehavior    MockedFunction[ec2.CreateLaunchTemplateInput, ec2.CreateLaunchTemplateOutput]
	DescribeLaunchTemplatesBehavior MockedFunction[ec2.DescribeLaunchTemplatesInput, ec2.DescribeLaunchTemplatesOutput]
	DeleteLaunchTemplateBehavior    MockedFunction[ec2.DeleteLaunchTemplateInput, ec2.DeleteLaunchTemplateOutput]
	DescribeInstanceTypesBehavior   MockedFunction[ec2.DescribeInstanceTypesInput, ec2.DescribeInstanceTypesOutput]
	DescribeSubnetsBehavior         MockedFunction[ec2.DescribeSubnetsInput, ec2.DescribeSubnetsOutput]
	DescribeVpcsBehavior            MockedFunction[ec2.DescribeVpcsInput, ec2.DescribeVpcsOutput]
	DescribeSecurityGroupsBehavior  MockedFunction[ec2.DescribeSecurityGroupsInput, ec2.DescribeSecurityGroupsOutput]
}

// EC2API is an in-memory EC2: launch templates are stateful, while instance
// types and the default network are static fixtures matching a fresh account
// in the test region.
type EC2API struct {
	sdk.EC2API
	EC2Behavior

	mu              sync.Mutex
	launchTemplates map[string]ec2types.LaunchTemplate
	templateData    map[string]*ec2types.RequestLaunchTemplateData
}

func NewEC2API() *EC2API {
	return &EC2API{
		launchTemplates: map[string]ec2types.LaunchTemplate{},
		templateData:    map[string]*ec2types.RequestLaunchTemplateData{},
	}
}

// Reset must be called between tests.
func (e *EC2API) Reset() {
	e.CreateLaunchTemplateBehavior.Reset()
	e.DescribeLaunchTemplatesBehavior.Reset()
	e.DeleteLaunchTemplateBehavior.Reset()
	e.DescribeInstanceTypesBehavior.Reset()
	e.DescribeSubnetsBehavior.Reset()
	e.DescribeVpcsBehavior.Reset()
	e.DescribeSecurityGroupsBehavior.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.launchTemplates = map[string]ec2types.LaunchTemplate{}
	e.templateData = map[string]*ec2types.RequestLaunchTemplateData{}
}

// LaunchTemplateData returns the request data a launch template was created
// with, for asserting on image, market options, and user data.
func (e *EC2API) LaunchTemplateData(name string) (*ec2types.RequestLaunchTemplateData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.templateData[name]
	return data, ok
}

func (e *EC2API) CreateLaunchTemplate(_ context.Context, input *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	return e.CreateLaunchTemplateBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		name := aws.ToString(input.LaunchTemplateName)
		if _, ok := e.launchTemplates[name]; ok {
			return nil, apiError("InvalidLaunchTemplateName.AlreadyExistsException",
				fmt.Sprintf("Launch template name already in use: %s", name))
		}
		template := ec2types.LaunchTemplate{
			LaunchTemplateId:     aws.String("lt-" + randomHex(17)),
			LaunchTemplateName:   aws.String(name),
			LatestVersionNumber:  aws.Int64(1),
			DefaultVersionNumber: aws.Int64(1),
			CreateTime:           aws.Time(time.Now()),
		}
		for _, spec := range input.TagSpecifications {
			if spec.ResourceType == ec2types.ResourceTypeLaunchTemplate {
				template.Tags = spec.Tags
			}
		}
		e.launchTemplates[name] = template
		e.templateData[name] = input.LaunchTemplateData
		created := template
		return &ec2.CreateLaunchTemplateOutput{LaunchTemplate: &created}, nil
	})
}

func (e *EC2API) DescribeLaunchTemplates(_ context.Context, input *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	return e.DescribeLaunchTemplatesBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		out := &ec2.DescribeLaunchTemplatesOutput{}
		if len(input.LaunchTemplateNames) > 0 {
			// Describing explicit names fails the whole call when any one of
			// them is missing.
			for _, name := range input.LaunchTemplateNames {
				template, ok := e.launchTemplates[name]
				if !ok {
					return nil, apiError("InvalidLaunchTemplateName.NotFoundException",
						fmt.Sprintf("At least one of the launch templates specified in the request does not exist: %s", name))
				}
				out.LaunchTemplates = append(out.LaunchTemplates, template)
			}
			return out, nil
		}
		names := lo.Keys(e.launchTemplates)
		sort.Strings(names)
		for _, name := range names {
			out.LaunchTemplates = append(out.LaunchTemplates, e.launchTemplates[name])
		}
		return out, nil
	})
}

func (e *EC2API) DeleteLaunchTemplate(_ context.Context, input *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	return e.DeleteLaunchTemplateBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateInput) (*ec2.DeleteLaunchTemplateOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		name := aws.ToString(input.LaunchTemplateName)
		if name == "" {
			for candidate, template := range e.launchTemplates {
				if aws.ToString(template.LaunchTemplateId) == aws.ToString(input.LaunchTemplateId) {
					name = candidate
					break
				}
			}
		}
		template, ok := e.launchTemplates[name]
		if !ok {
			return nil, apiError("InvalidLaunchTemplateName.NotFoundException",
				fmt.Sprintf("The specified launch template, with template name %s, does not exist.", name))
		}
		delete(e.launchTemplates, name)
		delete(e.templateData, name)
		deleted := template
		return &ec2.DeleteLaunchTemplateOutput{LaunchTemplate: &deleted}, nil
	})
}

func (e *EC2API) DescribeInstanceTypes(_ context.Context, input *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	return e.DescribeInstanceTypesBehavior.Invoke(input, func(input *ec2.DescribeInstanceTypesInput) (*ec2.DescribeInstanceTypesOutput, error) {
		out := &ec2.DescribeInstanceTypesOutput{}
		for _, info := range instanceTypeFixtures() {
			if len(input.InstanceTypes) > 0 && !lo.Contains(input.InstanceTypes, info.InstanceType) {
				continue
			}
			out.InstanceTypes = append(out.InstanceTypes, info)
		}
		return out, nil
	})
}

func (e *EC2API) DescribeVpcs(_ context.Context, input *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return e.DescribeVpcsBehavior.Invoke(input, func(input *ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
		vpc := ec2types.Vpc{
			VpcId:     aws.String(DefaultVPC),
			IsDefault: aws.Bool(true),
			CidrBlock: aws.String("172.31.0.0/16"),
			State:     ec2types.VpcStateAvailable,
		}
		if values := filterValues(input.Filters, "isDefault"); len(values) > 0 && !lo.Contains(values, "true") {
			return &ec2.DescribeVpcsOutput{}, nil
		}
		if len(input.VpcIds) > 0 && !lo.Contains(input.VpcIds, DefaultVPC) {
			return &ec2.DescribeVpcsOutput{}, nil
		}
		return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{vpc}}, nil
	})
}

func (e *EC2API) DescribeSubnets(_ context.Context, input *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return e.DescribeSubnetsBehavior.Invoke(input, func(input *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
		subnets := []ec2types.Subnet{
			{
				SubnetId:            aws.String(DefaultSubnet1),
				VpcId:               aws.String(DefaultVPC),
				AvailabilityZone:    aws.String(DefaultRegion + "a"),
				DefaultForAz:        aws.Bool(true),
				MapPublicIpOnLaunch: aws.Bool(true),
				State:               ec2types.SubnetStateAvailable,
			},
			{
				SubnetId:            aws.String(DefaultSubnet2),
				VpcId:               aws.String(DefaultVPC),
				AvailabilityZone:    aws.String(DefaultRegion + "b"),
				DefaultForAz:        aws.Bool(true),
				MapPublicIpOnLaunch: aws.Bool(true),
				State:               ec2types.SubnetStateAvailable,
			},
		}
		out := &ec2.DescribeSubnetsOutput{}
		vpcs := filterValues(input.Filters, "vpc-id")
		for _, subnet := range subnets {
			if len(vpcs) > 0 && !lo.Contains(vpcs, aws.ToString(subnet.VpcId)) {
				continue
			}
			if len(input.SubnetIds) > 0 && !lo.Contains(input.SubnetIds, aws.ToString(subnet.SubnetId)) {
				continue
			}
			out.Subnets = append(out.Subnets, subnet)
		}
		return out, nil
	})
}

func (e *EC2API) DescribeSecurityGroups(_ context.Context, input *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return e.DescribeSecurityGroupsBehavior.Invoke(input, func(input *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
		group := ec2types.SecurityGroup{
			GroupId:   aws.String(DefaultSecurityGroup),
			GroupName: aws.String("default"),
			VpcId:     aws.String(DefaultVPC),
		}
		if values := filterValues(input.Filters, "vpc-id"); len(values) > 0 && !lo.Contains(values, DefaultVPC) {
			return &ec2.DescribeSecurityGroupsOutput{}, nil
		}
		if values := filterValues(input.Filters, "group-name"); len(values) > 0 && !lo.Contains(values, "default") {
			return &ec2.DescribeSecurityGroupsOutput{}, nil
		}
		if len(input.GroupIds) > 0 && !lo.Contains(input.GroupIds, DefaultSecurityGroup) {
			return &ec2.DescribeSecurityGroupsOutput{}, nil
		}
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{group}}, nil
	})
}

func filterValues(filters []ec2types.Filter, name string) []string {
	for _, filter := range filters {
		if aws.ToString(filter.Name) == name {
			return filter.Values
		}
	}
	return nil
}

// instanceTypeFixtures is a small slice of real hardware shapes: enough
// variety to cover both architectures, spot support, and distinct
// cpu:memory ratios.
func instanceTypeFixtures() []ec2types.InstanceTypeInfo {
	return []ec2types.InstanceTypeInfo{
		instanceTypeInfo("m5.large", 2, 8192, ec2types.ArchitectureTypeX8664, true),
		instanceTypeInfo("m5.xlarge", 4, 16384, ec2types.ArchitectureTypeX8664, true),
		instanceTypeInfo("c5.xlarge", 4, 8192, ec2types.ArchitectureTypeX8664, true),
		instanceTypeInfo("m7g.large", 2, 8192, ec2types.ArchitectureTypeArm64, true),
		instanceTypeInfo("t3.medium", 2, 4096, ec2types.ArchitectureTypeX8664, false),
	}
}

func instanceTypeInfo(name string, vcpus int32, memoryMiB int64, arch ec2types.ArchitectureType, spot bool) ec2types.InstanceTypeInfo {
	info := ec2types.InstanceTypeInfo{
		InstanceType:          ec2types.InstanceType(name),
		VCpuInfo:              &ec2types.VCpuInfo{DefaultVCpus: aws.Int32(vcpus)},
		MemoryInfo:            &ec2types.MemoryInfo{SizeInMiB: aws.Int64(memoryMiB)},
		ProcessorInfo:         &ec2types.ProcessorInfo{SupportedArchitectures: []ec2types.ArchitectureType{arch}},
		SupportedUsageClasses: []ec2types.UsageClassType{ec2types.UsageClassTypeOnDemand},
	}
	if spot {
		info.SupportedUsageClasses = append(info.SupportedUsageClasses, ec2types.UsageClassTypeSpot)
	}
	return info
}
