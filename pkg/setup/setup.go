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

// Package setup provisions the account periphery the backend assumes:
// bucket, log group, roles, instance profile, container cluster, and image
// repository. Every Ensure call detects before it creates and converges on
// existing resources without error, so running setup twice is a no-op.
package setup

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/samber/lo"

	awsclients "github.com/cloudburst-labs/cloudburst/pkg/aws"
	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/taskdef"
)

// RepositoryName is the image repository setup provisions for worker images.
const RepositoryName = "cloudburst-worker"

// Network is the discovered default-VPC networking for worker placement.
type Network struct {
	VPCID          string
	Subnets        []string
	SecurityGroups []string
}

// Provider performs the one-shot provisioning calls.
type Provider struct {
	sync.Mutex
	s3api   sdk.S3API
	ecsapi  sdk.ECSAPI
	ecrapi  sdk.ECRAPI
	iamapi  sdk.IAMAPI
	ec2api  sdk.EC2API
	logsapi sdk.LogsAPI
	stsapi  sdk.STSAPI
	region  string
	policy  backoff.Policy
	network *Network
}

func NewProvider(clients *awsclients.Clients) *Provider {
	return &Provider{
		s3api:   clients.S3,
		ecsapi:  clients.ECS,
		ecrapi:  clients.ECR,
		iamapi:  clients.IAM,
		ec2api:  clients.EC2,
		logsapi: clients.Logs,
		stsapi:  clients.STS,
		region:  clients.Region,
		policy:  backoff.ContainerService,
	}
}

// EnsureBucket makes the named bucket exist in the provider's region.
func (p *Provider) EnsureBucket(ctx context.Context, name string) error {
	var exists bool
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.s3api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)}); err != nil {
			if errors.IsAWSNotFound(err) {
				return nil
			}
			return fmt.Errorf("checking bucket %q, %w", name, err)
		}
		exists = true
		return nil
	}); err != nil {
		return err
	}
	if exists {
		return nil
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	// The store rejects an explicit location constraint only in its default
	// region and requires one everywhere else.
	if p.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.region),
		}
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.s3api.CreateBucket(ctx, input); err != nil && !errors.IsAWSAlreadyExists(err) {
			return fmt.Errorf("creating bucket %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	logging.FromContext(ctx).With("bucket", name).Infof("created bucket")
	return nil
}

// EnsureLogGroup makes the worker log group exist with its retention policy.
func (p *Provider) EnsureLogGroup(ctx context.Context) error {
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.logsapi.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(taskdef.LogGroup),
		}); err != nil && !errors.IsAWSAlreadyExists(err) {
			return fmt.Errorf("creating log group %q, %w", taskdef.LogGroup, err)
		}
		return nil
	}); err != nil {
		return err
	}
	return p.policy.Do(ctx, func() error {
		if _, err := p.logsapi.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(taskdef.LogGroup),
			RetentionInDays: aws.Int32(14),
		}); err != nil {
			return fmt.Errorf("setting retention on log group %q, %w", taskdef.LogGroup, err)
		}
		return nil
	})
}

// EnsureCluster makes the named container cluster exist and active.
func (p *Provider) EnsureCluster(ctx context.Context, name string) error {
	var active bool
	if err := p.policy.Do(ctx, func() error {
		out, err := p.ecsapi.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{name}})
		if err != nil {
			return fmt.Errorf("describing cluster %q, %w", name, err)
		}
		active = lo.ContainsBy(out.Clusters, func(c ecstypes.Cluster) bool {
			return aws.ToString(c.Status) == "ACTIVE"
		})
		return nil
	}); err != nil {
		return err
	}
	if active {
		return nil
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.ecsapi.CreateCluster(ctx, &ecs.CreateClusterInput{ClusterName: aws.String(name)}); err != nil {
			return fmt.Errorf("creating cluster %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	logging.FromContext(ctx).With("cluster-name", name).Infof("created cluster")
	return nil
}

// EnsureRepository makes the worker image repository exist and returns its
// URI for image pushes and ImageRef defaults.
func (p *Provider) EnsureRepository(ctx context.Context, name string) (string, error) {
	uri, err := p.describeRepository(ctx, name)
	if err == nil {
		return uri, nil
	}
	if !errors.IsAWSNotFound(err) {
		return "", err
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.ecrapi.CreateRepository(ctx, &ecr.CreateRepositoryInput{
			RepositoryName: aws.String(name),
		}); err != nil && !errors.IsAWSAlreadyExists(err) {
			return fmt.Errorf("creating repository %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	logging.FromContext(ctx).With("repository", name).Infof("created image repository")
	return p.describeRepository(ctx, name)
}

func (p *Provider) describeRepository(ctx context.Context, name string) (string, error) {
	var uri string
	err := p.policy.Do(ctx, func() error {
		out, err := p.ecrapi.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{name},
		})
		if err != nil {
			if errors.IsAWSNotFound(err) {
				return err
			}
			return fmt.Errorf("describing repository %q, %w", name, err)
		}
		uri = aws.ToString(out.Repositories[0].RepositoryUri)
		return nil
	})
	return uri, err
}

// DiscoverNetwork finds the default VPC, its subnets, and its default
// security group. Used when configuration omits explicit placement. The
// topology is stable for the provider's lifetime, so the first discovery is
// reused.
func (p *Provider) DiscoverNetwork(ctx context.Context) (Network, error) {
	p.Lock()
	defer p.Unlock()
	if p.network != nil {
		return *p.network, nil
	}
	network, err := p.discoverNetwork(ctx)
	if err != nil {
		return Network{}, err
	}
	p.network = &network
	return network, nil
}

func (p *Provider) discoverNetwork(ctx context.Context) (Network, error) {
	var network Network
	if err := p.policy.Do(ctx, func() error {
		out, err := p.ec2api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
			Filters: []ec2types.Filter{{Name: aws.String("isDefault"), Values: []string{"true"}}},
		})
		if err != nil {
			return fmt.Errorf("describing default vpc, %w", err)
		}
		if len(out.Vpcs) == 0 {
			return errors.NewConfigInvalid(fmt.Errorf("no default vpc in %s; set subnets and security groups explicitly", p.region))
		}
		network.VPCID = aws.ToString(out.Vpcs[0].VpcId)
		return nil
	}); err != nil {
		return Network{}, err
	}
	if err := p.policy.Do(ctx, func() error {
		out, err := p.ec2api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
			Filters: []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{network.VPCID}}},
		})
		if err != nil {
			return fmt.Errorf("describing subnets of vpc %q, %w", network.VPCID, err)
		}
		network.Subnets = lo.Map(out.Subnets, func(s ec2types.Subnet, _ int) string { return aws.ToString(s.SubnetId) })
		return nil
	}); err != nil {
		return Network{}, err
	}
	if err := p.policy.Do(ctx, func() error {
		out, err := p.ec2api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("vpc-id"), Values: []string{network.VPCID}},
				{Name: aws.String("group-name"), Values: []string{"default"}},
			},
		})
		if err != nil {
			return fmt.Errorf("describing default security group of vpc %q, %w", network.VPCID, err)
		}
		network.SecurityGroups = lo.Map(out.SecurityGroups, func(g ec2types.SecurityGroup, _ int) string { return aws.ToString(g.GroupId) })
		return nil
	}); err != nil {
		return Network{}, err
	}
	if len(network.Subnets) == 0 {
		return Network{}, errors.NewConfigInvalid(fmt.Errorf("default vpc %s has no subnets", network.VPCID))
	}
	return network, nil
}

// AccountID resolves the calling account.
func (p *Provider) AccountID(ctx context.Context) (string, error) {
	var account string
	err := p.policy.Do(ctx, func() error {
		out, err := p.stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return fmt.Errorf("resolving caller identity, %w", err)
		}
		account = aws.ToString(out.Account)
		return nil
	})
	return account, err
}
