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

// Package aws builds the shared SDK configuration and the service clients
// the providers run on.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/metrics"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/project"
)

// Clients bundles the narrowed service clients sharing one SDK configuration.
type Clients struct {
	S3          sdk.S3API
	ECS         sdk.ECSAPI
	AutoScaling sdk.AutoScalingAPI
	EC2         sdk.EC2API
	SSM         sdk.SSMAPI
	Logs        sdk.LogsAPI
	Quotas      sdk.QuotasAPI
	STS         sdk.STSAPI
	IAM         sdk.IAMAPI
	SQS         sdk.SQSAPI
	ECR         sdk.ECRAPI
	Region      string
}

// NewClients loads the SDK configuration for region and constructs every
// service client on it. Client-side SDK metrics land on the package registry.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = 5
			})
		}),
		config.WithAPIOptions([]func(*middleware.Stack) error{
			awsmiddleware.AddUserAgentKeyValue(project.Name, project.Version),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading sdk config, %w", err)
	}
	cfg = prometheusv2.WithPrometheusMetrics(cfg, metrics.Registry)
	return &Clients{
		S3:          s3.NewFromConfig(cfg),
		ECS:         ecs.NewFromConfig(cfg),
		AutoScaling: autoscaling.NewFromConfig(cfg),
		EC2:         ec2.NewFromConfig(cfg),
		SSM:         ssm.NewFromConfig(cfg),
		Logs:        cloudwatchlogs.NewFromConfig(cfg),
		Quotas:      servicequotas.NewFromConfig(cfg),
		STS:         sts.NewFromConfig(cfg),
		IAM:         iam.NewFromConfig(cfg),
		SQS:         sqs.NewFromConfig(cfg),
		ECR:         ecr.NewFromConfig(cfg),
		Region:      cfg.Region,
	}, nil
}
