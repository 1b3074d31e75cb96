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

// Package objectstore wraps the bucket every envelope, result, status, and
// manifest lives in. The ETag-conditional put is the linchpin of the claim
// protocol and manifest convergence and must hold bit-exactly.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
)

// deleteBatchSize is the store's cap on keys per delete call.
const deleteBatchSize = 1000

// Provider is the object-store surface the backend runs on.
type Provider interface {
	// Put stores data under key and returns the new ETag. With IfMatch it
	// fails PreconditionFailed when the stored ETag differs; with IfNoneMatch
	// it fails PreconditionFailed when the key already exists.
	Put(ctx context.Context, key string, data []byte, opts ...PutOption) (string, error)
	// Get returns the object's bytes and ETag, or NotFound.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Head reports existence and the ETag. Absence is not an error.
	Head(ctx context.Context, key string) (bool, string, error)
	// List returns every key under prefix. Order is unspecified.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the given keys in store-sized batches and returns the
	// number deleted. Partial failures are reported alongside the count.
	Delete(ctx context.Context, keys []string) (int, error)
	Bucket() string
}

type putConfig struct {
	ifMatch     string
	ifNoneMatch bool
	sse         bool
}

// PutOption narrows the conditions under which a Put succeeds.
type PutOption func(*putConfig)

// IfMatch makes the put conditional on the stored ETag.
func IfMatch(etag string) PutOption {
	return func(c *putConfig) { c.ifMatch = etag }
}

// IfNoneMatch makes the put create-only.
func IfNoneMatch() PutOption {
	return func(c *putConfig) { c.ifNoneMatch = true }
}

// WithSSE requests server-side encryption at rest.
func WithSSE() PutOption {
	return func(c *putConfig) { c.sse = true }
}

type DefaultProvider struct {
	s3api  sdk.S3API
	bucket string
	policy backoff.Policy
}

func NewDefaultProvider(s3api sdk.S3API, bucket string) *DefaultProvider {
	return &DefaultProvider{
		s3api:  s3api,
		bucket: bucket,
		policy: backoff.ObjectStore,
	}
}

func (p *DefaultProvider) Bucket() string {
	return p.bucket
}

func (p *DefaultProvider) Put(ctx context.Context, key string, data []byte, opts ...PutOption) (string, error) {
	cfg := &putConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if cfg.ifMatch != "" {
		input.IfMatch = aws.String(cfg.ifMatch)
	}
	if cfg.ifNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	if cfg.sse {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	var etag string
	err := p.policy.Do(ctx, func() error {
		input.Body = bytes.NewReader(data)
		out, err := p.s3api.PutObject(ctx, input)
		if err != nil {
			if errors.IsAWSPreconditionFailed(err) {
				return errors.NewPreconditionFailed(fmt.Errorf("putting object %q, %w", key, err))
			}
			return fmt.Errorf("putting object %q, %w", key, err)
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

func (p *DefaultProvider) Get(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var etag string
	err := p.policy.Do(ctx, func() error {
		out, err := p.s3api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if errors.IsAWSNotFound(err) {
				return errors.NewNotFound(fmt.Errorf("getting object %q, %w", key, err))
			}
			return fmt.Errorf("getting object %q, %w", key, err)
		}
		defer out.Body.Close()
		if data, err = io.ReadAll(out.Body); err != nil {
			return fmt.Errorf("reading object %q, %w", key, err)
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return data, etag, err
}

func (p *DefaultProvider) Head(ctx context.Context, key string) (bool, string, error) {
	var exists bool
	var etag string
	err := p.policy.Do(ctx, func() error {
		out, err := p.s3api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if errors.IsAWSNotFound(err) {
				exists = false
				return nil
			}
			return fmt.Errorf("heading object %q, %w", key, err)
		}
		exists = true
		etag = aws.ToString(out.ETag)
		return nil
	})
	return exists, etag, err
}

func (p *DefaultProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(p.s3api, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		if err := p.policy.Do(ctx, func() error {
			var err error
			if page, err = paginator.NextPage(ctx); err != nil {
				return fmt.Errorf("listing objects under %q, %w", prefix, err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
		keys = append(keys, lo.Map(page.Contents, func(o s3types.Object, _ int) string {
			return aws.ToString(o.Key)
		})...)
	}
	return keys, nil
}

func (p *DefaultProvider) Delete(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	var errs error
	for _, batch := range lo.Chunk(keys, deleteBatchSize) {
		objects := lo.Map(batch, func(key string, _ int) s3types.ObjectIdentifier {
			return s3types.ObjectIdentifier{Key: aws.String(key)}
		})
		var out *s3.DeleteObjectsOutput
		err := p.policy.Do(ctx, func() error {
			var err error
			out, err = p.s3api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(p.bucket),
				Delete: &s3types.Delete{
					Objects: objects,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("deleting %d objects, %w", len(objects), err)
			}
			return nil
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		deleted += len(batch) - len(out.Errors)
		for _, failure := range out.Errors {
			errs = multierr.Append(errs, fmt.Errorf("deleting object %q, %s: %s",
				aws.ToString(failure.Key), aws.ToString(failure.Code), aws.ToString(failure.Message)))
		}
	}
	return deleted, errs
}
