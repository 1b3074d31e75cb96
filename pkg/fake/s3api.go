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
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

const defaultListPageSize = 1000

// StoredObject is one object held by the fake store.
type StoredObject struct {
	Data         []byte
	ETag         string
	LastModified time.Time
}

// S3Behavior must be reset between tests otherwise tests will
// pollute each other.
type S3Behavior struct {
	PutObjectBehavior     MockedFunction[s3.PutObjectInput, s3.PutObjectOutput]
	GetObjectBehavior     MockedFunction[s3.GetObjectInput, s3.GetObjectOutput]
	HeadObjectBehavior    MockedFunction[s3.HeadObjectInput, s3.HeadObjectOutput]
	ListObjectsV2Behavior MockedFunction[s3.ListObjectsV2Input, s3.ListObjectsV2Output]
	DeleteObjectsBehavior MockedFunction[s3.DeleteObjectsInput, s3.DeleteObjectsOutput]
	CreateBucketBehavior  MockedFunction[s3.CreateBucketInput, s3.CreateBucketOutput]
	HeadBucketBehavior    MockedFunction[s3.HeadBucketInput, s3.HeadBucketOutput]
}

// S3API is a stateful object-store double. The default behaviors model the
// real service closely enough for protocol tests: entity tags are quoted MD5
// digests, IfMatch/IfNoneMatch preconditions reject with the real error
// codes, and listing paginates lexicographically. One mutex serializes every
// conditional write, which is exactly the atomicity the store guarantees.
type S3API struct {
	sdk.S3API
	S3Behavior

	mu      sync.Mutex
	buckets map[string]struct{}
	objects map[string]map[string]*StoredObject
}

func NewS3API() *S3API {
	return &S3API{
		buckets: map[string]struct{}{},
		objects: map[string]map[string]*StoredObject{},
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *S3API) Reset() {
	s.PutObjectBehavior.Reset()
	s.GetObjectBehavior.Reset()
	s.HeadObjectBehavior.Reset()
	s.ListObjectsV2Behavior.Reset()
	s.DeleteObjectsBehavior.Reset()
	s.CreateBucketBehavior.Reset()
	s.HeadBucketBehavior.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = map[string]struct{}{}
	s.objects = map[string]map[string]*StoredObject{}
}

// Object returns a copy of the stored object, if present.
func (s *S3API) Object(bucket, key string) (StoredObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket][key]
	if !ok {
		return StoredObject{}, false
	}
	return StoredObject{Data: append([]byte(nil), obj.Data...), ETag: obj.ETag, LastModified: obj.LastModified}, true
}

// ObjectCount returns how many objects the bucket holds under prefix.
func (s *S3API) ObjectCount(bucket, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key := range s.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

func (s *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var data []byte
	if input.Body != nil {
		var err error
		if data, err = io.ReadAll(input.Body); err != nil {
			return nil, err
		}
	}
	// The body reader cannot survive the behavior's JSON deep clone, so the
	// recorded input carries the bytes out of band.
	recorded := *input
	recorded.Body = nil
	return s.PutObjectBehavior.Invoke(&recorded, func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
		existing, exists := s.objects[bucket][key]
		if in.IfNoneMatch != nil && exists {
			return nil, apiError("PreconditionFailed", "At least one of the pre-conditions you specified did not hold")
		}
		if in.IfMatch != nil {
			if !exists {
				return nil, apiError("NoSuchKey", "The specified key does not exist.")
			}
			if unquote(aws.ToString(in.IfMatch)) != unquote(existing.ETag) {
				return nil, apiError("PreconditionFailed", "At least one of the pre-conditions you specified did not hold")
			}
		}
		if s.objects[bucket] == nil {
			s.objects[bucket] = map[string]*StoredObject{}
		}
		obj := &StoredObject{Data: data, ETag: etagOf(data), LastModified: time.Now()}
		s.objects[bucket][key] = obj
		return &s3.PutObjectOutput{ETag: aws.String(obj.ETag)}, nil
	})
}

func (s *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	// Constructed outside the behavior so the ReadCloser body is never JSON
	// cloned. The call counters are maintained by hand for the same reason.
	if err := s.GetObjectBehavior.Error.Get(); err != nil {
		s.GetObjectBehavior.recordFailure()
		return nil, err
	}
	s.GetObjectBehavior.CalledWithInput.Add(input)
	if !s.GetObjectBehavior.Output.IsNil() {
		s.GetObjectBehavior.recordSuccess()
		return s.GetObjectBehavior.Output.Clone(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[aws.ToString(input.Bucket)][aws.ToString(input.Key)]
	if !ok {
		s.GetObjectBehavior.recordFailure()
		return nil, apiError("NoSuchKey", "The specified key does not exist.")
	}
	s.GetObjectBehavior.recordSuccess()
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(append([]byte(nil), obj.Data...))),
		ETag:          aws.String(obj.ETag),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		LastModified:  aws.Time(obj.LastModified),
	}, nil
}

func (s *S3API) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return s.HeadObjectBehavior.Invoke(input, func(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		obj, ok := s.objects[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
		if !ok {
			return nil, apiError("NotFound", "Not Found")
		}
		return &s3.HeadObjectOutput{
			ETag:          aws.String(obj.ETag),
			ContentLength: aws.Int64(int64(len(obj.Data))),
			LastModified:  aws.Time(obj.LastModified),
		}, nil
	})
}

func (s *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return s.ListObjectsV2Behavior.Invoke(input, func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		bucket := s.objects[aws.ToString(in.Bucket)]
		keys := lo.Filter(lo.Keys(bucket), func(key string, _ int) bool {
			return strings.HasPrefix(key, aws.ToString(in.Prefix))
		})
		sort.Strings(keys)
		// The continuation token is the last key of the previous page; the
		// next page starts strictly after it.
		if token := aws.ToString(in.ContinuationToken); token != "" {
			keys = lo.Filter(keys, func(key string, _ int) bool { return key > token })
		}
		pageSize := int(aws.ToInt32(in.MaxKeys))
		if pageSize <= 0 {
			pageSize = defaultListPageSize
		}
		truncated := len(keys) > pageSize
		if truncated {
			keys = keys[:pageSize]
		}
		out := &s3.ListObjectsV2Output{
			IsTruncated: aws.Bool(truncated),
			KeyCount:    aws.Int32(int32(len(keys))),
			Contents: lo.Map(keys, func(key string, _ int) s3types.Object {
				obj := bucket[key]
				return s3types.Object{
					Key:          aws.String(key),
					ETag:         aws.String(obj.ETag),
					Size:         aws.Int64(int64(len(obj.Data))),
					LastModified: aws.Time(obj.LastModified),
				}
			}),
		}
		if truncated {
			out.NextContinuationToken = aws.String(keys[len(keys)-1])
		}
		return out, nil
	})
}

func (s *S3API) DeleteObjects(_ context.Context, input *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return s.DeleteObjectsBehavior.Invoke(input, func(in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		bucket := aws.ToString(in.Bucket)
		out := &s3.DeleteObjectsOutput{}
		if in.Delete == nil {
			return out, nil
		}
		for _, id := range in.Delete.Objects {
			// Deleting an absent key reports success, like the real store.
			delete(s.objects[bucket], aws.ToString(id.Key))
			if !aws.ToBool(in.Delete.Quiet) {
				out.Deleted = append(out.Deleted, s3types.DeletedObject{Key: id.Key})
			}
		}
		return out, nil
	})
}

func (s *S3API) CreateBucket(_ context.Context, input *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return s.CreateBucketBehavior.Invoke(input, func(in *s3.CreateBucketInput) (*s3.CreateBucketOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		bucket := aws.ToString(in.Bucket)
		if _, ok := s.buckets[bucket]; ok {
			return nil, apiError("BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.")
		}
		s.buckets[bucket] = struct{}{}
		if s.objects[bucket] == nil {
			s.objects[bucket] = map[string]*StoredObject{}
		}
		return &s3.CreateBucketOutput{Location: aws.String("/" + bucket)}, nil
	})
}

func (s *S3API) HeadBucket(_ context.Context, input *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return s.HeadBucketBehavior.Invoke(input, func(in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.buckets[aws.ToString(in.Bucket)]; !ok {
			return nil, apiError("NotFound", "Not Found")
		}
		return &s3.HeadBucketOutput{}, nil
	})
}
