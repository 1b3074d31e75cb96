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

package worker_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/session"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
	"github.com/cloudburst-labs/cloudburst/pkg/test"
	"github.com/cloudburst-labs/cloudburst/pkg/worker"
)

var (
	ctx     context.Context
	env     *test.Environment
	runtime *worker.Runtime
)

func TestWorker(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker")
}

var _ = BeforeEach(func() {
	env = test.NewEnvironment()
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry)
	runtime = worker.NewRuntime(env.Store, registry)
})

func putEnvelope(envelope *task.Envelope) {
	data, err := blob.Encode(envelope)
	Expect(err).ToNot(HaveOccurred())
	_, err = env.Store.Put(ctx, task.EnvelopeKey(envelope.TaskID), data)
	Expect(err).ToNot(HaveOccurred())
}

func readResult(taskID string) *task.Result {
	data, _, err := env.Store.Get(ctx, task.ResultKey(taskID))
	Expect(err).ToNot(HaveOccurred())
	result := &task.Result{}
	Expect(blob.Decode(data, result)).To(Succeed())
	return result
}

func expr(fn string, args ...any) blob.Raw {
	raw, err := worker.NewExpr(fn, args...)
	Expect(err).ToNot(HaveOccurred())
	return raw
}

var _ = Describe("Environment Contract", func() {
	contractKeys := []string{
		task.EnvTaskID, task.EnvBucket, task.EnvBucketAlias, task.EnvRegion, task.EnvRegionAlias,
	}

	BeforeEach(func() {
		for _, key := range contractKeys {
			if val, ok := os.LookupEnv(key); ok {
				k, v := key, val
				DeferCleanup(func() { Expect(os.Setenv(k, v)).To(Succeed()) })
			} else {
				k := key
				DeferCleanup(func() { Expect(os.Unsetenv(k)).To(Succeed()) })
			}
			Expect(os.Unsetenv(key)).To(Succeed())
		}
	})

	It("should read the canonical variables", func() {
		Expect(os.Setenv(task.EnvTaskID, "task-0123")).To(Succeed())
		Expect(os.Setenv(task.EnvBucket, "results-bucket")).To(Succeed())
		Expect(os.Setenv(task.EnvRegion, "us-west-2")).To(Succeed())

		cfg, err := worker.ConfigFromEnv()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg).To(Equal(worker.Config{TaskID: "task-0123", Bucket: "results-bucket", Region: "us-west-2"}))
	})
	It("should accept the alias spellings", func() {
		Expect(os.Setenv(task.EnvTaskID, "task-0123")).To(Succeed())
		Expect(os.Setenv(task.EnvBucketAlias, "alias-bucket")).To(Succeed())
		Expect(os.Setenv(task.EnvRegionAlias, "eu-west-1")).To(Succeed())

		cfg, err := worker.ConfigFromEnv()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Bucket).To(Equal("alias-bucket"))
		Expect(cfg.Region).To(Equal("eu-west-1"))
	})
	It("should prefer the canonical name over its alias", func() {
		Expect(os.Setenv(task.EnvTaskID, "task-0123")).To(Succeed())
		Expect(os.Setenv(task.EnvBucket, "canonical-bucket")).To(Succeed())
		Expect(os.Setenv(task.EnvBucketAlias, "alias-bucket")).To(Succeed())
		Expect(os.Setenv(task.EnvRegion, "us-west-2")).To(Succeed())

		cfg, err := worker.ConfigFromEnv()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Bucket).To(Equal("canonical-bucket"))
	})
	It("should name every missing variable", func() {
		_, err := worker.ConfigFromEnv()
		Expect(err).To(MatchError(ContainSubstring(task.EnvTaskID)))
		Expect(err).To(MatchError(ContainSubstring(task.EnvBucket)))
		Expect(err).To(MatchError(ContainSubstring(task.EnvRegion)))
	})
})

var _ = Describe("Registry", func() {
	var registry *worker.Registry

	BeforeEach(func() {
		registry = worker.NewRegistry()
		worker.RegisterBuiltins(registry)
	})

	evaluate := func(raw blob.Raw) *task.Result {
		return registry.Evaluate(ctx, &task.Envelope{TaskID: task.NewID(), Expr: raw})
	}

	It("should return a single echoed argument bare", func() {
		result := evaluate(expr("echo", 42))
		Expect(result.IsError()).To(BeFalse())
		var n int
		Expect(result.DecodeValue(&n)).To(Succeed())
		Expect(n).To(Equal(42))
	})
	It("should return several echoed arguments as a list", func() {
		result := evaluate(expr("echo", 1, 2, 3))
		Expect(result.IsError()).To(BeFalse())
		var values []int
		Expect(result.DecodeValue(&values)).To(Succeed())
		Expect(values).To(Equal([]int{1, 2, 3}))
	})
	It("should fail an unknown function without crashing", func() {
		result := evaluate(expr("transmogrify", 1))
		Expect(result.IsError()).To(BeTrue())
		Expect(result.Message).To(ContainSubstring(`unknown function "transmogrify"`))
	})
	It("should convert a panic into a failure with a traceback", func() {
		registry.Register("boom", func(context.Context, []any) (any, error) {
			panic("kaboom")
		})
		result := evaluate(expr("boom"))
		Expect(result.IsError()).To(BeTrue())
		Expect(result.Message).To(ContainSubstring("panic: kaboom"))
		Expect(result.Traceback).ToNot(BeEmpty())
	})
	It("should carry a returned error as the failure message", func() {
		result := evaluate(expr("sleep", -1))
		Expect(result.IsError()).To(BeTrue())
		Expect(result.Message).To(ContainSubstring("must not be negative"))
	})
	It("should capture standard output into the result", func() {
		registry.Register("print", func(context.Context, []any) (any, error) {
			fmt.Println("hello from task")
			return nil, nil
		})
		result := evaluate(expr("print"))
		Expect(result.IsError()).To(BeFalse())
		Expect(result.Stdout).To(Equal("hello from task\n"))
	})
	It("should fail an expression that does not decode to a call", func() {
		result := evaluate(blob.MustEncode([]int{1, 2, 3}))
		Expect(result.IsError()).To(BeTrue())
		Expect(result.Message).To(ContainSubstring("decoding expression"))
	})
})

var _ = Describe("Ephemeral Flow", func() {
	It("should evaluate the envelope and upload the result", func() {
		envelope := &task.Envelope{TaskID: task.NewID(), Expr: expr("echo", "ok")}
		putEnvelope(envelope)

		Expect(runtime.Run(ctx, envelope.TaskID)).To(Succeed())

		result := readResult(envelope.TaskID)
		Expect(result.IsError()).To(BeFalse())
		var s string
		Expect(result.DecodeValue(&s)).To(Succeed())
		Expect(s).To(Equal("ok"))
	})
	It("should exit clean on evaluation failure and upload the failure", func() {
		envelope := &task.Envelope{TaskID: task.NewID(), Expr: expr("no-such-fn")}
		putEnvelope(envelope)

		Expect(runtime.Run(ctx, envelope.TaskID)).To(Succeed())

		result := readResult(envelope.TaskID)
		Expect(result.IsError()).To(BeTrue())
		Expect(result.Message).To(ContainSubstring("unknown function"))
	})
	It("should fail on a missing envelope", func() {
		Expect(runtime.Run(ctx, task.NewID())).ToNot(Succeed())
	})
})

var _ = Describe("Detached Flow", func() {
	var sess *session.Session

	BeforeEach(func() {
		var err error
		sess, err = env.SessionClient.Create(ctx, test.SessionConfig())
		Expect(err).ToNot(HaveOccurred())
	})

	// startWorker runs the detached loop in the background the way a
	// container entrypoint would, bootstrapping from a stored envelope.
	startWorker := func() chan error {
		bootstrap := task.BootstrapEnvelope(sess.ID(), 0)
		putEnvelope(bootstrap)
		done := make(chan error, 1)
		go func() {
			done <- runtime.Run(ctx, bootstrap.TaskID)
		}()
		return done
	}

	submit := func(args ...any) string {
		tid, err := sess.Submit(ctx, session.Input{Expr: expr("echo", args...)})
		Expect(err).ToNot(HaveOccurred())
		return tid
	}

	It("should claim and process the session's backlog", func() {
		tids := []string{submit(1), submit(2), submit(3)}
		done := startWorker()

		Eventually(func() (int, error) {
			tally, err := sess.Status(ctx)
			return tally.Completed, err
		}, "10s").Should(Equal(3))

		for _, tid := range tids {
			status, err := session.ReadStatus(ctx, env.Store, sess.ID(), tid)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.State).To(Equal(task.StateCompleted))
			Expect(status.ClaimedBy).To(Equal(runtime.WorkerID()))
			Expect(readResult(tid).IsError()).To(BeFalse())
		}

		Expect(sess.Cleanup(ctx, false, false)).To(Succeed())
		Eventually(done, "10s").Should(Receive(BeNil()))
	})
	It("should fail a claimed task whose envelope was deleted", func() {
		tid := submit(1)
		_, err := env.Store.Delete(ctx, []string{task.EnvelopeKey(tid)})
		Expect(err).ToNot(HaveOccurred())
		done := startWorker()

		Eventually(func() (task.State, error) {
			status, err := session.ReadStatus(ctx, env.Store, sess.ID(), tid)
			if err != nil {
				return "", err
			}
			return status.State, nil
		}, "10s").Should(Equal(task.StateFailed))
		status, err := session.ReadStatus(ctx, env.Store, sess.ID(), tid)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Error).To(Equal("task envelope missing"))

		Expect(sess.Cleanup(ctx, false, false)).To(Succeed())
		Eventually(done, "10s").Should(Receive(BeNil()))
	})
	It("should exit when the session is terminated", func() {
		Expect(sess.Cleanup(ctx, false, false)).To(Succeed())
		Expect(runtime.RunDetached(ctx, sess.ID())).To(Succeed())
	})
	It("should exit when the session's deadline has passed", func() {
		expired, err := env.SessionClient.Create(ctx, test.SessionConfig(config.SessionConfig{
			AbsoluteTimeout: time.Nanosecond,
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(runtime.RunDetached(ctx, expired.ID())).To(Succeed())
	})
	It("should exit when the session records are gone", func() {
		Expect(runtime.RunDetached(ctx, task.NewSessionID())).To(Succeed())
	})
	It("should refuse a bootstrap envelope naming no session", func() {
		envelope := &task.Envelope{TaskID: task.BootstrapID("", 0)}
		putEnvelope(envelope)
		Expect(runtime.Run(ctx, envelope.TaskID)).To(MatchError(ContainSubstring("names no session")))
	})
})
