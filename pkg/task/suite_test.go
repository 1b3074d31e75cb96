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

package task_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

func TestTask(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Task")
}

var _ = Describe("Identifiers", func() {
	It("should mint well-formed task ids", func() {
		id := task.NewID()
		Expect(task.IsValidID(id)).To(BeTrue())
		Expect(id).To(HavePrefix("task-"))
		Expect(id).To(HaveLen(len("task-") + 32))
	})
	It("should mint distinct ids", func() {
		seen := map[string]struct{}{}
		for i := 0; i < 100; i++ {
			seen[task.NewID()] = struct{}{}
		}
		Expect(seen).To(HaveLen(100))
	})
	It("should mint well-formed session ids", func() {
		sid := task.NewSessionID()
		Expect(task.IsValidSessionID(sid)).To(BeTrue())
		Expect(sid).To(HaveLen(len("session-") + 16))
	})
	It("should accept bootstrap ids as valid task ids", func() {
		id := task.BootstrapID("session-0123456789abcdef", 3)
		Expect(task.IsBootstrapID(id)).To(BeTrue())
		Expect(task.IsValidID(id)).To(BeTrue())
	})
	It("should reject malformed task ids", func() {
		for _, id := range []string{
			"",
			"task-",
			"task-XYZ",
			"task-0123456789abcdef",                   // too short
			"task-0123456789abcdef0123456789abcdefff", // too long
			"TASK-0123456789abcdef0123456789abcdef",
			"result-0123456789abcdef0123456789abcdef",
		} {
			Expect(task.IsValidID(id)).To(BeFalse(), "id %q", id)
		}
	})
	It("should reject malformed session ids", func() {
		for _, sid := range []string{
			"",
			"session-",
			"session-0123456789abcdef00", // too long
			"session-0123456789ABCDEF",
			"task-0123456789abcdef",
		} {
			Expect(task.IsValidSessionID(sid)).To(BeFalse(), "id %q", sid)
		}
	})
	It("should not confuse task ids with session ids", func() {
		Expect(task.IsValidSessionID(task.NewID())).To(BeFalse())
		Expect(task.IsValidID(task.NewSessionID())).To(BeFalse())
	})
})

var _ = Describe("Lifecycle", func() {
	It("should order the states strictly forward", func() {
		Expect(task.StateCreated.CanTransitionTo(task.StatePending)).To(BeTrue())
		Expect(task.StateCreated.CanTransitionTo(task.StateQueued)).To(BeTrue())
		Expect(task.StatePending.CanTransitionTo(task.StateClaimed)).To(BeTrue())
		Expect(task.StateClaimed.CanTransitionTo(task.StateRunning)).To(BeTrue())
		Expect(task.StateRunning.CanTransitionTo(task.StateCompleted)).To(BeTrue())
		Expect(task.StateRunning.CanTransitionTo(task.StateFailed)).To(BeTrue())
	})
	It("should allow skipping intermediate states forward", func() {
		Expect(task.StateCreated.CanTransitionTo(task.StateFailed)).To(BeTrue())
		Expect(task.StatePending.CanTransitionTo(task.StateCompleted)).To(BeTrue())
	})
	It("should refuse moving backward or sideways", func() {
		Expect(task.StateRunning.CanTransitionTo(task.StateClaimed)).To(BeFalse())
		Expect(task.StateClaimed.CanTransitionTo(task.StatePending)).To(BeFalse())
		Expect(task.StateCompleted.CanTransitionTo(task.StateRunning)).To(BeFalse())
		Expect(task.StateCompleted.CanTransitionTo(task.StateFailed)).To(BeFalse())
		Expect(task.StateFailed.CanTransitionTo(task.StateCompleted)).To(BeFalse())
		Expect(task.StatePending.CanTransitionTo(task.StateQueued)).To(BeFalse())
	})
	It("should refuse transitions involving unknown states", func() {
		Expect(task.State("limbo").CanTransitionTo(task.StateRunning)).To(BeFalse())
		Expect(task.StatePending.CanTransitionTo(task.State("limbo"))).To(BeFalse())
		Expect(task.State("limbo").Known()).To(BeFalse())
	})
	It("should report exactly completed and failed as terminal", func() {
		Expect(task.StateCompleted.Terminal()).To(BeTrue())
		Expect(task.StateFailed.Terminal()).To(BeTrue())
		for _, s := range []task.State{task.StateCreated, task.StateQueued, task.StatePending, task.StateClaimed, task.StateRunning} {
			Expect(s.Terminal()).To(BeFalse(), "state %s", s)
		}
	})
})

var _ = Describe("Keys", func() {
	It("should lay out the bucket namespace", func() {
		Expect(task.EnvelopeKey("task-abc")).To(Equal("tasks/task-abc.blob"))
		Expect(task.ResultKey("task-abc")).To(Equal("results/task-abc.blob"))
		Expect(task.ManifestKey("session-abc")).To(Equal("sessions/session-abc/manifest.blob"))
		Expect(task.StatusKey("session-abc", "task-def")).To(Equal("sessions/session-abc/tasks/task-def/status.blob"))
		Expect(task.StatusPrefix("session-abc")).To(Equal("sessions/session-abc/tasks/"))
		Expect(task.SessionPrefix("session-abc")).To(Equal("sessions/session-abc/"))
	})
	It("should scope bootstrap envelopes under the session's dash prefix", func() {
		prefix := task.BootstrapEnvelopePrefix("session-abc")
		Expect(prefix).To(Equal("tasks/bootstrap-session-abc-"))
		Expect(task.EnvelopeKey(task.BootstrapID("session-abc", 0))).To(HavePrefix(prefix))
	})
	It("should round-trip a task id through its status key", func() {
		tid := task.NewID()
		sid := task.NewSessionID()
		got, ok := task.TaskIDFromStatusKey(task.StatusKey(sid, tid))
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(tid))
	})
	It("should round-trip a session id through its manifest key", func() {
		sid := task.NewSessionID()
		got, ok := task.SessionIDFromManifestKey(task.ManifestKey(sid))
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(sid))
	})
	It("should reject keys outside the status layout", func() {
		for _, key := range []string{
			"tasks/task-abc.blob",
			"sessions/session-abc/manifest.blob",
			"sessions/session-abc/tasks/task-def/status.json",
			"sessions/session-abc/other/task-def/status.blob",
			"sessions/session-abc/tasks/task-def/extra/status.blob",
		} {
			_, ok := task.TaskIDFromStatusKey(key)
			Expect(ok).To(BeFalse(), "key %q", key)
		}
	})
	It("should reject keys outside the manifest layout", func() {
		for _, key := range []string{
			"sessions/session-abc/tasks/task-def/status.blob",
			"manifests/session-abc/manifest.blob",
			"sessions/session-abc/nested/manifest.blob",
		} {
			_, ok := task.SessionIDFromManifestKey(key)
			Expect(ok).To(BeFalse(), "key %q", key)
		}
	})
})

var _ = Describe("Envelope", func() {
	It("should recognize bootstrap envelopes", func() {
		sid := task.NewSessionID()
		envelope := task.BootstrapEnvelope(sid, 2)
		Expect(envelope.IsBootstrap()).To(BeTrue())
		Expect(envelope.SessionID).To(Equal(sid))
		Expect(envelope.TaskID).To(Equal(task.BootstrapID(sid, 2)))
	})
	It("should not recognize work envelopes as bootstrap", func() {
		envelope := task.Envelope{TaskID: task.NewID()}
		Expect(envelope.IsBootstrap()).To(BeFalse())
	})
})

var _ = Describe("Result", func() {
	It("should build success results", func() {
		r := task.OK([]byte{0x01}, "out")
		Expect(r.IsError()).To(BeFalse())
		Expect(r.Stdout).To(Equal("out"))
		Expect(r.Visible).To(BeTrue())
	})
	It("should build failure results", func() {
		r := task.Failed("boom", "out", "trace")
		Expect(r.IsError()).To(BeTrue())
		Expect(r.Message).To(Equal("boom"))
		Expect(r.Traceback).To(Equal("trace"))
	})
	It("should refuse decoding the value of a failed result", func() {
		r := task.Failed("boom", "", "")
		var into string
		Expect(r.DecodeValue(&into)).To(MatchError(ContainSubstring("boom")))
	})
})

var _ = Describe("Manifest", func() {
	It("should expire strictly after the absolute deadline", func() {
		deadline := time.Now()
		m := task.Manifest{AbsoluteDeadline: deadline}
		Expect(m.Expired(deadline)).To(BeFalse())
		Expect(m.Expired(deadline.Add(time.Nanosecond))).To(BeTrue())
		Expect(m.Expired(deadline.Add(-time.Second))).To(BeFalse())
	})
	It("should keep last activity monotonic under skewed writers", func() {
		now := time.Now()
		m := task.Manifest{LastActivity: now}
		m.Touch(now.Add(-time.Minute))
		Expect(m.LastActivity).To(Equal(now))
		m.Touch(now.Add(time.Minute))
		Expect(m.LastActivity).To(Equal(now.Add(time.Minute)))
	})
})

var _ = Describe("Status", func() {
	It("should start pending", func() {
		now := time.Now()
		s := task.NewStatus("task-abc", now)
		Expect(s.State).To(Equal(task.StatePending))
		Expect(s.CreatedAt).To(Equal(now))
		Expect(s.ClaimedAt).To(BeNil())
	})
	It("should record the claiming worker", func() {
		now := time.Now()
		s := task.NewStatus("task-abc", now)
		s.Claim("worker-1", now.Add(time.Second))
		Expect(s.State).To(Equal(task.StateClaimed))
		Expect(s.ClaimedBy).To(Equal("worker-1"))
		Expect(s.ClaimedAt).To(HaveValue(Equal(now.Add(time.Second))))
	})
	It("should finish completed on an empty error", func() {
		now := time.Now()
		s := task.NewStatus("task-abc", now)
		s.Claim("worker-1", now)
		s.Start(now)
		s.Finish("", now.Add(time.Second))
		Expect(s.State).To(Equal(task.StateCompleted))
		Expect(s.Error).To(BeEmpty())
		Expect(s.CompletedAt).To(HaveValue(Equal(now.Add(time.Second))))
	})
	It("should finish failed on a non-empty error", func() {
		now := time.Now()
		s := task.NewStatus("task-abc", now)
		s.Finish("boom", now)
		Expect(s.State).To(Equal(task.StateFailed))
		Expect(s.Error).To(Equal("boom"))
	})
})
