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

package blob_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

func TestBlob(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Blob")
}

var _ = Describe("Codec", func() {
	It("should round-trip scalar values", func() {
		data, err := blob.Encode("hello")
		Expect(err).ToNot(HaveOccurred())
		var out string
		Expect(blob.Decode(data, &out)).To(Succeed())
		Expect(out).To(Equal("hello"))
	})
	It("should round-trip structured records", func() {
		in := task.Envelope{
			TaskID:   task.NewID(),
			Expr:     blob.MustEncode("expr"),
			Packages: []string{"numpy", "scipy"},
		}
		data, err := blob.Encode(in)
		Expect(err).ToNot(HaveOccurred())
		var out task.Envelope
		Expect(blob.Decode(data, &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})
	It("should encode maps deterministically", func() {
		value := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}
		first := blob.MustEncode(value)
		for i := 0; i < 16; i++ {
			Expect(blob.MustEncode(value)).To(Equal(first))
		}
	})
	It("should re-encode an unchanged record byte-identically", func() {
		manifest := task.Manifest{
			SessionID:        task.NewSessionID(),
			CreatedAt:        time.Now(),
			LastActivity:     time.Now(),
			AbsoluteDeadline: time.Now().Add(24 * time.Hour),
		}
		first := blob.MustEncode(manifest)
		var decoded task.Manifest
		Expect(blob.Decode(first, &decoded)).To(Succeed())
		Expect(blob.MustEncode(decoded)).To(Equal(first))
	})
	It("should round-trip times at microsecond precision", func() {
		in := time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
		var out time.Time
		Expect(blob.Decode(blob.MustEncode(in), &out)).To(Succeed())
		Expect(out.UnixMicro()).To(Equal(in.UnixMicro()))
	})
	It("should carry raw payloads opaquely", func() {
		inner := blob.MustEncode(map[string]any{"fn": "echo", "args": []any{"hi"}})
		envelope := task.Envelope{TaskID: task.NewID(), Expr: inner}
		var out task.Envelope
		Expect(blob.Decode(blob.MustEncode(envelope), &out)).To(Succeed())
		Expect([]byte(out.Expr)).To(Equal(inner))
		var call map[string]any
		Expect(blob.Decode(out.Expr, &call)).To(Succeed())
		Expect(call).To(HaveKeyWithValue("fn", "echo"))
	})
	It("should name the target type on decode failures", func() {
		var out task.Manifest
		err := blob.Decode([]byte{0xff, 0x00}, &out)
		Expect(err).To(MatchError(ContainSubstring("decoding *task.Manifest")))
	})
	It("should refuse decoding into a non-pointer", func() {
		var out string
		data := blob.MustEncode("x")
		Expect(blob.Decode(data, out)).ToNot(Succeed())
	})
})
