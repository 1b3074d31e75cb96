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

// Package blob is the single wire codec for every object we put in the
// bucket: task envelopes, result envelopes, status records, and session
// manifests. Clients and workers must agree on one codec, so nothing
// outside this package names the encoding.
package blob

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/lo"
)

// Raw is an already-encoded value carried opaquely inside another record.
// The dispatcher never looks inside one; only the worker runtime decodes it.
type Raw = cbor.RawMessage

var (
	// Canonical map ordering keeps encoding deterministic, so re-encoding an
	// unchanged value yields byte-identical blobs and stable object ETags.
	encMode = lo.Must(cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeUnixMicro,
		TimeTag: cbor.EncTagRequired,
	}.EncMode())
	decMode = lo.Must(cbor.DecOptions{}.DecMode())
)

// Encode serializes v into the cluster-wide wire format.
func Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T, %w", v, err)
	}
	return data, nil
}

// Decode deserializes data into the value pointed at by into.
func Decode(data []byte, into any) error {
	if err := decMode.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decoding %T, %w", into, err)
	}
	return nil
}

// MustEncode is Encode for values known to be encodable. It panics on
// failure and exists for tests and static fixtures only.
func MustEncode(v any) []byte {
	return lo.Must(Encode(v))
}
