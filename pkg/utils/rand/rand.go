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

// Package rand generates the short opaque suffixes that keep worker
// identities unique without coordination.
package rand

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// Unpadded so suffixes embed cleanly in identifiers and object keys.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// String returns n characters of lowercase base32 randomness.
func String(n int) string {
	buf := make([]byte, n*5/8+1)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return strings.ToLower(encoding.EncodeToString(buf)[:n])
}
