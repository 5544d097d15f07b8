package jobqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ArgsHash returns a collision-resistant, order-independent identifier for
// (name, args), used by enqueue's duplicate-instance check and formerly
// computed as an MD5 of the pair in the reference design. encoding/json
// already serializes Go maps with keys sorted lexicographically, which
// gives us the canonical form the hash needs without a bespoke encoder; the
// hash itself is SHA-256 (256 bits) rather than a non-cryptographic hash
// like xxhash (64 bits, too short to be collision-resistant at the scale a
// shared queue runs at).
func ArgsHash(name string, args map[string]any) string {
	type key struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(key{Name: name, Args: args})
	if err != nil {
		// Unmarshalable args would already have failed at enqueue-time
		// JSON decoding; fall back to hashing the name alone so callers
		// never see a hashing error.
		b = []byte(name)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
