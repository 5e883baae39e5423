package record

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a hex-encoded BLAKE2b-256 digest of the record's shape and
// fields. encoding/json sorts map keys, so equal records always share a fingerprint.
//
// Values that cannot be JSON encoded (channels, funcs, NaN) are rendered with
// their fmt representation first so the digest stays total.
func Fingerprint(r *Record) string {
	payload, err := json.Marshal(r)
	if err != nil {
		payload = []byte(string(r.shape) + fmtFields(r))
	}

	sum := blake2b.Sum256(payload)

	return hex.EncodeToString(sum[:])
}

func fmtFields(r *Record) string {
	out := ""
	for _, k := range r.Keys() {
		v, _ := r.Get(k)
		out += k + "=" + fmtValue(v) + ";"
	}

	return out
}

func fmtValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	return string(b)
}
