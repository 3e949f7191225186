package permit

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Fingerprint computes a deterministic hash over canonical fields.
// Keys are serialized in sorted order; list values keep their order
// (order matters for applicable_codes). Nil values participate so that
// a field transitioning value→nil still reads as a change.
func Fingerprint(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0x1f})
		writeValue(h, fields[k])
		h.Write([]byte{0x1e})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeValue(w io.Writer, v any) {
	switch val := v.(type) {
	case nil:
		w.Write([]byte{0x00})
	case string:
		io.WriteString(w, val)
	case []string:
		io.WriteString(w, strings.Join(val, "\x1f"))
	default:
		fmt.Fprintf(w, "%v", val)
	}
}

// identityFields are hashed for record identity when no natural key exists.
// A heuristic: a legitimately-edited record whose title, address and date
// all change at once will read as brand-new. Known approximation.
var identityFields = []string{FieldTitle, FieldAddress, FieldJurisdiction, FieldIssuedDate}

// ComputeRecordID derives the stable record identity.
// With a source-assigned natural key (permit number, feed GUID, API row id)
// the id is "<kind>:<key>". Without one, it falls back to a content hash of
// the identity fields so dedup still works across runs.
func ComputeRecordID(kind SourceKind, naturalKey string, fields Fields) string {
	if naturalKey != "" {
		return string(kind) + ":" + naturalKey
	}
	h := sha256.New()
	for _, k := range identityFields {
		writeValue(h, fields[k])
		h.Write([]byte{0x1e})
	}
	return fmt.Sprintf("%s:%x", kind, h.Sum(nil)[:16])
}
