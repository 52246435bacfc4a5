package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/discovery-cli/internal/model"
)

// Key is everything that determines the output of a cached call. Two keys
// that canonicalize to the same bytes share one fingerprint.
type Key struct {
	Stage         model.Stage
	SchemaVersion int
	Model         string
	Params        any
	Input         any
}

// Fingerprint identifies one cached computation.
type Fingerprint struct {
	Stage model.Stage
	Hash  string
}

func (f Fingerprint) String() string { return f.Hash }

// NewFingerprint hashes the canonical form of k.
func NewFingerprint(k Key) (Fingerprint, error) {
	params, err := Canonicalize(k.Params)
	if err != nil {
		return Fingerprint{}, eris.Wrap(err, "cache: canonicalize params")
	}
	input, err := Canonicalize(k.Input)
	if err != nil {
		return Fingerprint{}, eris.Wrap(err, "cache: canonicalize input")
	}

	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(k.Stage),
		{byte(k.SchemaVersion >> 8), byte(k.SchemaVersion)},
		[]byte(normalizeString(k.Model)),
		params,
		input,
	} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return Fingerprint{Stage: k.Stage, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// Canonicalize renders v as JSON with sorted object keys and every string
// NFC-normalized, trimmed and whitespace-collapsed.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeValue(generic))
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return normalizeString(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[normalizeString(k)] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

func normalizeString(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
