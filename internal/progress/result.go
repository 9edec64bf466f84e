package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/eargollo/cfss/internal/circuit"
)

// Kind is the outcome class of a scan.
type Kind int

const (
	KindMatch Kind = iota + 1
	KindNonMatch
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindMatch:
		return "match"
	case KindNonMatch:
		return "non_match"
	case KindSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Result is the recorded outcome at one sequence position. Reason is only
// meaningful for KindSkip.
type Result struct {
	Kind   Kind
	Reason string
}

// Match and NonMatch are the two serial-check outcomes.
var (
	Match    = Result{Kind: KindMatch}
	NonMatch = Result{Kind: KindNonMatch}
)

// Skip records a position that was passed over for the given reason.
func Skip(reason string) Result {
	return Result{Kind: KindSkip, Reason: reason}
}

// MarshalJSON encodes Match as true, NonMatch as false and a skip as its
// reason string.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindMatch:
		return []byte("true"), nil
	case KindNonMatch:
		return []byte("false"), nil
	case KindSkip:
		return json.Marshal(r.Reason)
	default:
		return nil, fmt.Errorf("marshal result: invalid kind %d", r.Kind)
	}
}

func (r *Result) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("true")):
		*r = Match
	case bytes.Equal(b, []byte("false")):
		*r = NonMatch
	case len(b) > 0 && b[0] == '"':
		var reason string
		if err := json.Unmarshal(b, &reason); err != nil {
			return err
		}
		*r = Skip(reason)
	default:
		return fmt.Errorf("unmarshal result: unexpected value %s", b)
	}
	return nil
}

// EncodeResults serialises a position → result map for storage.
func EncodeResults(m map[int]Result) (string, error) {
	if m == nil {
		m = map[int]Result{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(b), nil
}

// DecodeResults parses a stored result map. Entries with a bad position or
// value are dropped and logged; a payload that is not a JSON object yields
// an empty map. The returned count is the number of entries dropped.
func DecodeResults(raw string) (map[int]Result, int) {
	out := make(map[int]Result)
	if strings.TrimSpace(raw) == "" {
		return out, 0
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Error("decode scan results: corrupt payload, starting empty", "error", err)
		return out, 1
	}
	dropped := 0
	for k, v := range entries {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			slog.Error("decode scan results: bad position", "position", k)
			dropped++
			continue
		}
		var res Result
		if err := json.Unmarshal(v, &res); err != nil {
			slog.Error("decode scan results: bad value", "position", idx, "error", err)
			dropped++
			continue
		}
		out[idx] = res
	}
	return out, dropped
}

// CheckSerial compares a scanned serial against the expected one. A row
// without an expected serial can never match.
func CheckSerial(scanned, expected string) Result {
	expected = strings.TrimSpace(expected)
	if expected == "" || strings.EqualFold(expected, circuit.NotAvailable) {
		return NonMatch
	}
	if strings.EqualFold(strings.TrimSpace(scanned), expected) {
		return Match
	}
	return NonMatch
}
