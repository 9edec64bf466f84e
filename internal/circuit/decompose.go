package circuit

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/natural"
)

// ErrBadSequenceID is returned when a sequence identifier cannot be parsed.
var ErrBadSequenceID = errors.New("malformed jumper sequence id")

// SequenceID names jumper sequence Jumper of a circuit.
type SequenceID struct {
	Circuit string
	Jumper  int
}

func (id SequenceID) String() string {
	return fmt.Sprintf("%s_jumper%d", id.Circuit, id.Jumper)
}

// MarshalText encodes the identifier in its String form.
func (id SequenceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the String form.
func (id *SequenceID) UnmarshalText(b []byte) error {
	parsed, err := ParseSequenceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseSequenceID is the inverse of SequenceID.String.
func ParseSequenceID(s string) (SequenceID, error) {
	i := strings.LastIndex(s, "_jumper")
	if i <= 0 {
		return SequenceID{}, fmt.Errorf("%w: %q", ErrBadSequenceID, s)
	}
	k, err := strconv.Atoi(s[i+len("_jumper"):])
	if err != nil || k < 1 {
		return SequenceID{}, fmt.Errorf("%w: %q", ErrBadSequenceID, s)
	}
	return SequenceID{Circuit: s[:i], Jumper: k}, nil
}

// Sequence is the ordered, deduplicated list of rows for one jumper.
type Sequence struct {
	Jumper int
	RowIDs []int64
}

// MaxJumpers returns the highest jumper index any row reaches.
func MaxJumpers(records []Record) int {
	max := 0
	for i := range records {
		if j := records[i].Jumpers(); j > max {
			max = j
		}
	}
	return max
}

// Decompose computes every jumper sequence of a circuit. The result depends
// only on circuitID and records: rows are considered in slice order, which
// also breaks ties between equal sort keys.
func Decompose(circuitID string, records []Record) []Sequence {
	special := IsSpecialCase(circuitID)
	maxK := MaxJumpers(records)
	seqs := make([]Sequence, 0, maxK)
	for k := 1; k <= maxK; k++ {
		seqs = append(seqs, Sequence{Jumper: k, RowIDs: buildSequence(records, k, special)})
	}
	return seqs
}

type candidate struct {
	rowID int64
	view  EndpointView
}

func buildSequence(records []Record, k int, special bool) []int64 {
	var cands []candidate
	for i := range records {
		r := &records[i]
		if r.Length < 2*k {
			continue
		}
		cands = append(cands, candidate{rowID: r.RowID, view: Resolve(r, k, special)})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return lessKey(cands[i].view.SortKey(), cands[j].view.SortKey())
	})

	// Identical sort key and serial means a duplicated source row; the
	// first one after sorting wins.
	seen := make(map[[5]string]struct{}, len(cands))
	ids := make([]int64, 0, len(cands))
	for _, c := range cands {
		sk := c.view.SortKey()
		key := [5]string{sk[0], sk[1], sk[2], sk[3], c.view.Serial}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, c.rowID)
	}
	return ids
}

// lessKey orders two sort keys element by element using natural string
// ordering, so "NS1.2" sorts before "NS1.10".
func lessKey(a, b [4]string) bool {
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if natural.Less(a[i], b[i]) {
			return true
		}
		if natural.Less(b[i], a[i]) {
			return false
		}
	}
	return false
}
