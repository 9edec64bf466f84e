package circuit

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NotAvailable is stored for allow-listed fields missing from a source file.
const NotAvailable = "N/A"

// NumPorts is the number of intermediate port slots carried by a row.
const NumPorts = 8

// Endpoint is an A-side or Z-side termination.
type Endpoint struct {
	Location  string `json:"location"`
	Device    string `json:"device"`
	Interface string `json:"interface"`
	Serial    string `json:"serial"`
}

// Port is one numbered patch-panel slot between the A and Z sides.
type Port struct {
	Location  string `json:"location"`
	Container string `json:"container"`
	Cassette  string `json:"cassette"`
	Label     string `json:"port"`
	Serial    string `json:"serial"`
}

// Record is one wide circuit row. Length is the number of endpoints on the
// path, so the row carries Length/2 jumper segments.
type Record struct {
	RowID  int64          `json:"row_id"`
	Length int            `json:"length"`
	A      Endpoint       `json:"a"`
	Z      Endpoint       `json:"z"`
	Ports  [NumPorts]Port `json:"ports"`
}

// Jumpers returns how many jumper segments the row describes.
func (r *Record) Jumpers() int {
	if r.Length < 2 {
		return 0
	}
	return r.Length / 2
}

// Port returns slot n (1-based). Slots outside 1..NumPorts read as empty.
func (r *Record) Port(n int) Port {
	if n < 1 || n > NumPorts {
		return Port{}
	}
	return r.Ports[n-1]
}

// Columns is the canonical allow-list of source fields, in storage order.
// "length" is always first; the remainder are text fields.
var Columns = buildColumns()

func buildColumns() []string {
	cols := []string{"length", "a_location", "a_device", "a_interface", "a_jumper_serial"}
	for n := 1; n <= NumPorts; n++ {
		cols = append(cols,
			fmt.Sprintf("port_%d_location", n),
			fmt.Sprintf("port_%d_container", n),
			fmt.Sprintf("port_%d_cassette", n),
			fmt.Sprintf("port_%d", n),
			fmt.Sprintf("port_%d_jumper_serial", n),
		)
	}
	return append(cols, "z_location", "z_device", "z_interface", "z_jumper_serial")
}

// TextColumns is Columns without "length".
func TextColumns() []string { return Columns[1:] }

// TextFields returns pointers to the record's text fields in TextColumns
// order. Used by both the CSV parser and the SQL scanner.
func (r *Record) TextFields() []*string {
	f := []*string{&r.A.Location, &r.A.Device, &r.A.Interface, &r.A.Serial}
	for i := range r.Ports {
		p := &r.Ports[i]
		f = append(f, &p.Location, &p.Container, &p.Cassette, &p.Label, &p.Serial)
	}
	return append(f, &r.Z.Location, &r.Z.Device, &r.Z.Interface, &r.Z.Serial)
}

// NormalizeHeader maps a source header to its canonical column form:
// trimmed, lower-cased, with spaces and hyphens turned into underscores.
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Join(strings.Fields(h), "_")
	return strings.ReplaceAll(h, "-", "_")
}

// IDFromPath derives the circuit identifier from a source file path.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(strings.ToLower(base), "-", "_")
}

// IsSpecialCase reports whether the circuit uses the CSW first-jumper rule.
func IsSpecialCase(circuitID string) bool {
	return strings.Contains(strings.ToLower(circuitID), "csw")
}
