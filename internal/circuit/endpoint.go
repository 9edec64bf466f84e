package circuit

import (
	"fmt"
	"strings"
)

// Side tags which part of a row an EndpointView was drawn from.
type Side int

const (
	SideA Side = iota
	SideZ
	SidePort
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideZ:
		return "Z"
	default:
		return "P"
	}
}

// MarshalText encodes the side as "A", "Z" or "P".
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndpointView is the endpoint a given jumper of a row terminates on.
// For A/Z views Container holds the device, Cassette the interface, and
// Label is empty.
type EndpointView struct {
	Side      Side   `json:"side"`
	Port      int    `json:"port,omitempty"` // slot number, only for SidePort
	Location  string `json:"location"`
	Container string `json:"container"`
	Cassette  string `json:"cassette"`
	Label     string `json:"label,omitempty"`
	Serial    string `json:"serial"`
}

// Tag names the slot: "A", "Z" or "P<n>".
func (v EndpointView) Tag() string {
	if v.Side == SidePort {
		return fmt.Sprintf("P%d", v.Port)
	}
	return v.Side.String()
}

// SortKey is the tuple jumper sequences are ordered by.
func (v EndpointView) SortKey() [4]string {
	return [4]string{v.Location, v.Container, v.Cassette, v.Label}
}

// LocationKey fingerprints the physical port. It correlates the same port
// across re-imports and never includes the serial.
func (v EndpointView) LocationKey() string {
	parts := []string{v.Tag(), v.Location, v.Container, v.Cassette}
	if v.Side == SidePort {
		parts = append(parts, v.Label)
	}
	return strings.Join(parts, "|")
}

// PortForJumper maps a jumper index to the port slot it starts from when
// neither the A nor Z rule applies.
func PortForJumper(k int) int {
	switch k {
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 4
	case 4:
		return 7
	default:
		return 2 * (k - 1)
	}
}

// HasZ reports whether the row carries Z-side data.
func HasZ(r *Record) bool {
	z := strings.ToUpper(strings.TrimSpace(r.Z.Location))
	return z != "" && z != NotAvailable
}

// Resolve selects the endpoint jumper k of r is identified by. It is the only
// implementation of the A/Z/Port selection rule; ordering, deduplication,
// migration keys and reporting all go through it.
func Resolve(r *Record, k int, special bool) EndpointView {
	hasZ := HasZ(r)
	if k == 1 {
		if special {
			if r.Length == 2 {
				return aView(r)
			}
			return portView(r, 1)
		}
		if hasZ {
			return aView(r)
		}
		return portView(r, 1)
	}
	if k == r.Length/2 && hasZ {
		return zView(r)
	}
	return portView(r, PortForJumper(k))
}

func aView(r *Record) EndpointView {
	return EndpointView{
		Side:      SideA,
		Location:  r.A.Location,
		Container: r.A.Device,
		Cassette:  r.A.Interface,
		Serial:    r.A.Serial,
	}
}

func zView(r *Record) EndpointView {
	return EndpointView{
		Side:      SideZ,
		Location:  r.Z.Location,
		Container: r.Z.Device,
		Cassette:  r.Z.Interface,
		Serial:    r.Z.Serial,
	}
}

func portView(r *Record, n int) EndpointView {
	p := r.Port(n)
	return EndpointView{
		Side:      SidePort,
		Port:      n,
		Location:  p.Location,
		Container: p.Container,
		Cassette:  p.Cassette,
		Label:     p.Label,
		Serial:    p.Serial,
	}
}

// Matches reports whether query (case-insensitive) occurs in any of the
// view's identifying fields.
func (v EndpointView) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	text := strings.ToLower(strings.Join([]string{v.Location, v.Container, v.Cassette, v.Label}, " "))
	return strings.Contains(text, q)
}
