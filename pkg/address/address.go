// Package address implements the canonical, comparable identity of a
// cluster member: a human-readable multi-segment string of the form
// /ip4/<A.B.C.D>/tcp/<port> or /ip6/<addr>/tcp/<port>, optionally
// followed by opaque trailing segments.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is the canonical identity of a cluster member. It compares
// by its normalized string form, which carries the host and port plus
// any opaque tail segments a deployment wants to attach (shard id,
// rack, generation marker, ...); DialTarget gives the host:port form
// the transport dials.
type Address struct {
	Family string // "ip4" or "ip6"
	Host   string
	Port   int
	Tail   []string // opaque trailing segments, compared verbatim
}

// Parse parses a canonical address string such as
// "/ip4/127.0.0.1/tcp/9090" or "/ip6/::1/tcp/9090/shard-3".
func Parse(s string) (Address, error) {
	segs := strings.Split(strings.Trim(s, "/"), "/")
	if len(segs) < 4 {
		return Address{}, fmt.Errorf("address: %q: need at least /ipN/<host>/tcp/<port>", s)
	}
	family := segs[0]
	if family != "ip4" && family != "ip6" {
		return Address{}, fmt.Errorf("address: %q: unknown family %q", s, family)
	}
	host := segs[1]
	if segs[2] != "tcp" {
		return Address{}, fmt.Errorf("address: %q: expected tcp segment, got %q", s, segs[2])
	}
	port, err := strconv.Atoi(segs[3])
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("address: %q: invalid port %q", s, segs[3])
	}

	var tail []string
	if len(segs) > 4 {
		tail = append(tail, segs[4:]...)
	}

	return Address{Family: family, Host: host, Port: port, Tail: tail}, nil
}

// MustParse is Parse but panics on error; intended for literal
// addresses in tests and static configuration.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the canonical normalized form, which is also the
// comparison/identity key.
func (a Address) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "/%s/%s/tcp/%d", a.Family, a.Host, a.Port)
	for _, t := range a.Tail {
		b.WriteByte('/')
		b.WriteString(t)
	}
	return b.String()
}

// ID is the stable comparable identity used as a map key throughout
// the rest of the system (log peer sets, transport connection pool,
// vote tallies, ...). It is simply the normalized string.
func (a Address) ID() string { return a.String() }

// Equal reports whether two addresses have the same normalized form.
func (a Address) Equal(other Address) bool { return a.String() == other.String() }

// DialTarget returns the host:port pair suitable for net.Dial,
// discarding the family tag and any opaque tail.
func (a Address) DialTarget() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether this is the zero-value Address (used as a
// "no leader known" / "no vote cast" sentinel).
func (a Address) IsZero() bool { return a.Host == "" && a.Port == 0 && a.Family == "" }
