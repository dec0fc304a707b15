package address

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"/ip4/127.0.0.1/tcp/9090",
		"/ip6/::1/tcp/9090",
		"/ip4/10.0.0.1/tcp/9090/shard-3",
	}
	for _, s := range cases {
		a, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := a.String(); got != s {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"/ip4/127.0.0.1",
		"/ip5/127.0.0.1/tcp/9090",
		"/ip4/127.0.0.1/udp/9090",
		"/ip4/127.0.0.1/tcp/notaport",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", s)
		}
	}
}

func TestEqualComparesNormalizedForm(t *testing.T) {
	a := MustParse("/ip4/127.0.0.1/tcp/9090")
	b := MustParse("/ip4/127.0.0.1/tcp/9090")
	if !a.Equal(b) {
		t.Errorf("expected equal addresses")
	}
	c := MustParse("/ip4/127.0.0.1/tcp/9091")
	if a.Equal(c) {
		t.Errorf("expected unequal addresses")
	}
}

func TestDialTarget(t *testing.T) {
	a := MustParse("/ip4/127.0.0.1/tcp/9090")
	if got, want := a.DialTarget(), "127.0.0.1:9090"; got != want {
		t.Errorf("DialTarget() = %q, want %q", got, want)
	}
}

func TestIsZero(t *testing.T) {
	var a Address
	if !a.IsZero() {
		t.Errorf("zero value should report IsZero")
	}
	if MustParse("/ip4/127.0.0.1/tcp/1").IsZero() {
		t.Errorf("parsed address should not report IsZero")
	}
}
