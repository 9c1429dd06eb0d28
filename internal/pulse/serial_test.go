package pulse

import "testing"

func TestParsePulseLine(t *testing.T) {
	cases := []struct {
		line string
		want int64
		ok   bool
	}{
		{"P", 1, true},
		{"P 4", 4, true},
		{"  P 12  ", 12, true},
		{"P 0", 0, false},
		{"P -3", 0, false},
		{"P x", 0, false},
		{"", 0, false},
		{"booting rig v2", 0, false},
		{"PULSE", 0, false},
	}

	for _, tc := range cases {
		n, ok := parsePulseLine(tc.line)
		if ok != tc.ok || n != tc.want {
			t.Errorf("parsePulseLine(%q) = (%d, %v), want (%d, %v)", tc.line, n, ok, tc.want, tc.ok)
		}
	}
}

func TestSerialSource_HandleLine(t *testing.T) {
	var c Counter
	s := &SerialSource{counter: &c}

	s.handleLine("P")
	s.handleLine("P 5")
	s.handleLine("garbage")
	s.handleLine("P -1")

	if c.Total() != 6 {
		t.Errorf("total = %d, want 6", c.Total())
	}
}
