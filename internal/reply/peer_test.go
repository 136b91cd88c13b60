package reply

import "testing"

func TestNormalizePeer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999990000", "5511999990000"},
		{"5511999990000@c.us", "5511999990000"},
		{"5511999990000@s.whatsapp.net", "5511999990000"},
		{"5511999990000:12@s.whatsapp.net", "5511999990000"},
		{"011999990000", "5511999990000"},
		{"(11) 99999-0000", "5511999990000"},
		{"@alice:example.org", "@alice:example.org"},
		{"120363@g.us", "120363@g.us"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizePeer(tt.in, "55"); got != tt.want {
			t.Errorf("NormalizePeer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
