package converter

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Zing Mp3", "zing mp3"},
		{"  ZING   mp3 ", "zing mp3"},
		{"Zíng MP3", "zing mp3"},
		{"Đàn Ông Không Được Khóc", "dan ong khong duoc khoc"},
		{"Lạc Trôi", "lac troi"},
		{"", ""},
		{"\tzing\n", "zing"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPassthrough(t *testing.T) {
	c := NewPassthrough()
	if got := c.TradToSim("後來"); got != "後來" {
		t.Errorf("TradToSim() = %q", got)
	}
}
