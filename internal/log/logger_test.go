package log

import "testing"

func TestHex(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0x00000000"},
		{0x0d800010, "0x0d800010"},
		{0xFFFFFFFF, "0xffffffff"},
		{0x100000000, "0x100000000"},
	}
	for _, tt := range tests {
		if got := Hex(tt.in); got != tt.want {
			t.Errorf("Hex(0x%x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetWithoutInit(t *testing.T) {
	l := Get().WithCategory("test").WithSession("s1")
	if l == nil || l.Logger == nil {
		t.Fatal("Get returned nil logger")
	}
	// Must not panic on a nop logger.
	l.Access("read", 0x0d800010, 4, 1, 0x0d400004)
	l.Fault(0x0d400004, nil)
}
