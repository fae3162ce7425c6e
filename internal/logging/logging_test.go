package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct{ level, format string }{
		{"info", "json"},
		{"DEBUG", "console"},
		{"warn", ""},
	} {
		l, err := New(tc.level, tc.format)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.level, tc.format, err)
		}
		l.Info("ok")
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected bad level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected bad format error")
	}
}
