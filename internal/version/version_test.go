package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	out := String()
	for _, want := range []string{"twinst dev", "commit: unknown", "go: go"} {
		if !strings.Contains(out, want) {
			t.Fatalf("版本信息缺少 %q:\n%s", want, out)
		}
	}
}
