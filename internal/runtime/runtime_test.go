package runtime

import (
	"strings"
	"testing"
)

func TestBuildTag(t *testing.T) {
	t.Parallel()

	got := BuildTag("dep-1234")
	want := "dprod-dep-1234:latest"
	if got != want {
		t.Fatalf("BuildTag() = %q, want %q", got, want)
	}
}

func TestContainerName(t *testing.T) {
	t.Parallel()

	name := ContainerName("My Cool App")
	if !strings.HasPrefix(name, "dprod-my-cool-app-") {
		t.Fatalf("ContainerName() = %q, want dprod-my-cool-app-<suffix>", name)
	}

	suffix := strings.TrimPrefix(name, "dprod-my-cool-app-")
	if len(suffix) != 8 {
		t.Fatalf("random suffix %q has length %d, want 8", suffix, len(suffix))
	}

	// Two names for the same project must differ.
	if other := ContainerName("My Cool App"); other == name {
		t.Fatalf("ContainerName() returned duplicate %q", name)
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase passthrough", "myapp", "myapp"},
		{"uppercase folded", "MyApp", "myapp"},
		{"spaces to hyphens", "my cool app", "my-cool-app"},
		{"special chars squashed", "app@v2!", "app-v2"},
		{"dots kept", "app.v2", "app.v2"},
		{"empty falls back", "", "project"},
		{"only junk falls back", "???", "project"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := slugify(tc.in); got != tc.want {
				t.Fatalf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFlattenEnvSorted(t *testing.T) {
	t.Parallel()

	got := flattenEnv(map[string]string{
		"PORT":     "3000",
		"NODE_ENV": "production",
		"APP":      "demo",
	})

	want := []string{"APP=demo", "NODE_ENV=production", "PORT=3000"}
	if len(got) != len(want) {
		t.Fatalf("flattenEnv() returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flattenEnv()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if flattenEnv(nil) != nil {
		t.Fatal("flattenEnv(nil) should be nil")
	}
}
