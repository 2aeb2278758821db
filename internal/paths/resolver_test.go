package paths

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestResolve(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	r := New(map[string]string{
		"data":    "/var/lib/tadpole",
		"dataset": "/srv/datasets",
		"config":  "~/etc/tadpole",
		"empty":   "",
	})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"data prefix", "data:servers/photos", filepath.Join("/var/lib/tadpole", "servers", "photos")},
		{"bare prefix", "data:", "/var/lib/tadpole"},
		{"longer prefix wins", "dataset:faces", filepath.Join("/srv/datasets", "faces")},
		{"root with tilde", "config:frog.py", filepath.Join(home, "etc", "tadpole", "frog.py")},
		{"tilde path", "~/bin/server", filepath.Join(home, "bin", "server")},
		{"bare tilde", "~", home},
		{"tilde user unchanged", "~bob/x", "~bob/x"},
		{"command name unchanged", "python", "python"},
		{"absolute unchanged", "/usr/bin/node", "/usr/bin/node"},
		{"skipped empty root", "empty:x", "empty:x"},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_Nil(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("data:x"); got != "data:x" {
		t.Errorf("nil Resolve = %q", got)
	}
}

func TestResolveAll(t *testing.T) {
	r := New(map[string]string{"data": "/d"})
	args := []string{"--db", "data:photos.db", "--verbose"}
	r.ResolveAll(args)
	want := []string{"--db", filepath.Join("/d", "photos.db"), "--verbose"}
	if !slices.Equal(args, want) {
		t.Errorf("ResolveAll = %v, want %v", args, want)
	}
}
