package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/lumen/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[gc]
pause = 150
step-mul = 400
step-size = 2048
memory-limit = 67108864

[stack]
max-size = 500000
max-calls = 1000
max-native-calls = 100

[log]
verbosity = 2
file = "lumen.log"

[run]
entry = "main.lch"
profile = "profile.db"
profile-every = 500
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.GC.Pause != 150 || m.GC.StepMul != 400 || m.GC.StepSize != 2048 {
		t.Errorf("gc = %+v", m.GC)
	}
	if m.GC.MemoryLimit != 64<<20 {
		t.Errorf("memory-limit = %d", m.GC.MemoryLimit)
	}
	if m.Stack.MaxSize != 500000 || m.Stack.MaxCalls != 1000 || m.Stack.MaxNativeCalls != 100 {
		t.Errorf("stack = %+v", m.Stack)
	}
	if m.Log.Verbosity != 2 || m.Log.File != "lumen.log" {
		t.Errorf("log = %+v", m.Log)
	}
	if m.Run.Entry != "main.lch" || m.Run.ProfileEvery != 500 {
		t.Errorf("run = %+v", m.Run)
	}
	if got := m.Path(m.Run.Profile); got != filepath.Join(m.Dir, "profile.db") {
		t.Errorf("profile path = %q", got)
	}

	cfg := m.VMConfig()
	if cfg.GCPause != 150 || cfg.GCStepMul != 400 || cfg.GCStepSize != 2048 || cfg.MemoryLimit != 64<<20 {
		t.Errorf("VMConfig gc fields = %+v", cfg)
	}
	if cfg.MaxStackSize != 500000 || cfg.MaxCalls != 1000 || cfg.MaxNativeCalls != 100 {
		t.Errorf("VMConfig stack fields = %+v", cfg)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[gc]
pause = 300
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.VMConfig()
	want := vm.DefaultConfig()
	if cfg.GCPause != 300 {
		t.Errorf("GCPause = %d, want 300", cfg.GCPause)
	}
	if cfg.GCStepMul != want.GCStepMul || cfg.MaxCalls != want.MaxCalls || cfg.MemoryLimit != 0 {
		t.Errorf("unset fields lost their defaults: %+v", cfg)
	}

	var none *Manifest
	if none.VMConfig().MaxStackSize != want.MaxStackSize {
		t.Error("nil manifest does not give defaults")
	}
}

func TestLoadManifestRejects(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{"unknown key", "[gc]\npuase = 100\n", `unknown key "gc.puase"`},
		{"negative", "[stack]\nmax-calls = -1\n", "stack.max-calls must not be negative"},
		{"syntax", "[gc\n", "parse error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tc.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[run]\nentry = \"found.lch\"\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Run.Entry != "found.lch" {
		t.Errorf("entry = %q, want found.lch", m.Run.Entry)
	}
	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no lumen.toml exists")
	}
}

func TestPath(t *testing.T) {
	m := &Manifest{Dir: "/app"}
	if got := m.Path("out/p.db"); got != "/app/out/p.db" {
		t.Errorf("Path = %q", got)
	}
	if got := m.Path("/abs/p.db"); got != "/abs/p.db" {
		t.Errorf("Path of absolute = %q", got)
	}
	if got := m.Path(""); got != "" {
		t.Errorf("Path of empty = %q", got)
	}
}
