package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifest = `
[project]
name = "calc"
version = "0.3.0"

[build]
entry = "main"
cache = ".yx/modules.db"

[vm]
max-call-depth = 256

[profile]
enabled = true

[natives]
clock = "sys_clock"
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Project.Name != "calc" || m.Project.Version != "0.3.0" {
		t.Errorf("project = %+v", m.Project)
	}
	if m.VM.MaxCallDepth != 256 {
		t.Errorf("max-call-depth = %d", m.VM.MaxCallDepth)
	}
	if m.Natives["clock"] != "sys_clock" {
		t.Errorf("natives = %v", m.Natives)
	}
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse([]byte("[project]\nname = \"calc\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Build.Entry != "main" {
		t.Errorf("default entry = %q", m.Build.Entry)
	}
	if m.Build.Output != "calc.yxbc" {
		t.Errorf("default output = %q", m.Build.Output)
	}
	if m.ProfilePath() != "" {
		t.Error("profile path set with profiling off")
	}
	if m.CachePath() != "" {
		t.Error("cache path set with no cache configured")
	}
}

func TestParseRejectsNegativeDepth(t *testing.T) {
	if _, err := Parse([]byte("[vm]\nmax-call-depth = -1\n")); err == nil {
		t.Error("negative depth accepted")
	}
}

func TestLoadAndFind(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "src", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "yx.toml"), []byte(sampleManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m == nil {
		t.Fatal("manifest not found from nested directory")
	}
	if m.Dir == "" {
		t.Error("Dir not recorded")
	}
	if got := m.CachePath(); got != filepath.Join(m.Dir, ".yx/modules.db") {
		t.Errorf("cache path = %q", got)
	}
	if got := m.ProfilePath(); got != filepath.Join(m.Dir, "profile.duckdb") {
		t.Errorf("profile path = %q", got)
	}
}

func TestFindAndLoadMissing(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m != nil {
		t.Error("phantom manifest found")
	}
}
