package heal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/warden/internal/oracle"
)

func TestManifestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deps", "requirements.txt")
	m := &Manifest{Path: path}

	for _, name := range []string{"requests", " flask ", "requests"} {
		written, err := m.Append(name)
		if err != nil {
			t.Fatalf("Append(%q): %v", name, err)
		}
		if !written {
			t.Errorf("Append(%q) skipped without dedupe", name)
		}
	}

	entries, err := m.Entries()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"requests", "flask", "requests"}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}
}

func TestManifestAppendDedupe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(path, []byte("# pinned\nRequests\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m := &Manifest{Path: path, Dedupe: true}

	written, err := m.Append("requests")
	if err != nil || written {
		t.Errorf("duplicate should be skipped: written=%v err=%v", written, err)
	}
	written, err = m.Append("flask")
	if err != nil || !written {
		t.Errorf("new name should be written: written=%v err=%v", written, err)
	}
	entries, _ := m.Entries()
	if !reflect.DeepEqual(entries, []string{"Requests", "flask"}) {
		t.Errorf("entries = %v", entries)
	}
}

func TestManifestAppendMissingTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(path, []byte("numpy"), 0644); err != nil {
		t.Fatal(err)
	}
	m := &Manifest{Path: path}
	if _, err := m.Append("pandas"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "numpy\npandas\n" {
		t.Errorf("manifest = %q", data)
	}
}

func TestManifestAppendRejects(t *testing.T) {
	m := &Manifest{Path: filepath.Join(t.TempDir(), "requirements.txt")}
	if _, err := m.Append("  "); !errors.Is(err, ErrEmptyPackage) {
		t.Errorf("expected ErrEmptyPackage, got %v", err)
	}
	if _, err := m.Append("a\nb"); err == nil {
		t.Error("expected error for multi-line name")
	}
	if _, err := os.Stat(m.Path); !os.IsNotExist(err) {
		t.Error("rejected append must not create the manifest")
	}
}

func TestNewCommandInstaller(t *testing.T) {
	inst := NewCommandInstaller("pip install  -r {manifest}", time.Minute)
	if !reflect.DeepEqual(inst.Argv, []string{"pip", "install", "-r", "{manifest}"}) {
		t.Errorf("argv = %q", inst.Argv)
	}
}

func TestCommandInstaller(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	os.WriteFile(manifest, []byte("requests\n"), 0644)
	marker := filepath.Join(dir, "installed")

	tests := []struct {
		name    string
		argv    []string
		timeout time.Duration
		wantErr string
	}{
		{"success", []string{"/bin/sh", "-c", "cp {manifest} " + marker}, time.Second, ""},
		{"failure", []string{"/bin/sh", "-c", "echo boom >&2; exit 3"}, time.Second, "exit status 3: boom"},
		{"timeout", []string{"/bin/sleep", "5"}, 50 * time.Millisecond, "deadline exceeded"},
		{"empty", nil, time.Second, "no install command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &CommandInstaller{Argv: tt.argv, Timeout: tt.timeout}

			start := time.Now()
			err := inst.Install(context.Background(), manifest)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Install: %v", err)
				}
				if data, _ := os.ReadFile(marker); string(data) != "requests\n" {
					t.Errorf("placeholder not expanded, marker = %q", data)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
			if time.Since(start) > 3*time.Second {
				t.Errorf("install not bounded: %v", time.Since(start))
			}
		})
	}
}

type fakeInstaller struct {
	err   error
	calls []string
}

func (f *fakeInstaller) Install(ctx context.Context, manifest string) error {
	f.calls = append(f.calls, manifest)
	return f.err
}

func TestHeal(t *testing.T) {
	log := []byte(strings.Repeat("x", 5000) + "\nModuleNotFoundError: No module named 'foo'")

	tests := []struct {
		name        string
		suggest     string
		suggestOK   bool
		installErr  error
		manifestDir bool // make the manifest path a directory so Append fails
		want        Outcome
		wantInstall int
	}{
		{"healed", "foo-package", true, nil, false, Healed, 1},
		{"no suggestion", "", false, nil, false, NoSuggestion, 0},
		{"patch failed", "foo-package", true, nil, true, PatchFailed, 0},
		{"install failed", "foo-package", true, errors.New("pip exploded"), false, InstallFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "requirements.txt")
			if tt.manifestDir {
				os.MkdirAll(path, 0755)
			}
			var excerpt string
			inst := &fakeInstaller{err: tt.installErr}
			h := &Healer{
				Oracle: oracle.Func(func(_ context.Context, e string) (string, bool) {
					excerpt = e
					return tt.suggest, tt.suggestOK
				}),
				Manifest:     &Manifest{Path: path},
				Installer:    inst,
				ExcerptChars: 2000,
			}

			res := h.Heal(context.Background(), log)
			if res.Outcome != tt.want {
				t.Fatalf("outcome = %v, want %v (err %v)", res.Outcome, tt.want, res.Err)
			}
			if res.OK() != (tt.want == Healed) {
				t.Errorf("OK() = %v", res.OK())
			}
			if len(inst.calls) != tt.wantInstall {
				t.Errorf("installer called %d times, want %d", len(inst.calls), tt.wantInstall)
			}
			if len([]rune(excerpt)) != 2000 || !strings.HasSuffix(excerpt, "No module named 'foo'") {
				t.Errorf("excerpt not tail-bounded: len=%d", len(excerpt))
			}
			if tt.want == Healed {
				entries, _ := h.Manifest.Entries()
				if !reflect.DeepEqual(entries, []string{"foo-package"}) {
					t.Errorf("manifest = %v", entries)
				}
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		Healed:        "healed",
		NoSuggestion:  "no_suggestion",
		PatchFailed:   "patch_failed",
		InstallFailed: "install_failed",
	} {
		if o.String() != want {
			t.Errorf("%d.String() = %q", int(o), o.String())
		}
	}
}

func TestHealWithInstallerInOtherDir(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "app", "requirements.txt")
	h := &Healer{
		Oracle:       oracle.Func(func(context.Context, string) (string, bool) { return "requests", true }),
		Manifest:     &Manifest{Path: manifest},
		Installer:    &CommandInstaller{Argv: []string{"/bin/sh", "-c", "grep -q requests {manifest}"}, Dir: t.TempDir()},
		ExcerptChars: 2000,
	}

	res := h.Heal(context.Background(), []byte("ModuleNotFoundError: No module named 'requests'"))

	if !res.OK() {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
}
