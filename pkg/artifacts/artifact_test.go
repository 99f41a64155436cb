package artifacts

import (
	"archive/zip"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "artifact.zip")
	out, err := os.Create(p)
	if err != nil {
		t.Fatalf("failed to create zip: %v", err)
	}
	zw := zip.NewWriter(out)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}
	return p
}

func TestOpen_Zip(t *testing.T) {
	p := writeZip(t, map[string]string{
		"install-workflow.yml": "name: demo\n",
		"scripts/setup.sh":     "echo hi\n",
	})

	a, err := Open(p)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	if !a.Exists("install-workflow.yml") || !a.Exists("./scripts/setup.sh") {
		t.Error("Expected files to exist")
	}
	if a.Exists("missing.txt") || a.Exists("../etc/passwd") {
		t.Error("Unexpected file reported")
	}

	data, err := a.ReadFile("scripts/setup.sh")
	if err != nil || string(data) != "echo hi\n" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	files, err := a.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if want := []string{"install-workflow.yml", "scripts/setup.sh"}; !reflect.DeepEqual(files, want) {
		t.Errorf("Files() = %v, want %v", files, want)
	}
}

func TestOpen_ZipStripsCommonRoot(t *testing.T) {
	p := writeZip(t, map[string]string{
		"redis-7.2.0/install-workflow.yml": "name: demo\n",
		"redis-7.2.0/docker-compose.yml":   "services: {}\n",
	})

	a, err := Open(p)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	if !a.Exists("docker-compose.yml") {
		t.Error("Expected root directory to be stripped")
	}
}

func TestOpen_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "conf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conf", "app.conf"), []byte("x=1"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	dest := t.TempDir()
	written, err := a.Extract("conf/app.conf", dest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if written != filepath.Join(dest, "conf", "app.conf") {
		t.Errorf("Unexpected extract path %s", written)
	}
	data, _ := os.ReadFile(written)
	if string(data) != "x=1" {
		t.Errorf("Unexpected content %q", data)
	}
}

func TestExtract_RejectsEscapes(t *testing.T) {
	a, err := Open(writeZip(t, map[string]string{"a.txt": "a"}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	for _, name := range []string{"../a.txt", "/etc/passwd", ".."} {
		if _, err := a.Extract(name, t.TempDir()); err == nil {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
}

func TestExtractAll(t *testing.T) {
	a, err := Open(writeZip(t, map[string]string{"a.txt": "a", "b/c.txt": "c"}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	dest := t.TempDir()
	if err := a.ExtractAll(dest); err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	for _, name := range []string{"a.txt", "b/c.txt"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("Expected %s to be extracted: %v", name, err)
		}
	}
}

func TestOpen_NotZip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "junk.bin")
	if err := os.WriteFile(p, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(p); err == nil {
		t.Error("Expected error for non-zip file")
	}
}
