package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/models"
)

// crateArchive builds a gzipped tarball with the standard single
// name-version top-level directory.
func crateArchive(t *testing.T, topDir string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: topDir + "/" + name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRegistryFetcherDownloadsAndExtracts(t *testing.T) {
	sub := models.Subject{Name: "foo", Version: "1.2.3"}
	archive := crateArchive(t, "foo-1.2.3", map[string]string{
		"Cargo.toml":  "[package]\nname = \"foo\"\n",
		"src/lib.rs":  "pub fn f() {}",
		"src/util.rs": "pub fn g() {}",
	})

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/foo/1.2.3/download" {
			http.NotFound(w, r)
			return
		}
		w.Write(archive)
	}))
	defer srv.Close()

	downloadDir := t.TempDir()
	f := NewRegistryFetcher(config.FetchConfig{RegistryURL: srv.URL, DownloadDir: downloadDir})

	srcDir, err := f.Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if srcDir != filepath.Join(downloadDir, "foo", "foo-1.2.3") {
		t.Fatalf("unexpected source dir %s", srcDir)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "src", "lib.rs")); err != nil {
		t.Fatalf("extracted tree incomplete: %v", err)
	}

	// Second fetch must hit the on-disk cache, not the registry.
	if _, err := f.Fetch(context.Background(), sub); err != nil {
		t.Fatalf("cached Fetch: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected 1 download, got %d", requests)
	}
}

func TestRegistryFetcherReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewRegistryFetcher(config.FetchConfig{RegistryURL: srv.URL, DownloadDir: t.TempDir()})
	_, err := f.Fetch(context.Background(), models.Subject{Name: "gone", Version: "0.1.0"})
	if err == nil {
		t.Fatal("expected error for missing crate")
	}
}

func TestExtractCrateRejectsPathEscape(t *testing.T) {
	archive := crateArchive(t, "..", map[string]string{"evil.txt": "boom"})
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.crate")
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := extractCrate(path, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected escape to be rejected")
	}
}
