// Package pipeline runs one affected subject through acquisition,
// call-graph analysis and artifact persistence. Each subject is
// isolated: a failing subject records its failure stage and never
// aborts the run.
package pipeline

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/models"
)

// Sentinel errors naming the pipeline stage that failed.
var (
	// ErrAcquire marks source acquisition failures (download, extract,
	// clone).
	ErrAcquire = errors.New("source acquisition failed")
	// ErrAnalyze marks analyzer invocation or output failures.
	ErrAnalyze = errors.New("analysis failed")
)

// Fetcher acquires a subject's source tree and returns its local path.
type Fetcher interface {
	Fetch(ctx context.Context, sub models.Subject) (string, error)
}

// RegistryFetcher downloads .crate archives from the registry download
// endpoint and extracts them under the download directory. Extracted
// trees are cached: a subject already on disk is never re-downloaded.
type RegistryFetcher struct {
	baseURL     string
	downloadDir string
	http        *http.Client
}

// NewRegistryFetcher returns a fetcher for cfg.RegistryURL with a
// 60-second per-download timeout.
func NewRegistryFetcher(cfg config.FetchConfig) *RegistryFetcher {
	return &RegistryFetcher{
		baseURL:     strings.TrimRight(cfg.RegistryURL, "/"),
		downloadDir: cfg.DownloadDir,
		http:        &http.Client{Timeout: 60 * time.Second},
	}
}

// Fetch returns the extracted source directory for sub, downloading the
// archive on a cache miss. The registry archive unpacks into a single
// "name-version" top-level directory.
func (f *RegistryFetcher) Fetch(ctx context.Context, sub models.Subject) (string, error) {
	srcDir := filepath.Join(f.downloadDir, sub.Name, sub.Slug())
	if dirHasManifest(srcDir) {
		slog.Debug("Using cached crate source", "subject", sub.String(), "dir", srcDir)
		return srcDir, nil
	}

	archive := filepath.Join(f.downloadDir, sub.Name, sub.Slug()+".crate")
	if _, err := os.Stat(archive); err != nil {
		if err := f.download(ctx, sub, archive); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAcquire, err)
		}
	}

	if err := extractCrate(archive, filepath.Join(f.downloadDir, sub.Name)); err != nil {
		return "", fmt.Errorf("%w: extracting %s: %v", ErrAcquire, archive, err)
	}
	if !dirHasManifest(srcDir) {
		return "", fmt.Errorf("%w: archive for %s did not contain %s/Cargo.toml", ErrAcquire, sub.String(), sub.Slug())
	}
	return srcDir, nil
}

func (f *RegistryFetcher) download(ctx context.Context, sub models.Subject, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s/download", f.baseURL, sub.Name, sub.Version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	// Write through a temp file so a torn download never poisons the
	// archive cache.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".crate-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// metadata returns the crate-level registry metadata for pkg. Only the
// repository URL is consumed, by the git fallback.
func (f *RegistryFetcher) metadata(ctx context.Context, pkg string) (repositoryURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+pkg, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("crate metadata for %s: %w", pkg, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("crate metadata for %s: HTTP %d", pkg, resp.StatusCode)
	}

	var body struct {
		Crate struct {
			Repository string `json:"repository"`
		} `json:"crate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode crate metadata: %w", err)
	}
	return body.Crate.Repository, nil
}

func dirHasManifest(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "Cargo.toml"))
	return err == nil
}

// extractCrate unpacks a gzipped tarball into destDir, rejecting entries
// that escape it.
func extractCrate(archive, destDir string) error {
	file, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and special files are not expected in registry
			// archives; skip them.
		}
	}
}
