package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/CosmoTheDev/cratetracker/models"
)

// GitFetcher acquires subject sources by cloning the crate's upstream
// repository at the release tag. It is the fallback for crates whose
// registry archive cannot be downloaded (yanked versions, mirrors with
// gaps). The repository URL comes from the crate's registry metadata.
type GitFetcher struct {
	registry    *RegistryFetcher
	downloadDir string
}

func NewGitFetcher(registry *RegistryFetcher, downloadDir string) *GitFetcher {
	return &GitFetcher{registry: registry, downloadDir: downloadDir}
}

// Fetch clones the upstream repository at the tag matching sub.Version.
// Both the bare "1.2.3" and the "v1.2.3" tag conventions are tried.
func (g *GitFetcher) Fetch(ctx context.Context, sub models.Subject) (string, error) {
	dest := filepath.Join(g.downloadDir, sub.Name, sub.Slug()+"-git")
	if dirHasManifest(dest) {
		return dest, nil
	}

	repoURL, err := g.registry.metadata(ctx, sub.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAcquire, err)
	}
	if repoURL == "" {
		return "", fmt.Errorf("%w: %s has no repository URL in registry metadata", ErrAcquire, sub.Name)
	}

	for _, tag := range []string{sub.Version, "v" + sub.Version} {
		slog.Debug("Cloning at release tag", "subject", sub.String(), "url", repoURL, "tag", tag)
		_, err = gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
			URL:           repoURL,
			Depth:         1,
			ReferenceName: plumbing.NewTagReferenceName(tag),
			SingleBranch:  true,
		})
		if err == nil {
			return dest, nil
		}
		os.RemoveAll(dest)
	}
	return "", fmt.Errorf("%w: cloning %s at tag %s/v%s: %v", ErrAcquire, repoURL, sub.Version, sub.Version, err)
}
