package qemu

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-logr/logr"
)

// DefaultImageCacheDir is where cuvette caches downloaded base images,
// adapted from pkg/qemu/image.go's ImageManager.
const DefaultImageCacheDir = "/var/lib/cuvette/images"

// imageCache downloads and caches VM base images by URL, and builds a
// per-machine qcow2 overlay backed by the cached image so concurrent VMs
// never share a writable disk, grounded on pkg/qemu/image.go's
// ImageManager (sha256-keyed cache filename, atomic rename-after-download;
// download progress is not logged) with the simulator-specific
// Ubuntu-jammy default kept as the fallback when Config.BaseImage is unset.
type imageCache struct {
	cacheDir string
	logger   logr.Logger
}

func newImageCache(cacheDir string, logger logr.Logger) *imageCache {
	if cacheDir == "" {
		cacheDir = DefaultImageCacheDir
	}
	return &imageCache{cacheDir: cacheDir, logger: logger}
}

// ensure downloads imageURL if not already cached and returns the cached path.
func (c *imageCache) ensure(ctx context.Context, imageURL string) (string, error) {
	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("qemu: create image cache dir: %w", err)
	}

	hash := sha256.Sum256([]byte(imageURL))
	path := filepath.Join(c.cacheDir, fmt.Sprintf("%x.qcow2", hash[:8]))

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	c.logger.Info("downloading base image", "url", imageURL, "path", path)
	if err := c.download(ctx, imageURL, path); err != nil {
		return "", fmt.Errorf("qemu: download base image: %w", err)
	}
	return path, nil
}

func (c *imageCache) download(ctx context.Context, url, destPath string) error {
	tempPath := destPath + ".tmp"
	defer os.Remove(tempPath)

	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		out.Close()
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		out.Close()
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		out.Close()
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("write: %w", err)
	}
	out.Close()

	return os.Rename(tempPath, destPath)
}

// overlay builds a qcow2 overlay backed by base so each VM writes to its own
// disk without mutating the shared cached base image.
func (c *imageCache) overlay(ctx context.Context, magic, base string) (string, error) {
	dir := filepath.Join(c.cacheDir, "overlays")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("qemu: create overlay dir: %w", err)
	}
	overlay := filepath.Join(dir, magic+".qcow2")
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", base, overlay)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("qemu: create overlay for %s: %w: %s", magic, err, out)
	}
	return overlay, nil
}
