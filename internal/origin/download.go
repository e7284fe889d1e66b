package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/relaybird/syncd/internal/runner"
)

// maxDownloadBytes caps a single avatar or attachment download.
const maxDownloadBytes = 64 << 20

// download fetches src into dest, replacing any previous file. Partial
// downloads never become visible under dest.
func (c *Client) download(ctx context.Context, src, dest string) (int64, error) {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0, runner.ParseError(fmt.Errorf("invalid download url %q", src))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, runner.ParseError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.debug("download: %s -> %s", src, dest)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, runner.IOError(fmt.Errorf("download failed: %w", err))
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, nil); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, runner.IOError(fmt.Errorf("failed to create download directory: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, runner.IOError(fmt.Errorf("failed to create download file: %w", err))
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, runner.IOError(fmt.Errorf("download interrupted: %w", err))
	}
	if n > maxDownloadBytes {
		return 0, runner.ParseError(fmt.Errorf("download exceeds %d bytes", maxDownloadBytes))
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, runner.IOError(fmt.Errorf("failed to store download: %w", err))
	}
	return n, nil
}

func avatarFile(dataDir, account, remoteID, src string) string {
	return filepath.Join(dataDir, "avatars", safeName(account), safeName(remoteID)+extension(src))
}

func attachmentFile(dataDir, account, mediaID, src string) string {
	return filepath.Join(dataDir, "media", safeName(account), safeName(mediaID)+extension(src))
}

// safeName turns an id into a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func extension(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ".bin"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 5 {
		return ".bin"
	}
	return ext
}
