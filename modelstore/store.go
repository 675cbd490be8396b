package modelstore

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultCacheDir = "./.models/"
	DownloadTimeout = 10 * time.Minute
)

var ErrNotCached = errors.New("file not cached and no download url configured")

// Store keeps model artifacts in a local directory and fetches missing ones once.
type Store struct {
	Dir    string
	Client *http.Client
	Log    logrus.FieldLogger
}

func New(dir string) *Store {
	if dir == "" {
		dir = DefaultCacheDir
	}
	return &Store{
		Dir:    dir,
		Client: &http.Client{Timeout: DownloadTimeout},
		Log:    logrus.StandardLogger(),
	}
}

// Ensure returns a local path for name. An absolute or existing relative path is used as is;
// otherwise the file is looked up in the cache dir and downloaded from url when missing.
// Zip archives are unpacked and name is searched for inside them.
func (s *Store) Ensure(ctx context.Context, name, url string) (string, error) {
	if name == "" {
		return "", errors.New("empty artifact name")
	}
	if fileExists(name) {
		return name, nil
	}

	local := filepath.Join(s.Dir, filepath.Base(name))
	if fileExists(local) {
		s.Log.WithField("path", local).Debug("Using cached artifact")
		return local, nil
	}
	if url == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotCached)
	}

	if err := os.MkdirAll(s.Dir, 0o770); err != nil {
		return "", err
	}

	s.Log.WithFields(logrus.Fields{"url": url, "path": local}).Info("Downloading artifact")

	if strings.HasSuffix(strings.ToLower(url), ".zip") {
		archive := local + ".zip"
		if err := s.download(ctx, url, archive); err != nil {
			return "", err
		}
		defer func() {
			if err := os.Remove(archive); err != nil {
				s.Log.Errorf("Unable to cleanup archive at '%s'", archive)
			}
		}()

		if err := unzipFile(archive, filepath.Base(name), local); err != nil {
			return "", err
		}
	} else if err := s.download(ctx, url, local); err != nil {
		return "", err
	}

	s.Log.WithField("path", local).Info("Artifact cached successfully")
	return local, nil
}

// download writes url to dest through a temp file so a partial download is never cached.
func (s *Store) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: bad status: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("download %s: %w", url, err)
	}

	return os.Rename(tmpName, dest)
}

// unzipFile extracts the first entry whose base name is name into dest.
func unzipFile(archive, name, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || filepath.Base(f.Name) != name {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}

		outFile, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		outFile.Close()
		rc.Close()

		if err != nil {
			os.Remove(dest)
			return err
		}
		return nil
	}

	return fmt.Errorf("%s not found in archive %s", name, archive)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
