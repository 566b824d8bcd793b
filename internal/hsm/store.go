package hsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store keeps verified firmware images on disk the way a device keeps
// flash banks: one directory per release plus a "current" symlink naming
// the active one. Activation is a rename so a crash never leaves a half
// written release visible.
type Store struct {
	root string
}

// NewStore opens or creates a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	st := &Store{root: dir}
	if err := os.MkdirAll(st.releasesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	return st, nil
}

func (st *Store) releasesDir() string {
	return filepath.Join(st.root, "releases")
}

func (st *Store) currentLink() string {
	return filepath.Join(st.root, "current")
}

// BeginStaging creates a scratch image file inside the store so the final
// rename stays on one filesystem. The caller removes it on failure.
func (st *Store) BeginStaging() (*os.File, error) {
	f, err := os.CreateTemp(st.root, "staging-*.img")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return f, nil
}

// Activate moves a fully verified staging image into the releases
// directory under version and repoints the current symlink at it. The
// staging file is consumed on success.
func (st *Store) Activate(version FWVersion, stagingPath string) (string, error) {
	releaseDir := filepath.Join(st.releasesDir(), version.String())
	if _, err := os.Stat(releaseDir); err == nil {
		return "", fmt.Errorf("release %s already stored", version)
	}

	pendingDir, err := os.MkdirTemp(st.releasesDir(), "pending-")
	if err != nil {
		return "", fmt.Errorf("create pending dir: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(pendingDir)
		}
	}()

	if err := os.Rename(stagingPath, filepath.Join(pendingDir, "image.bin")); err != nil {
		return "", fmt.Errorf("move image into release: %w", err)
	}
	versionFile := filepath.Join(pendingDir, "VERSION")
	if err := os.WriteFile(versionFile, []byte(version.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write VERSION: %w", err)
	}

	if err := os.Rename(pendingDir, releaseDir); err != nil {
		return "", fmt.Errorf("activate release dir: %w", err)
	}
	cleanup = false

	if err := st.swapCurrentSymlink(releaseDir); err != nil {
		return "", err
	}
	return releaseDir, nil
}

func (st *Store) swapCurrentSymlink(target string) error {
	link := st.currentLink()
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("swap current symlink: %w", err)
	}
	return nil
}

// InstalledVersion reports the active firmware release. ok is false when no
// release has ever been activated.
func (st *Store) InstalledVersion() (version FWVersion, ok bool, err error) {
	target, err := os.Readlink(st.currentLink())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FWVersion{}, false, nil
		}
		return FWVersion{}, false, fmt.Errorf("read current symlink: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(target, "VERSION"))
	if err != nil {
		return FWVersion{}, false, fmt.Errorf("read VERSION: %w", err)
	}
	version, err = ParseFWVersion(strings.TrimSpace(string(raw)))
	if err != nil {
		return FWVersion{}, false, err
	}
	return version, true, nil
}

// ActiveImagePath returns the image file of the active release.
func (st *Store) ActiveImagePath() (string, error) {
	target, err := os.Readlink(st.currentLink())
	if err != nil {
		return "", fmt.Errorf("read current symlink: %w", err)
	}
	return filepath.Join(target, "image.bin"), nil
}

// Releases lists stored versions in ascending order. Pending directories
// left by interrupted activations are skipped.
func (st *Store) Releases() ([]FWVersion, error) {
	entries, err := os.ReadDir(st.releasesDir())
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	var versions []FWVersion
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := ParseFWVersion(entry.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) < 0
	})
	return versions, nil
}
