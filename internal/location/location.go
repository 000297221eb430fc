package location

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FragmentExt is the extension the download engine gives to media fragments
// written under an asset's location.
const FragmentExt = ".frag"

var (
	// ErrNotFound means the referenced content no longer exists on disk.
	ErrNotFound = errors.New("location: content not found")

	// ErrStale means a file exists at the referenced path but it is not the
	// content the reference was taken for.
	ErrStale = errors.New("location: reference is stale")
)

// Ref is a resolvable reference to downloaded content on disk. Unlike a bare
// path it records the inode observed when the reference was taken, so a path
// that has been deleted and recreated by someone else resolves as stale
// instead of silently pointing at foreign content.
type Ref struct {
	Path  string `json:"path"`
	Inode uint64 `json:"inode,omitempty"`
}

// NewRef captures a reference to the content currently at path.
func NewRef(path string) (*Ref, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	return &Ref{Path: path, Inode: inodeOf(info)}, nil
}

// Resolve returns the referenced path after confirming the content is still
// there. A missing path yields ErrNotFound; an inode mismatch yields ErrStale.
func (r *Ref) Resolve() (string, error) {
	if r == nil || r.Path == "" {
		return "", ErrNotFound
	}

	info, err := os.Stat(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}

		return "", err
	}

	if r.Inode != 0 {
		if ino := inodeOf(info); ino != 0 && ino != r.Inode {
			return "", ErrStale
		}
	}

	return r.Path, nil
}

// FragmentsSize walks dir and sums the sizes of all media fragments below it.
// Directories that cannot be read count as zero.
func FragmentsSize(dir string) float64 {
	var total float64

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries simply don't count
		}

		if !strings.HasSuffix(path, FragmentExt) {
			return nil
		}

		if info, err := d.Info(); err == nil {
			total += float64(info.Size())
		}

		return nil
	})

	return total
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}

	return 0
}
