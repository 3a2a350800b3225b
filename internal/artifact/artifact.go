// Package artifact moves screenshots and other run artifacts out of the
// automation scratch directory into long-term storage.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Archiver stores the files produced by one submission. The returned slice
// has one entry per input path: the archived location, or the original path
// when that file could not be archived.
type Archiver interface {
	Archive(ctx context.Context, submissionID string, paths []string) ([]string, error)
}

// LocalArchiver copies artifacts into <Dir>/<submissionID>/.
type LocalArchiver struct {
	Dir string
}

// NewLocalArchiver creates a LocalArchiver rooted at dir.
func NewLocalArchiver(dir string) *LocalArchiver {
	return &LocalArchiver{Dir: dir}
}

// Archive copies each file. Missing or unreadable files keep their original
// path and are logged.
func (a *LocalArchiver) Archive(ctx context.Context, submissionID string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return paths, nil
	}
	dst := filepath.Join(a.Dir, submissionID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return paths, eris.Wrapf(err, "artifact: create %s", dst)
	}

	names := archiveNames(paths)
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "artifact: archive")
		}

		target := filepath.Join(dst, names[i])
		if same(p, target) {
			continue
		}
		if err := copyFile(p, target); err != nil {
			zap.L().Warn("artifact: copy failed",
				zap.String("submission_id", submissionID),
				zap.String("path", p),
				zap.Error(err),
			)
			continue
		}
		out[i] = target
	}
	return out, nil
}

// archiveNames picks a destination file name per path. Base names that occur
// more than once are prefixed with their 1-based position so no archived file
// overwrites another.
func archiveNames(paths []string) []string {
	counts := make(map[string]int, len(paths))
	for _, p := range paths {
		counts[filepath.Base(p)]++
	}
	used := make(map[string]bool, len(paths))
	names := make([]string, len(paths))
	for i, p := range paths {
		name := filepath.Base(p)
		if counts[name] > 1 {
			name = fmt.Sprintf("%02d-%s", i+1, name)
		}
		for used[name] {
			name = fmt.Sprintf("%02d-%s", i+1, name)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func same(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrap(err, "open source")
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrap(err, "create destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrap(err, "copy")
	}
	return eris.Wrap(out.Close(), "close destination")
}
