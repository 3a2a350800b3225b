// Package declaration reads declaration snapshots and records the outcome of
// a successful submission back against the declaration.
package declaration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/customs-cli/internal/model"
)

// ErrNotFound is returned when no snapshot exists for a declaration ID.
var ErrNotFound = eris.New("declaration: not found")

// Status is written back after a successful submission.
type Status struct {
	DeclarationID     string    `json:"declaration_id"`
	TargetID          string    `json:"target_id"`
	SubmissionID      string    `json:"submission_id"`
	ExternalReference string    `json:"external_reference"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// Source provides declaration data.
type Source interface {
	Snapshot(ctx context.Context, declarationID string) (model.Snapshot, error)
	MarkSubmitted(ctx context.Context, status Status) error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileSource keeps each declaration as <dir>/<id>.json and its status as
// <dir>/<id>.status.json.
type FileSource struct {
	dir string
}

// NewFileSource returns a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (s *FileSource) Snapshot(_ context.Context, declarationID string) (model.Snapshot, error) {
	path, err := s.path(declarationID, ".json")
	if err != nil {
		return model.Snapshot{}, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.Snapshot{}, eris.Wrapf(ErrNotFound, "declaration %s", declarationID)
	}
	if err != nil {
		return model.Snapshot{}, eris.Wrapf(err, "declaration: read %s", path)
	}
	snap, err := model.ParseSnapshot(b)
	if err != nil {
		return model.Snapshot{}, eris.Wrapf(err, "declaration: parse %s", path)
	}
	return snap, nil
}

// MarkSubmitted writes the status file atomically via rename.
func (s *FileSource) MarkSubmitted(_ context.Context, status Status) error {
	path, err := s.path(status.DeclarationID, ".status.json")
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return eris.Wrap(err, "declaration: marshal status")
	}

	tmp, err := os.CreateTemp(s.dir, ".status-*")
	if err != nil {
		return eris.Wrap(err, "declaration: create temp status file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(b); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "declaration: write status")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "declaration: close status")
	}
	return eris.Wrapf(os.Rename(tmp.Name(), path), "declaration: rename status to %s", path)
}

// ReadStatus returns the written status, or nil when none exists.
func (s *FileSource) ReadStatus(declarationID string) (*Status, error) {
	path, err := s.path(declarationID, ".status.json")
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "declaration: read %s", path)
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, eris.Wrapf(err, "declaration: parse %s", path)
	}
	return &st, nil
}

func (s *FileSource) path(id, suffix string) (string, error) {
	if !validID.MatchString(id) {
		return "", eris.Errorf("declaration: invalid id %q", id)
	}
	return filepath.Join(s.dir, id+suffix), nil
}
