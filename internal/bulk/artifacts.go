package bulk

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/storage"
)

var artifactHeader = []string{
	"email", "status", "syntax_valid", "mx_valid", "smtp_outcome",
	"is_disposable", "is_role_account", "is_catch_all", "is_free_provider",
	"score", "grade",
}

// artifactSet writes the three result files of a task.
type artifactSet struct {
	files   [3]io.WriteCloser
	writers [3]*csv.Writer
}

func createArtifacts(ctx context.Context, store storage.Store, task *model.BulkTask) (*artifactSet, error) {
	a := &artifactSet{}
	for i, kind := range model.ArtifactKinds {
		f, err := store.Create(ctx, task.ArtifactKey(kind))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to create %s artifact: %w", kind, err)
		}
		a.files[i] = f
		a.writers[i] = csv.NewWriter(f)
		if err := a.writers[i].Write(artifactHeader); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to write %s header: %w", kind, err)
		}
	}
	return a, nil
}

// Write appends one result to every artifact it belongs in.
func (a *artifactSet) Write(res *model.VerificationResult) error {
	row := artifactRow(res)
	if err := a.writers[0].Write(row); err != nil {
		return err
	}
	if res.Status == model.StatusValid {
		if err := a.writers[1].Write(row); err != nil {
			return err
		}
	}
	if isInvalidArtifact(res.Status) {
		if err := a.writers[2].Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and commits every artifact.
func (a *artifactSet) Close() error {
	var errs []error
	for i, w := range a.writers {
		if w != nil {
			w.Flush()
			if err := w.Error(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.files[i] != nil {
			if err := a.files[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func isInvalidArtifact(s model.Status) bool {
	return s == model.StatusInvalid || s == model.StatusDisabled || s == model.StatusDisposable
}

// csvCell neutralizes values a spreadsheet would evaluate as a formula.
func csvCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

func artifactRow(r *model.VerificationResult) []string {
	return []string{
		csvCell(r.Email),
		r.Status.String(),
		strconv.FormatBool(r.SyntaxValid),
		r.MXValid.String(),
		r.SMTPOutcome.String(),
		strconv.FormatBool(r.IsDisposable),
		strconv.FormatBool(r.IsRoleAccount),
		strconv.FormatBool(r.IsCatchAll),
		strconv.FormatBool(r.IsFreeProvider),
		strconv.Itoa(r.Score),
		r.Grade,
	}
}
