// Package validate checks candidate files against the admission rules of a
// document kind before any record is created. Validation is pure: it reports
// problems per file and never decides what the caller does with them.
package validate

import (
	"fmt"
	"path/filepath"

	"github.com/rmacedo/docproc/constants"
)

// Candidate is one file offered for admission.
type Candidate struct {
	Filename  string
	MediaType string
	SizeBytes int64
	Content   []byte
}

// Result is the validation outcome for one candidate.
type Result struct {
	Filename string   `json:"filename"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ExistingFile describes a file already admitted to the batch, for the
// count-cap and duplicate rules.
type ExistingFile struct {
	Filename  string
	SizeBytes int64
}

// Validate applies the admission rules in order, short-circuiting per file:
// a candidate failing an earlier rule is not checked against later ones.
// Rules: non-empty content, extension/media type for the kind, per-file size
// ceiling, batch count cap, duplicate by (name, size) within the batch.
func Validate(candidates []Candidate, existing []ExistingFile, kind constants.DocumentKind) []Result {
	results := make([]Result, len(candidates))
	spec, known := constants.SpecFor(kind)

	seen := make(map[string]struct{}, len(existing)+len(candidates))
	for _, f := range existing {
		seen[dupKey(f.Filename, f.SizeBytes)] = struct{}{}
	}

	admitted := len(existing)
	for i, c := range candidates {
		res := Result{Filename: c.Filename, Valid: true}

		switch {
		case !known:
			res.fail("unknown document kind %q", kind)

		case c.SizeBytes == 0 || len(c.Content) == 0:
			res.fail("file is empty")

		case !extensionAllowed(c, spec):
			res.fail("file type %q is not accepted for %s documents", filepath.Ext(c.Filename), kind)

		case c.SizeBytes > spec.MaxFileBytes:
			res.fail("file exceeds the %d MiB limit for %s documents", spec.MaxFileBytes>>20, kind)

		case admitted+1 > spec.MaxBatchFiles:
			res.fail("batch already holds the maximum of %d files", spec.MaxBatchFiles)

		default:
			if _, dup := seen[dupKey(c.Filename, c.SizeBytes)]; dup {
				res.fail("a file with the same name and size is already in the batch")
			}
		}

		if res.Valid {
			seen[dupKey(c.Filename, c.SizeBytes)] = struct{}{}
			admitted++
		}
		results[i] = res
	}
	return results
}

func (r *Result) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func extensionAllowed(c Candidate, spec constants.KindSpec) bool {
	ext := constants.NormalizeExt(filepath.Ext(c.Filename))
	if _, ok := spec.Extensions[ext]; ok {
		return true
	}
	if c.MediaType != "" {
		if _, ok := spec.MediaTypes[c.MediaType]; ok {
			return true
		}
	}
	return false
}

func dupKey(name string, size int64) string {
	return fmt.Sprintf("%s|%d", name, size)
}
