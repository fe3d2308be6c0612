package schema

import (
	"fmt"
	"io"
	"sort"
)

// ValidationSeverity separates blocking errors from advisory warnings.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding about a template document. Path locates the
// offending step, e.g. steps[0].try.steps[1].http.url.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s: [%s] %s", i.Severity, i.Path, i.Code, i.Message)
}

// ValidationResult collects the findings of every validation stage.
// A template with warnings only is still registered.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's findings. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns errors and warnings together, ordered by path with errors
// first within a path.
func (r *ValidationResult) Issues() []ValidationIssue {
	out := make([]ValidationIssue, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Severity == SeverityError && out[j].Severity != SeverityError
	})
	return out
}

// Report writes one line per issue.
func (r *ValidationResult) Report(w io.Writer) error {
	for _, issue := range r.Issues() {
		if _, err := fmt.Fprintln(w, issue.String()); err != nil {
			return err
		}
	}
	return nil
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR whose
// details carry every issue and the codes that caused it.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	seen := map[string]bool{}
	var causes []string
	for _, e := range r.Errors {
		if !seen[e.Code] {
			seen[e.Code] = true
			causes = append(causes, e.Code)
		}
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"causes":        causes,
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
