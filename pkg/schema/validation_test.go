package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].http.url", ErrCodeValidation, "url is required")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].http.url", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "url is required", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].retry.max_attempts", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeCycleDetected, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].http.url", ErrCodeValidation, "url is required")

	err := r.ToError()
	require.NotNil(t, err)

	flowErr, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, flowErr.Code)
	assert.Equal(t, "url is required", flowErr.Message)
	assert.Equal(t, 1, flowErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	flowErr, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Contains(t, flowErr.Message, "2 errors")
	assert.Equal(t, 2, flowErr.Details["error_count"])
	assert.Equal(t, 1, flowErr.Details["warning_count"])
}

func TestValidationResult_ToError_ListsCauseCodes(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].dag", ErrCodeCycleDetected, "cycle a -> b -> a")
	r.AddError("steps[1].loop", ErrCodeConditionParse, "bad while")
	r.AddError("steps[2].dag", ErrCodeCycleDetected, "cycle c -> c")

	fe := AsFlowError(r.ToError(), ErrCodeValidation)
	assert.Equal(t, []string{ErrCodeCycleDetected, ErrCodeConditionParse}, fe.Details["causes"])
}

func TestValidationResult_Report(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].loop", "DEFAULT_ITERATIONS", "no max_iter")
	r.AddError("steps[0].http", ErrCodeValidation, "url is required")
	r.AddWarning("steps[0].http", "READ_COMPENSATION", "GET compensated")

	var buf strings.Builder
	require.NoError(t, r.Report(&buf))
	assert.Equal(t,
		"error: steps[0].http: [VALIDATION_ERROR] url is required\n"+
			"warning: steps[0].http: [READ_COMPENSATION] GET compensated\n"+
			"warning: steps[1].loop: [DEFAULT_ITERATIONS] no max_iter\n",
		buf.String())
}
