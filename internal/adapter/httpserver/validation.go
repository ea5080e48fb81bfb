package httpserver

import (
	"regexp"
	"strconv"
)

// ValidationError represents one failed input check.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates input checks for a request.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validResourceID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateResourceID checks a task, image or connection id path parameter.
func ValidateResourceID(field, id string) ValidationResult {
	switch {
	case id == "":
		return invalid(field, "REQUIRED", field+" is required")
	case len(id) > 100:
		return invalid(field, "TOO_LONG", field+" is too long (max 100 characters)")
	case !validResourceID.MatchString(id):
		return invalid(field, "INVALID_FORMAT", field+" contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidatePagination checks offset/limit query parameters.
func ValidatePagination(offset, limit string) ValidationResult {
	var errs []ValidationError
	if offset != "" {
		if n, err := strconv.Atoi(offset); err != nil || n < 0 {
			errs = append(errs, ValidationError{Field: "offset", Code: "INVALID_FORMAT", Message: "offset must be a non-negative integer"})
		}
	}
	if limit != "" {
		if n, err := strconv.Atoi(limit); err != nil || n < 1 || n > 1000 {
			errs = append(errs, ValidationError{Field: "limit", Code: "INVALID_FORMAT", Message: "limit must be an integer in [1,1000]"})
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: msg}}}
}
