package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrorKind classifies a load failure
type ErrorKind string

// Load failure kinds
const (
	MissingField  ErrorKind = "MissingField"
	DuplicateName ErrorKind = "DuplicateName"
	FileTooLarge  ErrorKind = "FileTooLarge"
	InvalidField  ErrorKind = "InvalidField"
	ReadFailure   ErrorKind = "Read"
)

// LoadError describes one problem found while loading a manifest tree
type LoadError struct {
	Kind ErrorKind
	Path string
	// Field is set for MissingField and InvalidField
	Field string
	// Name and Others are set for DuplicateName. Path is the lexically
	// first declaration and Others the remaining ones.
	Name   string
	Others []string
	// Size and Limit are set for FileTooLarge
	Size  int64
	Limit int64
	Err   error
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("%s: missing required field '%s'", e.Path, e.Field)
	case DuplicateName:
		return fmt.Sprintf("%s: duplicate name '%s' also declared in %s", e.Path, e.Name, strings.Join(e.Others, ", "))
	case FileTooLarge:
		return fmt.Sprintf("%s: file is %d bytes, limit is %d", e.Path, e.Size, e.Limit)
	case InvalidField:
		if e.Err != nil {
			return fmt.Sprintf("%s: invalid field '%s': %v", e.Path, e.Field, e.Err)
		}
		return fmt.Sprintf("%s: invalid field '%s'", e.Path, e.Field)
	default:
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Errors flattens err into the LoadErrors it carries
func Errors(err error) []*LoadError {
	if err == nil {
		return nil
	}

	var merr *multierror.Error
	if errors.As(err, &merr) {
		var out []*LoadError
		for _, e := range merr.Errors {
			out = append(out, Errors(e)...)
		}
		return out
	}

	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return []*LoadError{loadErr}
	}
	return nil
}

// HasKind reports whether err carries a LoadError of the given kind
func HasKind(err error, kind ErrorKind) bool {
	for _, e := range Errors(err) {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func missingField(path, field string) *LoadError {
	return &LoadError{Kind: MissingField, Path: path, Field: field}
}

func invalidField(path, field string, err error) *LoadError {
	return &LoadError{Kind: InvalidField, Path: path, Field: field, Err: err}
}

func readFailure(path string, err error) *LoadError {
	return &LoadError{Kind: ReadFailure, Path: path, Err: err}
}

// sortLoadErrors orders problems so the aggregate is independent of walk order
func sortLoadErrors(errs []*LoadError) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Error() < b.Error()
	})
}

func formatLoadErrors(es []error) string {
	lines := make([]string, 0, len(es))
	for _, e := range es {
		lines = append(lines, "  - "+e.Error())
	}
	return fmt.Sprintf("manifest has %d problem(s):\n%s", len(es), strings.Join(lines, "\n"))
}

func aggregate(errs []*LoadError) error {
	if len(errs) == 0 {
		return nil
	}
	sortLoadErrors(errs)

	var result *multierror.Error
	for _, e := range errs {
		result = multierror.Append(result, e)
	}
	result.ErrorFormat = formatLoadErrors
	return result
}
