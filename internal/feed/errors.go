package feed

import (
	"fmt"
	"strings"
)

// FetchError reports why a day could not be fetched. Status is set for
// non-2xx responses and Field for payloads missing expected data.
type FetchError struct {
	Day    string
	Op     string
	Status int
	Field  string
	Err    error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "feed %s for %s", e.Op, e.Day)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": at %s", e.Field)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
