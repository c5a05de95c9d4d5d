package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	msync "github.com/Martian-dev/mailsync/internal/sync"
)

// Graph error codes that invalidate a delta cursor
var cursorCodes = map[string]struct{}{
	"syncstatenotfound": {},
	"syncstateinvalid":  {},
	"resyncrequired":    {},
}

// classify wraps a Graph failure in the matching provider sentinel.
// Context errors pass through untouched.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		code, msg := "", ""
		if main := odataErr.GetErrorEscaped(); main != nil {
			code = deref(main.GetCode())
			msg = deref(main.GetMessage())
		}
		return fmt.Errorf("%s: %w: %d %s %s", op,
			sentinel(odataErr.ResponseStatusCode, code),
			odataErr.ResponseStatusCode, code, msg)
	}

	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %v", op,
			sentinel(apiErr.ResponseStatusCode, ""), apiErr)
	}

	// Anything below the HTTP layer: DNS, resets, timeouts.
	return fmt.Errorf("%s: %w: %v", op, msync.ErrTransient, err)
}

func sentinel(status int, code string) error {
	if _, ok := cursorCodes[strings.ToLower(code)]; ok {
		return msync.ErrCursorInvalid
	}

	switch {
	case status == http.StatusGone:
		return msync.ErrCursorInvalid
	case status == http.StatusTooManyRequests,
		strings.EqualFold(code, "ApplicationThrottled"):
		return msync.ErrThrottled
	case isItemNotFound(code):
		return msync.ErrNotFound
	case status == http.StatusNotFound && code == "":
		return msync.ErrNotFound
	case status == http.StatusUnauthorized,
		strings.EqualFold(code, "InvalidAuthenticationToken"):
		return msync.ErrUnauthorized
	}
	// Any other answer is treated as temporary provider trouble. That
	// includes 404s about the mailbox itself, which say nothing about the
	// item asked for.
	return msync.ErrTransient
}

func isItemNotFound(code string) bool {
	return strings.EqualFold(code, "ErrorItemNotFound") ||
		strings.EqualFold(code, "itemNotFound")
}

func isThrottled(err error) bool {
	return errors.Is(err, msync.ErrThrottled)
}

func isUnauthorized(err error) bool {
	return errors.Is(err, msync.ErrUnauthorized)
}
