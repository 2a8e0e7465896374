package bluesky

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/xrpc"

	"skyfeeds/savedfeeds"
)

// ErrNotFound is returned when a looked up record does not exist
var ErrNotFound = errors.New("not found")

var authErrors = map[string]bool{
	"AuthenticationRequired": true,
	"AuthMissing":            true,
	"ExpiredToken":           true,
	"InvalidToken":           true,
	"AccountTakedown":        true,
}

// xrpcErrorName returns the "error" field of an XRPC error response
func xrpcErrorName(err error) (int, string, bool) {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		return 0, "", false
	}
	var body *xrpc.XRPCError
	if errors.As(xerr.Wrapped, &body) {
		return xerr.StatusCode, body.ErrStr, true
	}
	return xerr.StatusCode, "", true
}

func isExpiredToken(err error) bool {
	if err == nil {
		return false
	}
	_, name, ok := xrpcErrorName(err)
	return ok && name == "ExpiredToken"
}

// classify wraps err with the savedfeeds remote error it corresponds to
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, savedfeeds.ErrAuth) || errors.Is(err, savedfeeds.ErrConflict) ||
		errors.Is(err, savedfeeds.ErrNetwork) || errors.Is(err, ErrNotFound) {
		return err
	}

	status, name, ok := xrpcErrorName(err)
	if ok {
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden || authErrors[name]:
			return fmt.Errorf("%w: %w", savedfeeds.ErrAuth, err)
		case status == http.StatusNotFound || strings.HasSuffix(name, "NotFound"):
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case status == http.StatusTooManyRequests || status >= 500 || status == 0:
			return fmt.Errorf("%w: %w", savedfeeds.ErrNetwork, err)
		default:
			return fmt.Errorf("%w: %w", savedfeeds.ErrConflict, err)
		}
	}

	// Transport failures, timeouts and cancellation
	return fmt.Errorf("%w: %w", savedfeeds.ErrNetwork, err)
}
