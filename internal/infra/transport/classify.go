package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
)

type action int

const (
	actionDone action = iota
	actionRetry
	actionFatal
)

// classify decides what to do with the outcome of one attempt. ctx is the parent
// context of the call, not the per-attempt one.
func classify(ctx context.Context, statusCode int, err error) action {
	if ctx.Err() != nil {
		return actionFatal
	}

	if err != nil {
		// Certificate problems do not heal on retry
		var unknownAuthority x509.UnknownAuthorityError
		var hostname x509.HostnameError
		var invalid x509.CertificateInvalidError
		if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &invalid) {
			return actionFatal
		}
		return actionRetry
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return actionDone
	case statusCode >= http.StatusInternalServerError:
		return actionRetry
	default:
		return actionFatal
	}
}
