package zimi

import (
	"errors"
	"net/http"

	"zimi/internal/zim"
)

// Sentinel errors for conditions that cross component boundaries. Handlers
// translate them into the wire-level error kinds below.
var (
	ErrNotFound         = errors.New("not found")
	ErrArchiveGone      = errors.New("archive gone")
	ErrIndexUnavailable = errors.New("title index unavailable")
	ErrDownloadActive   = errors.New("download already active")
	ErrDownloadFailed   = errors.New("download failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBadRequest       = errors.New("bad request")
)

// errorKind returns the wire error kind and HTTP status for err.
func errorKind(err error) (kind string, status int) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request", http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", http.StatusUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, zim.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrDownloadActive):
		return "conflict", http.StatusConflict
	case errors.Is(err, ErrArchiveGone):
		return "archive_gone", http.StatusNotFound
	case errors.Is(err, ErrIndexUnavailable):
		return "index_unavailable", http.StatusInternalServerError
	case errors.Is(err, ErrDownloadFailed):
		return "download_failed", http.StatusInternalServerError
	default:
		return "internal", http.StatusInternalServerError
	}
}
