package immich

import "errors"

// Categorized API errors. Callers match with errors.Is; the client attaches
// endpoint and status detail via wrapping.
var (
	// ErrUnauthorized indicates a bad or expired API key (HTTP 401/403).
	ErrUnauthorized = errors.New("immich: unauthorized")

	// ErrNotFound indicates the album or asset no longer exists upstream (HTTP 404).
	ErrNotFound = errors.New("immich: not found")

	// ErrRateLimited indicates the server is throttling requests (HTTP 429).
	ErrRateLimited = errors.New("immich: rate limited")

	// ErrUnreachable indicates a network-level failure reaching the server.
	ErrUnreachable = errors.New("immich: unreachable")

	// ErrTimeout indicates the request exceeded the client timeout.
	ErrTimeout = errors.New("immich: timeout")

	// ErrMalformed indicates an unexpected response shape.
	ErrMalformed = errors.New("immich: malformed response")
)
