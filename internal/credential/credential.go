// Package credential fetches the short-lived bearer token that authorizes a
// single session handshake.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodySize caps the token response read from the session endpoint.
const maxBodySize = 1 << 20

// Credential is an ephemeral bearer token. It is used for one handshake and
// never persisted.
type Credential struct {
	Value     string
	ExpiresAt time.Time // zero when the endpoint does not report it
}

// String hides the token value so a Credential can be logged safely.
func (c Credential) String() string {
	if c.ExpiresAt.IsZero() {
		return "credential(redacted)"
	}
	return fmt.Sprintf("credential(redacted, expires %s)", c.ExpiresAt.Format(time.RFC3339))
}

// Error is returned for every failure of Fetch. A failed fetch aborts
// session startup.
type Error struct {
	Endpoint   string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential fetch from %s failed (HTTP %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("credential fetch from %s failed: %v", e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrMissingSecret is wrapped when the body lacks client_secret.value.
	ErrMissingSecret = errors.New("response has no client_secret.value")
	// ErrBadStatus is wrapped for non-2xx responses.
	ErrBadStatus = errors.New("unexpected status")
)

// sessionResponse is the subset of the session endpoint body we read.
type sessionResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Fetch performs one GET against endpoint and extracts client_secret.value.
// There are no retries; ctx bounds the whole call.
func Fetch(ctx context.Context, client *http.Client, endpoint string) (Credential, error) {
	if client == nil {
		client = http.DefaultClient
	}
	fail := func(status int, err error) (Credential, error) {
		return Credential{}, &Error{Endpoint: endpoint, StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("reading body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status))
	}

	var parsed sessionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decoding body: %w", err))
	}
	if parsed.ClientSecret == nil || parsed.ClientSecret.Value == "" {
		return fail(resp.StatusCode, ErrMissingSecret)
	}

	cred := Credential{Value: parsed.ClientSecret.Value}
	if parsed.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
