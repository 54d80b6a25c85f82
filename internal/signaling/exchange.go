package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pion/sdp/v3"
)

// maxAnswerSize bounds the answer body read from the negotiation endpoint.
const maxAnswerSize = 1 << 20

// exchange POSTs offer to endpoint with bearer auth and returns the answer
// SDP verbatim. The answer is parsed only to reject garbage early.
func exchange(ctx context.Context, client *http.Client, endpoint, offer, token string) (string, error) {
	fail := func(status int, err error) (string, error) {
		return "", &NegotiationError{Op: "exchange", StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return fail(resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, fmt.Errorf("unexpected status %s: %s", resp.Status, snippet(body)))
	}

	answer := string(body)
	if strings.TrimSpace(answer) == "" {
		return fail(resp.StatusCode, errors.New("empty answer"))
	}

	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(answer); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("invalid answer SDP: %w", err))
	}

	return answer, nil
}

// snippet returns the start of an error body for diagnostics.
func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
