package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	clienterrors "github.com/mycelian/dreamwatch/internal/errors"
)

// RequestIDHeader carries the correlation id of a request.
const RequestIDHeader = "X-Request-ID"

// HTTPClient interface for dependency injection
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor runs fire-and-forget command jobs. ctx bounds the enqueue only;
// the job must still run after the submitter's context ends.
type Executor interface {
	SubmitDetached(ctx context.Context, name string, job cmdqueue.Job) error
}

type jobFunc = cmdqueue.JobFunc

// doJSON performs one request and decodes a 2xx JSON answer into out (when
// non-nil). Every failure comes back as a *clienterrors.ClassifiedError.
func doJSON(ctx context.Context, hc HTTPClient, op, method, url, requestID string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return clienterrors.NewNetworkError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return clienterrors.NewHTTPError(op, resp.StatusCode, string(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return clienterrors.NewDecodeError(op, err)
	}
	return nil
}
