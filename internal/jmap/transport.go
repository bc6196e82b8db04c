package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Invocation is one method call inside a batch: a method name, its
// arguments, and a call id the response echoes back.
type Invocation struct {
	Name   string
	Args   map[string]interface{}
	CallID string
}

// MarshalJSON encodes the invocation as the wire triple
// ["Method/name", {args}, "callId"].
func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{inv.Name, args, inv.CallID})
}

// ResultReference points an argument at a prior call's output instead of
// a caller-supplied value. The argument key carries a '#' prefix on the
// wire; the remote side substitutes the value found at Path in the
// response named by ResultOf.
type ResultReference struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// Request is one batched method-call document.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// MethodResponse is one entry of a response's methodResponses array.
type MethodResponse struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

// UnmarshalJSON decodes the wire triple form.
func (m *MethodResponse) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("method response must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &m.Name); err != nil {
		return fmt.Errorf("failed to decode method name: %w", err)
	}
	m.Args = parts[1]
	if err := json.Unmarshal(parts[2], &m.CallID); err != nil {
		return fmt.Errorf("failed to decode call id: %w", err)
	}
	return nil
}

// Response is the decoded body of one batch round trip.
type Response struct {
	MethodResponses []MethodResponse `json:"methodResponses"`
	SessionState    string           `json:"sessionState"`
}

type methodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Get locates the response for one call and decodes its arguments into
// out. Method-level errors come back typed: authentication problems as
// AuthError, an expired state token as ErrStateExpired, everything else
// as a NetworkError that callers must not retry.
func (r *Response) Get(name, callID string, out interface{}) error {
	for _, m := range r.MethodResponses {
		if m.CallID != callID {
			continue
		}
		if m.Name == "error" {
			var me methodError
			if err := json.Unmarshal(m.Args, &me); err != nil {
				return fmt.Errorf("failed to decode method error: %w", err)
			}
			switch me.Type {
			case "cannotCalculateChanges":
				return ErrStateExpired
			case "forbidden", "accountNotFound":
				return AuthError(fmt.Sprintf("%s rejected: %s", name, me.Type), nil)
			default:
				return NetworkError(fmt.Sprintf("%s failed: %s %s", name, me.Type, me.Description), nil)
			}
		}
		if m.Name != name {
			return NetworkError(fmt.Sprintf("call %s answered by %s, expected %s", callID, m.Name, name), nil)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(m.Args, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", name, err)
		}
		return nil
	}
	return NetworkError(fmt.Sprintf("%s response missing from batch payload", name), nil)
}

// Transport executes method-call batches against the resolved session
// endpoint, handling retries, backoff, and session refresh. A batch is
// all-or-nothing: no partial application is visible on failure.
type Transport struct {
	creds    Credentials
	resolver *SessionResolver
	client   *http.Client
	logger   *logrus.Logger

	maxAttempts int
	backoffBase time.Duration
}

// NewTransport creates a transport for one credential set.
func NewTransport(creds Credentials, resolver *SessionResolver, logger *logrus.Logger) *Transport {
	return &Transport{
		creds:       creds,
		resolver:    resolver,
		client:      NewHTTPClient(context.Background(), creds),
		logger:      logger,
		maxAttempts: 3,
		backoffBase: 500 * time.Millisecond,
	}
}

// Session resolves the JMAP session for this transport's credentials.
func (t *Transport) Session(ctx context.Context) (*SessionInfo, error) {
	return t.resolver.Resolve(ctx, t.client, t.creds)
}

// AccountID returns the account id for a capability on the current
// session.
func (t *Transport) AccountID(ctx context.Context, capability string) (string, error) {
	sess, err := t.Session(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccountFor(capability)
}

// Signature returns the cache signature for the active credentials.
func (t *Transport) Signature(ctx context.Context) (string, error) {
	sess, err := t.Session(ctx)
	if err != nil {
		return "", err
	}
	return sess.Signature(t.creds), nil
}

// Do executes one batch. Transient network failures and 5xx responses
// retry with bounded exponential backoff; a 401/403 invalidates the
// cached session and retries exactly once after re-resolution; any other
// failure surfaces immediately as a typed error.
func (t *Transport) Do(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch request: %w", err)
	}

	requestID := uuid.NewString()
	log := t.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"calls":      len(req.MethodCalls),
	})

	var lastErr error
	authRetried := false
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, t.backoffBase<<(attempt-1)); err != nil {
				return nil, NetworkError("batch aborted while backing off", err)
			}
		}

		sess, err := t.Session(ctx)
		if err != nil {
			return nil, err
		}

		resp, status, err := t.post(ctx, sess.APIURL, body, requestID)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("attempt", attempt+1).Warn("Batch request failed")
			continue
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			t.resolver.Invalidate(t.creds)
			if authRetried {
				return nil, AuthError(fmt.Sprintf("batch rejected with status %d after session refresh", status), nil)
			}
			authRetried = true
			// Refresh does not consume a network retry.
			attempt--
			continue
		case status >= 500:
			lastErr = fmt.Errorf("server returned status %d", status)
			log.WithField("status", status).WithField("attempt", attempt+1).Warn("Batch request failed upstream")
			continue
		case status >= 400:
			return nil, NetworkError(fmt.Sprintf("batch rejected with status %d", status), nil)
		}

		var decoded Response
		if err := json.Unmarshal(resp, &decoded); err != nil {
			return nil, NetworkError("failed to decode batch response", err)
		}
		log.Debug("Batch completed")
		return &decoded, nil
	}

	return nil, NetworkError("batch failed after retries", lastErr)
}

func (t *Transport) post(ctx context.Context, url string, body []byte, requestID string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
