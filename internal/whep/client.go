package whep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sinklisten/internal/core/domain"
	"sinklisten/pkg/tracing"

	"go.uber.org/zap"
)

// Client maps the WHEP control plane onto HTTP. It holds no session state:
// retry policy, classification and logging of failures belong to callers.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.SugaredLogger
}

// NewClient creates a WHEP client rooted at baseURL (no trailing slash).
func NewClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) sinkURL(sinkID domain.SinkID) string {
	return c.baseURL + "/" + url.PathEscape(string(sinkID))
}

func (c *Client) sessionURL(session *domain.Session) string {
	return c.sinkURL(session.SinkID) + "/" + url.PathEscape(string(session.ListenerID))
}

// CreateSession POSTs the local SDP offer for sinkID and returns the new
// Session plus the server's SDP answer. The listener identifier is the final
// path segment of the response's Location header.
func (c *Client) CreateSession(ctx context.Context, sinkID domain.SinkID, offerSDP string) (*domain.Session, string, error) {
	ctx, span := tracing.TraceWHEPRequest(ctx, "create_session", string(sinkID))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sinkURL(sinkID), strings.NewReader(offerSDP))
	if err != nil {
		return nil, "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("create session for sink %s: %w", sinkID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, "", &domain.ProtocolError{
			Op:      "create session",
			Status:  resp.StatusCode,
			Message: "expected 201 Created",
		}
	}

	listenerID, err := listenerIDFromLocation(resp.Header.Get("Location"))
	if err != nil {
		return nil, "", err
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read SDP answer: %w", err)
	}
	if len(answer) == 0 {
		return nil, "", &domain.ProtocolError{Op: "create session", Message: "empty SDP answer"}
	}

	session := &domain.Session{SinkID: sinkID, ListenerID: listenerID}

	c.logger.Debugw("whep session created",
		"sink_id", sinkID,
		"listener_id", listenerID,
	)
	return session, string(answer), nil
}

// listenerIDFromLocation extracts the listener identifier from an absolute
// or relative Location reference.
func listenerIDFromLocation(location string) (domain.ListenerID, error) {
	if location == "" {
		return "", &domain.ProtocolError{Op: "create session", Message: "missing Location header"}
	}

	ref, err := url.Parse(location)
	if err != nil {
		return "", &domain.ProtocolError{Op: "create session", Message: "malformed Location header"}
	}

	path := strings.TrimSuffix(ref.Path, "/")
	idx := strings.LastIndex(path, "/")
	id := path[idx+1:]
	if id == "" {
		return "", &domain.ProtocolError{Op: "create session", Message: "Location header has no listener id"}
	}
	return domain.ListenerID(id), nil
}

// SendCandidate PATCHes one locally generated ICE candidate to the session.
// Best-effort: the caller decides whether a failure matters.
func (c *Client) SendCandidate(ctx context.Context, session *domain.Session, candidate domain.Candidate) error {
	body, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.sessionURL(session), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build candidate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send candidate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.ProtocolError{
			Op:      "send candidate",
			Status:  resp.StatusCode,
			Message: "unexpected status",
		}
	}
	return nil
}

// PollCandidates GETs the server's pending ICE candidates. A 404 means
// "none yet" and yields an empty list, not an error.
func (c *Client) PollCandidates(ctx context.Context, session *domain.Session) ([]domain.Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(session)+"/candidates", nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll candidates: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.ProtocolError{
			Op:      "poll candidates",
			Status:  resp.StatusCode,
			Message: "unexpected status",
		}
	}

	var candidates []domain.Candidate
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return nil, &domain.ProtocolError{Op: "poll candidates", Message: "malformed candidate list"}
	}
	return candidates, nil
}

// SendHeartbeat POSTs a keep-alive to the session address. Returns false
// when the server no longer knows the session (404) or on transport failure;
// callers count both as a miss.
func (c *Client) SendHeartbeat(ctx context.Context, session *domain.Session) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(session), nil)
	if err != nil {
		return false, fmt.Errorf("build heartbeat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, &domain.ProtocolError{
			Op:      "send heartbeat",
			Status:  resp.StatusCode,
			Message: "unexpected status",
		}
	}
}

// DeleteSession tears the remote session down. Failures must never block
// teardown, so the caller logs and moves on.
func (c *Client) DeleteSession(ctx context.Context, session *domain.Session) error {
	ctx, span := tracing.TraceWHEPRequest(ctx, "delete_session", string(session.SinkID))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.sessionURL(session), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	resp.Body.Close()
	return nil
}
