package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/auth"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Problem type URI the relay uses for stale-epoch rejections.
const problemTypeStaleEpoch = "https://betterbase.dev/errors/stale-epoch"

// DefaultTimeout bounds each relay request except the event stream.
const DefaultTimeout = 30 * time.Second

// HTTP talks to a relay over its JSON API.
type HTTP struct {
	baseURL string
	client  *http.Client
	stream  *http.Client

	mu      sync.RWMutex
	session string
}

var _ Relay = (*HTTP)(nil)

// HTTPOption configures an HTTP adapter.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests. Its transport is also
// used for the event stream.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.client.Timeout = d }
}

// NewHTTP creates an unbound adapter for the relay at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.stream = &http.Client{Transport: h.client.Transport}
	return h
}

// SessionToken returns the bound session token, or "".
func (h *HTTP) SessionToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

func (h *HTTP) setSession(token string) {
	h.mu.Lock()
	h.session = token
	h.mu.Unlock()
}

// problem is the subset of an RFC 7807 body the client inspects.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// errorFromResponse maps a relay problem response to a sentinel error.
func errorFromResponse(resp *http.Response) error {
	var p problem
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, &p)
	detail := p.Detail
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = types.ErrNotFound
	case http.StatusForbidden:
		sentinel = types.ErrForbidden
	case http.StatusUnauthorized:
		sentinel = types.ErrUnauthorized
	case http.StatusConflict:
		if p.Type == problemTypeStaleEpoch {
			sentinel = types.ErrStaleEpoch
		} else {
			sentinel = types.ErrConflict
		}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = types.ErrInvalid
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		sentinel = types.ErrTimeout
	default:
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, detail)
	}
	return fmt.Errorf("relay returned %d: %s: %w", resp.StatusCode, detail, sentinel)
}

// networkError maps a failed round trip. Cancellation is returned as is;
// timeouts and unreachable relays are retryable.
func networkError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("relay request timed out: %w", types.ErrTimeout)
	}
	return fmt.Errorf("relay unreachable: %v: %w", err, types.ErrTimeout)
}

func (h *HTTP) newRequest(ctx context.Context, method, path, token string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request and decodes a 2xx JSON body into out when non-nil.
func (h *HTTP) do(ctx context.Context, method, path, token string, body, out any) error {
	req, err := h.newRequest(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return networkError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// sessionDo sends a request authorized by the bound session.
func (h *HTTP) sessionDo(ctx context.Context, method, path string, body, out any) error {
	token := h.SessionToken()
	if token == "" {
		return fmt.Errorf("no identity bound: %w", types.ErrUnauthorized)
	}
	return h.do(ctx, method, path, token, body, out)
}

func spacePath(spaceID, suffix string) string {
	return "/api/v1/spaces/" + url.PathEscape(spaceID) + suffix
}

func (h *HTTP) Register(ctx context.Context, handle string, publicKey []byte) (bbsync.RegisterResponse, error) {
	var resp bbsync.RegisterResponse
	err := h.do(ctx, http.MethodPost, "/api/v1/identities", "",
		bbsync.RegisterRequest{Handle: handle, PublicKey: publicKey}, &resp)
	if err != nil {
		return resp, err
	}
	h.setSession(resp.SessionToken)
	return resp, nil
}

// Authenticate binds the session and confirms it by listing spaces. The DID
// is read from the token's subject.
func (h *HTTP) Authenticate(ctx context.Context, sessionToken string) (string, error) {
	var spaces bbsync.SpacesResponse
	if err := h.do(ctx, http.MethodGet, "/api/v1/spaces", sessionToken, nil, &spaces); err != nil {
		return "", err
	}
	did, err := auth.Subject(sessionToken)
	if err != nil {
		return "", err
	}
	h.setSession(sessionToken)
	return did, nil
}

func (h *HTTP) Resolve(ctx context.Context, handle string) (types.Identity, error) {
	var id types.Identity
	err := h.sessionDo(ctx, http.MethodGet, "/api/v1/identities/"+url.PathEscape(handle), nil, &id)
	return id, err
}

func (h *HTTP) CreateSpace(ctx context.Context, req bbsync.CreateSpaceRequest) (types.Space, error) {
	var sp types.Space
	err := h.sessionDo(ctx, http.MethodPost, "/api/v1/spaces", req, &sp)
	return sp, err
}

func (h *HTTP) Spaces(ctx context.Context) ([]types.Space, error) {
	var resp bbsync.SpacesResponse
	err := h.sessionDo(ctx, http.MethodGet, "/api/v1/spaces", nil, &resp)
	return resp.Spaces, err
}

func (h *HTTP) Capability(ctx context.Context, spaceID string) (bbsync.CapabilityResponse, error) {
	var resp bbsync.CapabilityResponse
	err := h.sessionDo(ctx, http.MethodPost, spacePath(spaceID, "/capability"), nil, &resp)
	return resp, err
}

func (h *HTTP) Push(ctx context.Context, capability string, req bbsync.PushRequest) (bbsync.PushResponse, error) {
	var resp bbsync.PushResponse
	err := h.do(ctx, http.MethodPost, spacePath(req.SpaceID, "/sync/push"), capability, req, &resp)
	return resp, err
}

func (h *HTTP) Pull(ctx context.Context, capability string, req bbsync.PullRequest) (bbsync.PullResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(req.After, 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var resp bbsync.PullResponse
	err := h.do(ctx, http.MethodGet, spacePath(req.SpaceID, "/sync/pull?"+q.Encode()), capability, nil, &resp)
	return resp, err
}

func (h *HTTP) Invite(ctx context.Context, req bbsync.InviteRequest) (types.Invitation, error) {
	var inv types.Invitation
	err := h.sessionDo(ctx, http.MethodPost, spacePath(req.SpaceID, "/invitations"), req, &inv)
	return inv, err
}

func (h *HTTP) Invitations(ctx context.Context) ([]types.Invitation, error) {
	var resp bbsync.InvitationsResponse
	err := h.sessionDo(ctx, http.MethodGet, "/api/v1/invitations", nil, &resp)
	return resp.Invitations, err
}

func (h *HTTP) Accept(ctx context.Context, invitationID string) (types.Space, error) {
	var sp types.Space
	err := h.sessionDo(ctx, http.MethodPost, "/api/v1/invitations/"+url.PathEscape(invitationID)+"/accept", nil, &sp)
	return sp, err
}

func (h *HTTP) Decline(ctx context.Context, invitationID string) error {
	return h.sessionDo(ctx, http.MethodPost, "/api/v1/invitations/"+url.PathEscape(invitationID)+"/decline", nil, nil)
}

func (h *HTTP) Members(ctx context.Context, spaceID string) ([]types.Member, error) {
	var resp bbsync.MembersResponse
	err := h.sessionDo(ctx, http.MethodGet, spacePath(spaceID, "/members"), nil, &resp)
	return resp.Members, err
}

func (h *HTTP) RemoveMember(ctx context.Context, spaceID, memberDID string) (bbsync.RemoveMemberResponse, error) {
	var resp bbsync.RemoveMemberResponse
	err := h.sessionDo(ctx, http.MethodDelete, spacePath(spaceID, "/members/"+url.PathEscape(memberDID)), nil, &resp)
	return resp, err
}

func (h *HTTP) PublishEpoch(ctx context.Context, req bbsync.PublishEpochRequest) error {
	return h.sessionDo(ctx, http.MethodPost, spacePath(req.SpaceID, "/epochs"), req, nil)
}

func (h *HTTP) PublishWraps(ctx context.Context, req bbsync.PublishWrapsRequest) error {
	return h.sessionDo(ctx, http.MethodPost, spacePath(req.SpaceID, "/wraps"), req, nil)
}

func (h *HTTP) KeyWraps(ctx context.Context, spaceID string) (bbsync.KeyWrapsResponse, error) {
	var resp bbsync.KeyWrapsResponse
	err := h.sessionDo(ctx, http.MethodGet, spacePath(spaceID, "/wraps"), nil, &resp)
	return resp, err
}

func (h *HTTP) MissingWraps(ctx context.Context, spaceID string) ([]bbsync.MissingWrap, error) {
	var resp bbsync.MissingWrapsResponse
	err := h.sessionDo(ctx, http.MethodGet, spacePath(spaceID, "/wraps/missing"), nil, &resp)
	return resp.Missing, err
}

func (h *HTTP) PutFile(ctx context.Context, fd types.FileDescriptor) error {
	return h.sessionDo(ctx, http.MethodPost, spacePath(fd.SpaceID, "/files"), fd, nil)
}

func (h *HTTP) Files(ctx context.Context, spaceID string) ([]types.FileDescriptor, error) {
	var resp bbsync.FilesResponse
	err := h.sessionDo(ctx, http.MethodGet, spacePath(spaceID, "/files"), nil, &resp)
	return resp.Files, err
}

// Events opens the relay's server-sent event stream.
func (h *HTTP) Events(ctx context.Context) (<-chan types.Event, error) {
	token := h.SessionToken()
	if token == "" {
		return nil, fmt.Errorf("no identity bound: %w", types.ErrUnauthorized)
	}
	req, err := h.newRequest(ctx, http.MethodGet, "/api/v1/events", token, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := h.stream.Do(req)
	if err != nil {
		return nil, networkError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}

	out := make(chan types.Event, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, out)
	}()
	return out, nil
}

// readEvents parses "data:" lines of an event stream into events. Comment
// lines and unknown fields are ignored.
func readEvents(ctx context.Context, r io.Reader, out chan<- types.Event) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
