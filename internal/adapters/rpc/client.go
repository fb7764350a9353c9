package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	DefaultClientTimeout    = 15 * time.Second
	DefaultClientMaxRetries = 3
)

type ClientOptions struct {
	Token          string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// Client speaks the custody JSON-RPC API. It satisfies
// contracts.CustodyService so callers cannot tell it from the local service.
type Client struct {
	http       *resty.Client
	maxRetries uint64
	initial    time.Duration
	nextID     atomic.Uint64
	closed     atomic.Bool
}

type clientRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

var errClientClosed = errors.New("rpc client is closed")

func NewClient(endpoint string, opts ClientOptions) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("rpc endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultClientTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultClientMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(endpoint).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token := strings.TrimSpace(opts.Token); token != "" {
		rc.SetHeader(rpcTokenHeader, token)
	}
	return &Client{http: rc, maxRetries: opts.MaxRetries, initial: opts.InitialBackoff}, nil
}

// Close releases idle connections. Calls after Close fail.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// Health checks /healthz.
func (c *Client) Health(ctx context.Context) error {
	if c.closed.Load() {
		return contracts.WrapError(contracts.KindTransportFailure, "client closed", errClientClosed)
	}
	resp, err := c.http.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return transportError(ctx, err)
	}
	if resp.IsError() {
		return statusError(resp.StatusCode())
	}
	return nil
}

func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var out VersionInfo
	err := c.callRetrying(ctx, methodSystemVersion, nil, &out)
	return out, err
}

func (c *Client) VerifyAuth(ctx context.Context, method models.AuthMethod) (contracts.AuthCheck, error) {
	var out contracts.AuthCheck
	err := c.callRetrying(ctx, methodAuthLookup, authParams{AuthMethod: method}, &out)
	return out, err
}

func (c *Client) Mint(ctx context.Context, method models.AuthMethod, scopes []models.Scope) (models.DelegatedIdentity, error) {
	var out models.DelegatedIdentity
	err := c.callRetrying(ctx, methodRegistryMint, mintParams{AuthMethod: method, Scopes: scopes}, &out)
	return out, err
}

func (c *Client) LookupIdentities(ctx context.Context, method models.AuthMethod) ([]models.DelegatedIdentity, error) {
	var out []models.DelegatedIdentity
	err := c.callRetrying(ctx, methodRegistryLookup, authParams{AuthMethod: method}, &out)
	return out, err
}

func (c *Client) IssueSession(ctx context.Context, identityID string, method models.AuthMethod, abilities []models.Ability, ttl time.Duration) (models.SessionCredential, error) {
	var out models.SessionCredential
	err := c.callRetrying(ctx, methodSessionIssue, sessionParams{
		IdentityID: identityID,
		AuthMethod: method,
		Abilities:  abilities,
		TTLSeconds: ttlSeconds(ttl),
	}, &out)
	return out, err
}

// ttlSeconds converts ttl for the wire. Zero on the wire means the server
// default, so a positive ttl under a second is sent as 1s; longer ttls round
// down to keep the credential no wider than requested.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	if ttl < time.Second {
		return 1
	}
	return int64(ttl / time.Second)
}

// ImportSealed is never retried here: after a transport failure the caller
// must check LookupImport before trying again.
func (c *Client) ImportSealed(ctx context.Context, cred models.SessionCredential, req models.SealedImport) (models.EntrySummary, error) {
	var out models.EntrySummary
	err := c.call(ctx, methodVaultImport, importParams{Credential: cred, Import: req}, &out, "")
	return out, err
}

func (c *Client) LookupImport(ctx context.Context, cred models.SessionCredential, requestID string) (models.EntrySummary, bool, error) {
	var out LookupImportResult
	if err := c.callRetrying(ctx, methodVaultLookupImport, lookupImportParams{Credential: cred, RequestID: requestID}, &out); err != nil {
		return models.EntrySummary{}, false, err
	}
	return out.Entry, out.Found, nil
}

func (c *Client) FetchForSigning(ctx context.Context, entryID string, cred models.SessionCredential) (models.SigningHandle, error) {
	var out models.SigningHandle
	err := c.callRetrying(ctx, methodVaultFetch, fetchParams{EntryID: entryID, Credential: cred}, &out)
	return out, err
}

// Sign is not retried; a handle is consumed by the first attempt.
func (c *Client) Sign(ctx context.Context, req models.SigningRequest) (models.SigningResult, error) {
	var out models.SigningResult
	err := c.call(ctx, methodExecutorSign, signParams{SigningRequest: req}, &out, "")
	return out, err
}

func (c *Client) SealingKey(ctx context.Context) (models.SealingKeyInfo, error) {
	var out models.SealingKeyInfo
	err := c.callRetrying(ctx, methodExecutorSealing, nil, &out)
	return out, err
}

// callRetrying retries transport failures with exponential backoff. All
// attempts share one idempotency key so the server replays a response that
// was produced but lost.
func (c *Client) callRetrying(ctx context.Context, method string, params, out any) error {
	key := uuid.NewString()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	err := backoff.Retry(func() error {
		err := c.call(ctx, method, params, out, key)
		if err == nil {
			return nil
		}
		if contracts.Retryable(err) && ctx.Err() == nil && !c.closed.Load() {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	var typed *contracts.Error
	if err != nil && !errors.As(err, &typed) {
		return transportError(ctx, err)
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params, out any, idempotencyKey string) error {
	if c.closed.Load() {
		return contracts.WrapError(contracts.KindTransportFailure, "client closed", errClientClosed)
	}
	var envelope clientResponse
	req := c.http.R().
		SetContext(ctx).
		SetBody(clientRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}).
		SetResult(&envelope)
	if idempotencyKey != "" {
		req.SetHeader(rpcIdempotencyHeader, idempotencyKey)
	}
	resp, err := req.Post("/rpc")
	if err != nil {
		return transportError(ctx, err)
	}
	if resp.IsError() {
		return statusError(resp.StatusCode())
	}
	if envelope.Error != nil {
		return errorFromRPC(envelope.Error)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return contracts.WrapError(contracts.KindInternal, "malformed rpc result", err)
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contracts.WrapError(contracts.KindTransportFailure, "request cancelled", ctxErr)
	}
	return contracts.WrapError(contracts.KindTransportFailure, "rpc request failed", err)
}

func statusError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return contracts.NewError(contracts.KindInvalidRequest, "rpc token rejected")
	case status == http.StatusTooManyRequests || status >= 500:
		return contracts.NewError(contracts.KindTransportFailure, "rpc server unavailable: "+http.StatusText(status))
	default:
		return contracts.NewError(contracts.KindInvalidRequest, "rpc request rejected: "+http.StatusText(status))
	}
}
