// Package ledger submits signed payloads to a settlement chain.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/blake2b"
)

const sendMethod = "sendBoc"

// SignedTransaction is a payload together with the signature produced for it.
type SignedTransaction struct {
	Payload   []byte
	Signature []byte
	PublicKey []byte
}

func (tx SignedTransaction) validate() error {
	if len(tx.Payload) == 0 || len(tx.Signature) == 0 {
		return contracts.NewError(contracts.KindInvalidRequest, "signed transaction is incomplete")
	}
	return nil
}

// Broadcaster submits a signed transaction and returns its hash.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx SignedTransaction) (string, error)
}

// DryRun never touches the network. The returned hash is blake2b-256 over
// payload and signature, so the same transaction always yields the same hash.
type DryRun struct{}

func (DryRun) Broadcast(ctx context.Context, tx SignedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", contracts.WrapError(contracts.KindTransportFailure, "broadcast cancelled", err)
	}
	if err := tx.validate(); err != nil {
		return "", err
	}
	return TransactionHash(tx), nil
}

func TransactionHash(tx SignedTransaction) string {
	h, _ := blake2b.New256(nil)
	h.Write(tx.Payload)
	h.Write(tx.Signature)
	return hex.EncodeToString(h.Sum(nil))
}

type JSONRPCOptions struct {
	APIKey         string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// JSONRPCBroadcaster posts transactions to a chain node's JSON-RPC endpoint.
// Resubmitting a signed transaction is harmless, so transport failures are
// retried.
type JSONRPCBroadcaster struct {
	http       *resty.Client
	endpoint   string
	maxRetries uint64
	initial    time.Duration
	nextID     atomic.Uint64
}

type sendRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      uint64     `json:"id"`
	Method  string     `json:"method"`
	Params  sendParams `json:"params"`
}

type sendParams struct {
	Boc       string `json:"boc"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key,omitempty"`
}

type sendResponse struct {
	OK     bool   `json:"ok"`
	Result *struct {
		Hash string `json:"hash"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewJSONRPCBroadcaster(endpoint string, opts JSONRPCOptions) (*JSONRPCBroadcaster, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("ledger endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		rc.SetHeader("X-API-Key", key)
	}
	return &JSONRPCBroadcaster{http: rc, endpoint: endpoint, maxRetries: opts.MaxRetries, initial: opts.InitialBackoff}, nil
}

func (b *JSONRPCBroadcaster) Broadcast(ctx context.Context, tx SignedTransaction) (string, error) {
	if err := tx.validate(); err != nil {
		return "", err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initial
	policy.MaxElapsedTime = 0

	var hash string
	err := backoff.Retry(func() error {
		h, err := b.send(ctx, tx)
		if err == nil {
			hash = h
			return nil
		}
		if contracts.Retryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx))
	if err != nil {
		var typed *contracts.Error
		if !errors.As(err, &typed) {
			return "", contracts.WrapError(contracts.KindTransportFailure, "broadcast cancelled", err)
		}
		return "", err
	}
	return hash, nil
}

func (b *JSONRPCBroadcaster) send(ctx context.Context, tx SignedTransaction) (string, error) {
	var out sendResponse
	body := sendRequest{
		JSONRPC: "2.0",
		ID:      b.nextID.Add(1),
		Method:  sendMethod,
		Params: sendParams{
			Boc:       base64.StdEncoding.EncodeToString(tx.Payload),
			Signature: base64.StdEncoding.EncodeToString(tx.Signature),
		},
	}
	if len(tx.PublicKey) > 0 {
		body.Params.PublicKey = base64.StdEncoding.EncodeToString(tx.PublicKey)
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&out).
		Post(b.endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", contracts.WrapError(contracts.KindTransportFailure, "broadcast cancelled", ctxErr)
		}
		return "", contracts.WrapError(contracts.KindTransportFailure, "ledger unreachable", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return "", contracts.NewError(contracts.KindTransportFailure, "ledger unavailable: "+http.StatusText(resp.StatusCode()))
	}
	if out.Error != nil {
		return "", contracts.NewError(contracts.KindInvalidRequest, fmt.Sprintf("ledger rejected transaction (%d): %s", out.Error.Code, out.Error.Message))
	}
	if resp.IsError() {
		return "", contracts.NewError(contracts.KindInvalidRequest, "ledger rejected transaction: "+http.StatusText(resp.StatusCode()))
	}
	if out.Result == nil || strings.TrimSpace(out.Result.Hash) == "" {
		return "", contracts.NewError(contracts.KindInternal, "ledger response carried no transaction hash")
	}
	return out.Result.Hash, nil
}
