// Package custodytest builds wallets, auth methods and trust-network roots
// for tests.
package custodytest

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"custody-signer/go-backend/internal/domains/auth"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/pkg/models"
)

// Epoch is the fixed start time used across custody tests.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock safe for concurrent reads.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Wallet returns a fresh random wallet keypair.
func Wallet(t testing.TB) *identity.Keypair {
	t.Helper()
	kp, _, err := identity.Create()
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return kp
}

// Root returns a deterministic trust-network root.
func Root(t testing.TB) *netkeys.Root {
	t.Helper()
	root, err := netkeys.NewRoot(bytes.Repeat([]byte{0x42}, netkeys.RootSecretSize))
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	return root
}

// AuthMethod authenticates kp at the clock's current time.
func AuthMethod(t testing.TB, kp *identity.Keypair, clock *Clock, validity time.Duration) models.AuthMethod {
	t.Helper()
	b := &auth.Broker{Now: clock.Now}
	method, err := b.Authenticate(kp, validity)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return method
}

// Verifier checks auth methods against clock.
func Verifier(clock *Clock) auth.Verifier {
	return auth.Verifier{Now: clock.Now}
}
