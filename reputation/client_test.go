package reputation

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

// recordingBackend counts delegated calls.
type recordingBackend struct {
	Local
	registered int
}

func (r *recordingBackend) RegisterAgent(ctx context.Context, address string, stake decimal.Decimal) error {
	r.registered++
	return nil
}

func TestClientPrefersHostAdapter(t *testing.T) {
	host := &recordingBackend{}
	c := NewClient(true, false, WithHostAdapter(host))

	if err := c.RegisterAgent(context.Background(), "EQX", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("RegisterAgent() returned error: %v", err)
	}
	if host.registered != 1 {
		t.Errorf("host adapter calls = %d, want 1", host.registered)
	}
}

func TestClientStrictWithoutHost(t *testing.T) {
	ctx := context.Background()
	c := NewClient(true, true)

	if err := c.RegisterAgent(ctx, "EQX", decimal.NewFromInt(2)); err != ErrChainPathUnavailable {
		t.Errorf("RegisterAgent() error = %v, want ErrChainPathUnavailable", err)
	}
	if _, err := c.RecordOutcome(ctx, "EQX", "tx", 9); err != ErrChainPathUnavailable {
		t.Errorf("RecordOutcome() error = %v, want ErrChainPathUnavailable", err)
	}
	if _, err := c.Slash(ctx, "EQX", "r"); err != ErrChainPathUnavailable {
		t.Errorf("Slash() error = %v, want ErrChainPathUnavailable", err)
	}
	if _, err := c.WithdrawStake(ctx, "EQX"); err != ErrChainPathUnavailable {
		t.Errorf("WithdrawStake() error = %v, want ErrChainPathUnavailable", err)
	}

	// Reads may still use the local simulation when allowed.
	if _, err := c.GetReputation(ctx, "EQX"); err != nil {
		t.Errorf("GetReputation() returned error: %v", err)
	}
}

func TestClientLocalFallback(t *testing.T) {
	ctx := context.Background()
	c := NewClient(false, true)

	if err := c.RegisterAgent(ctx, "EQX", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("RegisterAgent() returned error: %v", err)
	}
	rep, err := c.GetReputation(ctx, "EQX")
	if err != nil {
		t.Fatalf("GetReputation() returned error: %v", err)
	}
	if rep != 100 {
		t.Errorf("reputation = %d, want 100", rep)
	}
}

func TestClientFallbackDisabled(t *testing.T) {
	c := NewClient(false, false)
	if _, err := c.GetReputation(context.Background(), "EQX"); err != ErrLocalFallbackDisabled {
		t.Errorf("GetReputation() error = %v, want ErrLocalFallbackDisabled", err)
	}
}

func TestStrictDefault(t *testing.T) {
	tests := []struct {
		mode string
		want bool
	}{
		{"local", false},
		{"testnet", false},
		{"production", true},
		{"mainnet", true},
	}
	for _, tt := range tests {
		if got := StrictDefault(tt.mode); got != tt.want {
			t.Errorf("StrictDefault(%q) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}
