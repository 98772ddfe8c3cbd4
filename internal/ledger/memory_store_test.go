package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/davidahmann/receipt-verifier/internal/ledger"
	"github.com/davidahmann/receipt-verifier/internal/ledger/storetest"
)

func TestInMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := storetest.NewClock()
		return storetest.Harness{
			Store:   ledger.NewInMemoryStoreWithClock(clock.Now),
			Advance: clock.Advance,
		}
	})
}

func TestInMemoryStoreReRegisterKeepsStreams(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewInMemoryStore()
	meta := ledger.NonceMetadata{SPSPEndpoint: "https://a.example"}

	if err := s.RegisterNonce(ctx, "n1", meta, time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.ResolveReceipt(ctx, ledger.Claim{Nonce: "n1", StreamID: 1, Total: 5}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.RegisterNonce(ctx, "n1", meta, time.Minute); err != nil {
		t.Fatalf("register again: %v", err)
	}
	res, err := s.ResolveReceipt(ctx, ledger.Claim{Nonce: "n1", StreamID: 1, Total: 5})
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if res.Prev != 5 {
		t.Fatalf("expected stored amount to survive re-registration, got %d", res.Prev)
	}
}
