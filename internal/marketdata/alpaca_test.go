package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"spreadlab/internal/config"
	"spreadlab/internal/util"
)

func testSource(fetch fetchFunc) *Source {
	return newSource(fetch, config.Monitor{
		PriceCacheTTL:   30 * time.Second,
		RateLimitPerMin: 6000,
	}, util.NewLogger("error", "text"))
}

func TestLatestPriceCaches(t *testing.T) {
	calls := 0
	src := testSource(func(_ context.Context, symbol string) (float64, error) {
		calls++
		return 150.25, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := src.LatestPrice(ctx, "spy")
		if err != nil {
			t.Fatalf("LatestPrice: %v", err)
		}
		if p != 150.25 {
			t.Fatalf("LatestPrice = %v, want 150.25", p)
		}
	}
	if calls != 1 {
		t.Errorf("fetch called %d times for cached symbol, want 1", calls)
	}
}

func TestLatestPriceCacheExpires(t *testing.T) {
	calls := 0
	src := testSource(func(_ context.Context, _ string) (float64, error) {
		calls++
		return 99.0, nil
	})

	current := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return current }

	ctx := context.Background()
	if _, err := src.LatestPrice(ctx, "QQQ"); err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}

	current = current.Add(time.Minute) // past the TTL
	if _, err := src.LatestPrice(ctx, "QQQ"); err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if calls != 2 {
		t.Errorf("fetch called %d times across TTL expiry, want 2", calls)
	}
}

func TestLatestPriceRetriesTransientErrors(t *testing.T) {
	calls := 0
	src := testSource(func(_ context.Context, _ string) (float64, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42.0, nil
	})

	p, err := src.LatestPrice(context.Background(), "IWM")
	if err != nil {
		t.Fatalf("LatestPrice after transient errors: %v", err)
	}
	if p != 42.0 {
		t.Errorf("LatestPrice = %v, want 42.0", p)
	}
	if calls != 3 {
		t.Errorf("fetch called %d times, want 3", calls)
	}
}

func TestLatestPriceExhaustsRetries(t *testing.T) {
	src := testSource(func(_ context.Context, _ string) (float64, error) {
		return 0, errors.New("service unavailable")
	})

	if _, err := src.LatestPrice(context.Background(), "DIA"); err == nil {
		t.Fatal("LatestPrice returned nil error after persistent failures")
	}
}

func TestPriceFuncAdapter(t *testing.T) {
	src := testSource(func(_ context.Context, symbol string) (float64, error) {
		if symbol != "SPY" {
			t.Errorf("fetch received symbol %q, want SPY (uppercased)", symbol)
		}
		return 500.0, nil
	})

	fn := src.PriceFunc(context.Background())
	p, err := fn("spy")
	if err != nil {
		t.Fatalf("PriceFunc: %v", err)
	}
	if p != 500.0 {
		t.Errorf("PriceFunc = %v, want 500.0", p)
	}
}
