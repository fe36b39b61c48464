package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"batchd/internal/domain"
)

func TestRegistryRoutesByKind(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.JobKindDataGen, Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
		return json.RawMessage(`"datagen"`), nil
	}))

	out, err := reg.Execute(context.Background(), Request{Kind: domain.JobKindDataGen})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `"datagen"` {
		t.Fatalf("out = %s", out)
	}

	if _, err := reg.Execute(context.Background(), Request{Kind: domain.JobKindBulkPipeline}); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestWithTimeoutCancelsSlowWork(t *testing.T) {
	slow := Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})

	start := time.Now()
	_, err := WithTimeout(slow, 20*time.Millisecond).Execute(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout did not take effect")
	}
}

func TestWithTimeoutZeroIsPassthrough(t *testing.T) {
	inner := Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("unexpected deadline")
		}
		return nil, nil
	})
	if _, err := WithTimeout(inner, 0).Execute(context.Background(), Request{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
