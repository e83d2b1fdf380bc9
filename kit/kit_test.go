package kit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}
	want := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(want) {
		t.Fatalf("order length: got %d, want %d", len(order), len(want))
	}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) { return nil, errFail }
	noop := func(next Endpoint) Endpoint { return next }

	if _, err := Chain(noop)(base)(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContext_Defaults(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("default transport: got %q", v)
	}
	if v := GetActor(ctx); v != "" {
		t.Fatalf("default actor: got %q", v)
	}
	if v := GetTraceID(ctx); v != "" {
		t.Fatalf("default trace: got %q", v)
	}
}

func TestContext_Values(t *testing.T) {
	ctx := WithActor(WithTraceID(WithTransport(context.Background(), "mcp"), "t1"), "cli")
	if GetTransport(ctx) != "mcp" || GetTraceID(ctx) != "t1" || GetActor(ctx) != "cli" {
		t.Fatalf("got transport=%q trace=%q actor=%q", GetTransport(ctx), GetTraceID(ctx), GetActor(ctx))
	}
}

func TestLogging_RecordsFailures(t *testing.T) {
	// WHAT: Logging passes results through and logs failed calls at warn level.
	// WHY: A failing MCP tool is otherwise only visible to the client.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	boom := errors.New("boom")

	ok := Logging(logger, "ok")(func(context.Context, any) (any, error) { return 1, nil })
	bad := Logging(logger, "bad")(func(context.Context, any) (any, error) { return nil, boom })

	ctx := WithActor(context.Background(), "mcp")
	if v, err := ok(ctx, nil); err != nil || v != 1 {
		t.Fatalf("ok: got %v, %v", v, err)
	}
	if _, err := bad(ctx, nil); !errors.Is(err, boom) {
		t.Fatalf("bad: got %v, want boom", err)
	}
	out := buf.String()
	if strings.Contains(out, "endpoint=ok") {
		t.Fatalf("success logged at warn: %s", out)
	}
	if !strings.Contains(out, "endpoint=bad") || !strings.Contains(out, "actor=mcp") {
		t.Fatalf("failure not logged: %s", out)
	}
}
