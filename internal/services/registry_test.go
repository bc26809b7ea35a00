package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestRegistryCall(t *testing.T) {
	r := testRegistry()

	var got Call
	err := r.Register("demo", "echo", Schema{
		{Name: "msg", Type: TypeString, Required: true},
	}, func(_ context.Context, c Call) (any, error) {
		got = c
		return map[string]any{"echo": c.Data["msg"]}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := r.Call(context.Background(), "demo", "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Domain != "demo" || got.Service != "echo" || got.Data["msg"] != "hi" {
		t.Errorf("handler got %+v", got)
	}
	if resp.(map[string]any)["echo"] != "hi" {
		t.Errorf("resp = %v", resp)
	}
}

func TestRegistryValidationSkipsHandler(t *testing.T) {
	r := testRegistry()
	called := false
	_ = r.Register("demo", "strict", Schema{
		{Name: "n", Type: TypeInt, Required: true},
	}, func(context.Context, Call) (any, error) {
		called = true
		return nil, nil
	})

	_, err := r.Call(context.Background(), "demo", "strict", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if ve.Service != "demo.strict" || len(ve.Fields) != 1 || ve.Fields[0].Field != "n" {
		t.Errorf("ValidationError = %+v", ve)
	}
	if called {
		t.Error("handler ran despite invalid data")
	}
}

func TestRegistryNotFoundAndDuplicate(t *testing.T) {
	r := testRegistry()

	if _, err := r.Call(context.Background(), "nope", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	h := func(context.Context, Call) (any, error) { return nil, nil }
	if err := r.Register("d", "s", nil, h); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("d", "s", nil, h); err == nil {
		t.Error("duplicate Register succeeded")
	}
	if err := r.Register("", "s", nil, h); err == nil {
		t.Error("Register with empty domain succeeded")
	}

	if !r.Has("d", "s") {
		t.Error("Has(d, s) = false")
	}
	if !r.Unregister("d", "s") || r.Has("d", "s") {
		t.Error("Unregister failed")
	}
}

func TestRegistryHandlerError(t *testing.T) {
	r := testRegistry()
	boom := errors.New("boom")
	_ = r.Register("d", "fail", nil, func(context.Context, Call) (any, error) { return nil, boom })

	if _, err := r.Call(context.Background(), "d", "fail", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := testRegistry()
	h := func(context.Context, Call) (any, error) { return nil, nil }
	_ = r.Register("b", "two", nil, h)
	_ = r.Register("a", "one", nil, h)
	_ = r.Register("b", "one", nil, h)

	list := r.List()
	want := []string{"a.one", "b.one", "b.two"}
	if len(list) != len(want) {
		t.Fatalf("List() = %v", list)
	}
	for i, d := range list {
		if key(d.Domain, d.Service) != want[i] {
			t.Errorf("List()[%d] = %s.%s, want %s", i, d.Domain, d.Service, want[i])
		}
	}
}
