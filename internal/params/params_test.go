package params

import (
	"testing"

	"github.com/resinat/queryengine/internal/signal"
)

func TestNewResolver_StaticOnly(t *testing.T) {
	r := NewResolver(map[string]Source{
		"id": {Static: 42},
	}, nil)
	defer r.Close()

	got := r.Resolved()
	if got["id"] != 42 {
		t.Fatalf("expected id=42, got %v", got)
	}
}

func TestNewResolver_ReactiveInitialValue(t *testing.T) {
	cell := signal.NewCell[any]("page-1")
	r := NewResolver(map[string]Source{
		"page": {Reactive: func() signal.AttachValue[any] { return cell }},
	}, nil)
	defer r.Close()

	if r.Resolved()["page"] != "page-1" {
		t.Fatalf("expected initial page=page-1, got %v", r.Resolved()["page"])
	}
}

func TestResolver_ReactiveChangeFiresOnChange(t *testing.T) {
	cell := signal.NewCell[any]("page-1")
	var calls int
	var lastMap map[string]any
	r := NewResolver(map[string]Source{
		"page": {Reactive: func() signal.AttachValue[any] { return cell }},
	}, func(m map[string]any) {
		calls++
		lastMap = m
	})
	defer r.Close()

	cell.Set("page-2")
	if calls != 1 {
		t.Fatalf("expected 1 onChange call, got %d", calls)
	}
	if lastMap["page"] != "page-2" {
		t.Fatalf("expected page-2, got %v", lastMap["page"])
	}
}

func TestResolver_DeepEqualUpdateSuppressed(t *testing.T) {
	cell := signal.NewCell[any](map[string]any{"a": 1})
	var calls int
	r := NewResolver(map[string]Source{
		"filter": {Reactive: func() signal.AttachValue[any] { return cell }},
	}, func(m map[string]any) { calls++ })
	defer r.Close()

	// A structurally identical but distinct map value must not notify.
	cell.Set(map[string]any{"a": 1})
	if calls != 0 {
		t.Fatalf("expected deep-equal update to be suppressed, got %d calls", calls)
	}

	cell.Set(map[string]any{"a": 2})
	if calls != 1 {
		t.Fatalf("expected change to fire exactly once, got %d", calls)
	}
}

func TestResolver_CloseUnsubscribes(t *testing.T) {
	cell := signal.NewCell[any](1)
	var calls int
	r := NewResolver(map[string]Source{
		"n": {Reactive: func() signal.AttachValue[any] { return cell }},
	}, func(map[string]any) { calls++ })

	r.Close()
	cell.Set(2)
	if calls != 0 {
		t.Fatalf("expected no callbacks after Close, got %d", calls)
	}
}

func TestResolveEnabled_Static(t *testing.T) {
	initial, unsub := ResolveEnabled(EnabledSource{Static: true}, nil)
	if !initial {
		t.Fatal("expected static true")
	}
	if unsub != nil {
		t.Fatal("expected nil unsubscribe for static source")
	}
}

func TestResolveEnabled_Reactive(t *testing.T) {
	cell := signal.NewCell(false)
	var got bool
	initial, unsub := ResolveEnabled(EnabledSource{
		Reactive: func() signal.AttachValue[bool] { return cell },
	}, func(v bool) { got = v })
	defer unsub()

	if initial {
		t.Fatal("expected initial false")
	}
	cell.Set(true)
	if !got {
		t.Fatal("expected onChange to observe true")
	}
}
