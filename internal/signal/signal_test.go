package signal

import "testing"

func TestCell_ValueReturnsCurrent(t *testing.T) {
	c := NewCell(5)
	if c.Value() != 5 {
		t.Fatalf("expected 5, got %d", c.Value())
	}
}

func TestCell_SetNotifiesSubscribers(t *testing.T) {
	c := NewCell(0)
	var got []int
	c.Subscribe(func(v int) { got = append(got, v) })

	c.Set(1)
	c.Set(2)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
	if c.Value() != 2 {
		t.Fatalf("expected current value 2, got %d", c.Value())
	}
}

func TestCell_UnsubscribeStopsNotifications(t *testing.T) {
	c := NewCell(0)
	var calls int
	unsubscribe := c.Subscribe(func(int) { calls++ })

	c.Set(1)
	unsubscribe()
	c.Set(2)

	if calls != 1 {
		t.Fatalf("expected exactly 1 call before unsubscribe, got %d", calls)
	}
}

func TestCell_UnsubscribeIsIdempotent(t *testing.T) {
	c := NewCell(0)
	unsubscribe := c.Subscribe(func(int) {})
	unsubscribe()
	unsubscribe() // must not panic
}

func TestCell_SatisfiesAttachValue(t *testing.T) {
	var _ AttachValue[int] = NewCell(0)
}
