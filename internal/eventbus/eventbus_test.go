package eventbus

import "testing"

type widgetCreated struct{ Name string }
type widgetDeleted struct{ Name string }

func TestSubscribeDeliversOnlyMatchingType(t *testing.T) {
	b := New()

	var created []string
	var deleted []string
	Subscribe(b, func(e widgetCreated) { created = append(created, e.Name) })
	Subscribe(b, func(e widgetDeleted) { deleted = append(deleted, e.Name) })

	b.Publish(widgetCreated{Name: "a"})
	b.Publish(widgetDeleted{Name: "b"})
	b.Publish(widgetCreated{Name: "c"})

	if got := created; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("created = %v, want [a c]", got)
	}
	if got := deleted; len(got) != 1 || got[0] != "b" {
		t.Fatalf("deleted = %v, want [b]", got)
	}
}

func TestMultipleSubscribersToSameType(t *testing.T) {
	b := New()

	var a, c int
	Subscribe(b, func(widgetCreated) { a++ })
	Subscribe(b, func(widgetCreated) { c++ })

	b.Publish(widgetCreated{Name: "x"})

	if a != 1 || c != 1 {
		t.Fatalf("a=%d c=%d, want 1 and 1", a, c)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var count int
	sub := Subscribe(b, func(widgetCreated) { count++ })

	b.Publish(widgetCreated{Name: "x"})
	b.Unsubscribe(sub)
	b.Publish(widgetCreated{Name: "y"})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestUnsubscribeUnknownSubscriptionIsNoop(t *testing.T) {
	b := New()
	b.Unsubscribe(Subscription{id: 999})
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Publish(widgetCreated{Name: "x"})
}
