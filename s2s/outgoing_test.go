package s2s

import (
	"testing"

	"relay.im/s2s/jid"
	"relay.im/s2s/stanza"
)

// TestOutgoingSessionQueueBounceOrderOnClose verifies that stanzas queued on
// an OutgoingSession that never authenticates are bounced, in the order they
// were enqueued, once the session ends.
func TestOutgoingSessionQueueBounceOrderOnClose(t *testing.T) {
	var bounced []stanza.Stanza
	ctx := NewDomainContext("example.com", Config{
		StanzaListener: func(s stanza.Stanza) { bounced = append(bounced, s) },
	})

	out := newOutgoingSession(ctx, "other.example")
	local := jid.MustParse("example.com")
	remote := jid.MustParse("other.example")

	ids := []string{"one", "two", "three"}
	for _, id := range ids {
		out.enqueue(stanza.Stanza{To: remote, From: local, ID: id})
	}

	out.end()

	if len(bounced) != len(ids) {
		t.Fatalf("bounced %d stanzas, want %d", len(bounced), len(ids))
	}
	for i, id := range ids {
		if bounced[i].ID != id {
			t.Errorf("bounced[%d].ID = %q, want %q (enqueue order not preserved)", i, bounced[i].ID, id)
		}
		if bounced[i].Type != "error" {
			t.Errorf("bounced[%d].Type = %q, want %q", i, bounced[i].Type, "error")
		}
		if bounced[i].To.String() != local.String() {
			t.Errorf("bounced[%d].To = %q, want %q (bounce should reverse addressing)", i, bounced[i].To, local)
		}
	}
}

// TestOutgoingSessionAwaitOnlineAfterResolve verifies awaitOnline replies
// immediately, without queuing, once the session has already settled.
func TestOutgoingSessionAwaitOnlineAfterResolve(t *testing.T) {
	ctx := NewDomainContext("example.com", Config{})
	out := newOutgoingSession(ctx, "other.example")
	out.selfID = "abc123"
	out.dbKey = "deadbeef"
	out.resolve(true)

	var got bool
	var called bool
	out.awaitOnline(func(ok bool) {
		called = true
		got = ok
	})
	if !called {
		t.Fatal("awaitOnline did not invoke callback synchronously once settled")
	}
	if !got {
		t.Errorf("awaitOnline reported false, want true")
	}
}

// TestOutgoingSessionAwaitOnlineSuspendsUntilResolve verifies that a waiter
// registered before the session settles is not invoked until resolve is
// called, and never reports true before the session actually authenticates.
func TestOutgoingSessionAwaitOnlineSuspendsUntilResolve(t *testing.T) {
	ctx := NewDomainContext("example.com", Config{})
	out := newOutgoingSession(ctx, "other.example")

	var called bool
	var got bool
	out.awaitOnline(func(ok bool) {
		called = true
		got = ok
	})
	if called {
		t.Fatal("awaitOnline invoked callback before the session settled")
	}

	out.resolve(false)
	if !called {
		t.Fatal("awaitOnline did not invoke callback after resolve")
	}
	if got {
		t.Errorf("awaitOnline reported true for a session that never authenticated")
	}
}

// TestDomainContextVerifyDialbackNoOutgoingSession verifies that a
// <db:verify/> request naming a domain this context has no outgoing session
// to fails immediately, since there is nothing to correlate the id/key pair
// against.
func TestDomainContextVerifyDialbackNoOutgoingSession(t *testing.T) {
	ctx := NewDomainContext("example.com", Config{})

	var got bool
	var called bool
	ctx.verifyDialback("nobody.example", "someid", "somekey", func(ok bool) {
		called = true
		got = ok
	})
	if !called {
		t.Fatal("verifyDialback did not invoke callback")
	}
	if got {
		t.Errorf("verifyDialback reported true with no outgoing session to correlate against")
	}
}

// TestDomainContextVerifyDialbackCorrelatesAgainstOwnSession verifies that
// verifyDialback answers by comparing against the id/key its own outgoing
// session actually offered, not by recomputing the HMAC, and that it
// suspends the answer until that session comes online.
func TestDomainContextVerifyDialbackCorrelatesAgainstOwnSession(t *testing.T) {
	ctx := NewDomainContext("example.com", Config{})
	out := newOutgoingSession(ctx, "other.example")
	out.selfID = "stream-id-1"
	out.dbKey = "the-real-key"
	ctx.mu.Lock()
	ctx.out["other.example"] = out
	ctx.mu.Unlock()

	verdicts := make(chan bool, 3)
	ctx.verifyDialback("other.example", "stream-id-1", "the-real-key", func(ok bool) { verdicts <- ok })
	ctx.verifyDialback("other.example", "stream-id-1", "wrong-key", func(ok bool) { verdicts <- ok })
	ctx.verifyDialback("other.example", "wrong-id", "the-real-key", func(ok bool) { verdicts <- ok })

	select {
	case <-verdicts:
		t.Fatal("verifyDialback answered before the outgoing session came online")
	default:
	}

	out.resolve(true)

	got := []bool{<-verdicts, <-verdicts, <-verdicts}
	want := map[bool]int{true: 1, false: 2}
	counts := map[bool]int{}
	for _, v := range got {
		counts[v]++
	}
	if counts[true] != want[true] || counts[false] != want[false] {
		t.Errorf("verdicts = %v, want exactly one true and two false", got)
	}
}
