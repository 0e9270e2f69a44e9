package p2p

import (
	"errors"
	"testing"
	"time"
)

func TestPeer_RequestResolveByReqID(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)

	var sentID uint64
	resultCh := make(chan struct {
		v   interface{}
		err error
	}, 1)

	go func() {
		v, err := p.Request(time.Second, func(reqID uint64) error {
			sentID = reqID
			return nil
		})
		resultCh <- struct {
			v   interface{}
			err error
		}{v, err}
	}()

	// Poll until the request is registered, then resolve it by its reqId.
	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		_, ok := p.outstandingByReqID[sentID]
		p.mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never registered")
		case <-time.After(time.Millisecond):
		}
	}

	if !p.ResolveByReqID(sentID, "the-response") {
		t.Fatal("ResolveByReqID returned false for a live request")
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.v != "the-response" {
		t.Fatalf("got %v, want %q", res.v, "the-response")
	}
}

func TestPeer_RequestTimeout(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)

	_, err := p.Request(10*time.Millisecond, func(reqID uint64) error { return nil })
	if !errors.Is(err, ErrRequestTimedOut) {
		t.Fatalf("got err=%v, want ErrRequestTimedOut", err)
	}
}

func TestPeer_ResolveByReqID_UnknownIsSoftFailure(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)
	if p.ResolveByReqID(999, "stray") {
		t.Fatal("ResolveByReqID returned true for an id that was never issued")
	}
}

// TestPeer_RequestFIFOOrdering exercises §8's FIFO testable property: two
// concurrent requests of the same type, no explicit id, and a single
// incoming response resolves the first request's future, not the second's.
func TestPeer_RequestFIFOOrdering(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)
	const respMsgID = 0x21

	r1 := make(chan interface{}, 1)
	r2 := make(chan interface{}, 1)

	go func() {
		v, _ := p.RequestFIFO(respMsgID, time.Second, func() error { return nil })
		r1 <- v
	}()
	waitQueued(t, p, respMsgID, 1)

	go func() {
		v, _ := p.RequestFIFO(respMsgID, time.Second, func() error { return nil })
		r2 <- v
	}()
	waitQueued(t, p, respMsgID, 2)

	if !p.ResolveFIFO(respMsgID, "first-response") {
		t.Fatal("ResolveFIFO returned false with two requests queued")
	}

	select {
	case v := <-r1:
		if v != "first-response" {
			t.Fatalf("R1 got %v, want %q", v, "first-response")
		}
	case <-time.After(time.Second):
		t.Fatal("R1 never resolved")
	}

	select {
	case v := <-r2:
		t.Fatalf("R2 resolved prematurely with %v", v)
	case <-time.After(20 * time.Millisecond):
	}

	if !p.ResolveFIFO(respMsgID, "second-response") {
		t.Fatal("ResolveFIFO returned false for the second request")
	}
	select {
	case v := <-r2:
		if v != "second-response" {
			t.Fatalf("R2 got %v, want %q", v, "second-response")
		}
	case <-time.After(time.Second):
		t.Fatal("R2 never resolved")
	}
}

func waitQueued(t *testing.T, p *Peer, msgID uint64, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		l := len(p.outstandingFIFO[msgID])
		p.mu.Unlock()
		if l >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("outstandingFIFO[%d] never reached length %d", msgID, n)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPeer_MarkMessageKnown(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)
	h := Hash{1, 2, 3}

	if p.KnowsMessage(h) {
		t.Fatal("KnowsMessage true before first mark")
	}
	if !p.MarkMessageKnown(h) {
		t.Fatal("MarkMessageKnown should report true on first insertion")
	}
	if p.MarkMessageKnown(h) {
		t.Fatal("MarkMessageKnown should report false on a duplicate")
	}
	if !p.KnowsMessage(h) {
		t.Fatal("KnowsMessage false after marking")
	}
}

func TestPeer_MarkMessageKnownEvictsAtCapacity(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)
	for i := 0; i < maxKnownMessages+10; i++ {
		var h Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		h[2] = byte(i >> 16)
		p.MarkMessageKnown(h)
	}
	p.mu.RLock()
	card := p.knownMessages.Cardinality()
	p.mu.RUnlock()
	if card > maxKnownMessages {
		t.Fatalf("knownMessages grew to %d, want <= %d", card, maxKnownMessages)
	}
}

func TestPeer_DisconnectResolvesOutstandingRequests(t *testing.T) {
	p := NewPeer("peer-a", "10.0.0.1:30303", nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := p.Request(time.Second, func(reqID uint64) error { return nil })
		resCh <- err
	}()

	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		n := len(p.outstandingByReqID)
		p.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never registered")
		case <-time.After(time.Millisecond):
		}
	}

	p.disconnect(DiscRequested, false, nil, nil)

	select {
	case err := <-resCh:
		if !errors.Is(err, ErrPeerDisconnected) {
			t.Fatalf("got err=%v, want ErrPeerDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request was never resolved by disconnect")
	}
}
