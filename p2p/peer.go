package p2p

import (
	"errors"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// maxKnownMessages bounds the per-peer set of recently announced/received
// message hashes (e.g. eth transaction or block hashes) used to suppress
// re-broadcasting data the peer has already told us about, or that we have
// already sent it.
const maxKnownMessages = 32768

var (
	// ErrPeerAlreadyRegistered is returned when attempting to register a peer
	// that already exists in the peer set.
	ErrPeerAlreadyRegistered = errors.New("p2p: peer already registered")

	// ErrPeerNotRegistered is returned when attempting to unregister a peer
	// that is not in the peer set.
	ErrPeerNotRegistered = errors.New("p2p: peer not registered")

	// ErrPeerDisconnected is delivered to any outstanding request future when
	// the peer disconnects before a response arrives.
	ErrPeerDisconnected = errors.New("p2p: peer disconnected")

	// ErrRequestTimedOut is delivered to a request's future when its
	// single-shot timer fires before a correlated response arrives.
	ErrRequestTimedOut = errors.New("p2p: request timed out")
)

// ETH68 is the protocol version of the example "eth" sub-protocol used to
// exercise the dispatcher and request/response correlation layers. Left
// untyped so it converts freely between the uint32 peer version and the
// uint protocol-capability version used by negotiation.
const ETH68 = 68

// Hash is a 32-byte content hash, sized for Keccak-256 digests.
type Hash [32]byte

// Cap represents a peer capability (protocol name and version).
type Cap struct {
	Name    string
	Version uint
}

// connectionState is the peer-local half of the state machine described by
// the dispatcher: Connecting while the hello exchange is in flight,
// Connected while the dispatch loop runs, Disconnecting once either side has
// initiated teardown, Disconnected once the transport is closed for good.
type connectionState int

const (
	StateConnecting connectionState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s connectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// pendingRequest tracks one outstanding request awaiting a correlated response.
type pendingRequest struct {
	reqID uint64
	resp  chan interface{}
	done  bool
	timer *time.Timer
}

// Peer represents a connected remote node reachable through the dispatcher.
type Peer struct {
	id         string // Unique peer identifier (e.g., enode ID).
	remoteAddr string // Remote network address (ip:port).
	caps       []Cap  // Negotiated capabilities.
	version    uint32 // Negotiated protocol version of the primary sub-protocol.

	mu sync.RWMutex

	state      connectionState
	dispatcher *Multiplexer // built from the negotiated capability offsets

	// lastReqId is incremented for every LES-style request this peer sends.
	lastReqId uint64

	// outstandingByReqID holds LES-style requests keyed by the reqId written
	// into the request body.
	outstandingByReqID map[uint64]*pendingRequest

	// outstandingFIFO holds eth-style requests queued per response message id;
	// a response resolves the oldest unfinished entry for its msgId.
	outstandingFIFO map[uint64][]*pendingRequest

	// awaitedMessages holds futures for nextMsg(type) callers.
	awaitedMessages map[uint64]chan Msg

	secrets       *sessionSecrets // symmetric keys, zeroized on disconnect
	snappyEnabled bool

	head_ Hash     // best known chain head, for the example eth sub-protocol
	td    *big.Int // total difficulty of head_

	// knownMessages deduplicates hashes this peer is already known to have,
	// bounding re-announcement the way eth/les gossip protocols do for
	// transactions and block hashes.
	knownMessages mapset.Set[Hash]
}

// sessionSecrets holds the symmetric keys negotiated during the RLPx
// handshake. Disconnect zeroizes them so key material does not linger.
type sessionSecrets struct {
	aesKey []byte
	macKey []byte
}

func (s *sessionSecrets) zero() {
	if s == nil {
		return
	}
	for i := range s.aesKey {
		s.aesKey[i] = 0
	}
	for i := range s.macKey {
		s.macKey[i] = 0
	}
}

// NewPeer creates a new Peer with the given identity and address.
func NewPeer(id, remoteAddr string, caps []Cap) *Peer {
	capsCopy := make([]Cap, len(caps))
	copy(capsCopy, caps)
	return &Peer{
		id:                 id,
		remoteAddr:         remoteAddr,
		caps:               capsCopy,
		state:              StateConnecting,
		td:                 new(big.Int),
		outstandingByReqID: make(map[uint64]*pendingRequest),
		outstandingFIFO:    make(map[uint64][]*pendingRequest),
		awaitedMessages:    make(map[uint64]chan Msg),
		knownMessages:      mapset.NewSet[Hash](),
	}
}

// MarkMessageKnown records that this peer is known to have hash (it sent it
// to us, or we sent it to them). If the set is at capacity, one arbitrary
// existing entry is evicted first; the set keeps no insertion order.
// Returns true if hash was newly recorded.
func (p *Peer) MarkMessageKnown(hash Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.knownMessages.Contains(hash) {
		return false
	}
	if p.knownMessages.Cardinality() >= maxKnownMessages {
		if evict := p.knownMessages.ToSlice(); len(evict) > 0 {
			p.knownMessages.Remove(evict[0])
		}
	}
	return p.knownMessages.Add(hash)
}

// KnowsMessage reports whether this peer is already known to have hash.
func (p *Peer) KnowsMessage(hash Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.knownMessages.Contains(hash)
}

// ID returns the peer's unique identifier.
func (p *Peer) ID() string {
	return p.id
}

// RemoteAddr returns the peer's remote network address.
func (p *Peer) RemoteAddr() string {
	return p.remoteAddr
}

// Caps returns the peer's advertised capabilities.
func (p *Peer) Caps() []Cap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := make([]Cap, len(p.caps))
	copy(c, p.caps)
	return c
}

// Head returns the hash of the peer's best known chain head.
func (p *Peer) Head() Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head_
}

// TD returns the total difficulty of the peer's best known chain head.
func (p *Peer) TD() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.td)
}

// Version returns the negotiated protocol version.
func (p *Peer) Version() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// SetHead updates the peer's known chain head hash and total difficulty.
func (p *Peer) SetHead(hash Hash, td *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head_ = hash
	if td != nil {
		p.td = new(big.Int).Set(td)
	}
}

// SetVersion sets the negotiated protocol version for this peer.
func (p *Peer) SetVersion(v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
}

// State returns the peer's current connection state.
func (p *Peer) State() connectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetDispatcher attaches the multiplexer built from the negotiated
// capability offsets once the hello exchange completes.
func (p *Peer) SetDispatcher(m *Multiplexer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatcher = m
	p.state = StateConnected
}

// NextReqID allocates the next LES-style request id for this peer.
func (p *Peer) NextReqID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReqId++
	return p.lastReqId
}

// Request issues an LES-style request (§4.7): it allocates a fresh reqId,
// registers a pending future for it, calls send with the allocated id so
// the caller can embed it in the outgoing message body, then blocks until
// a matching ResolveByReqID call delivers a response or the timeout fires.
// send is called before the future is awaited but after it is registered,
// so a response racing in immediately after the write is never missed.
func (p *Peer) Request(timeout time.Duration, send func(reqID uint64) error) (interface{}, error) {
	reqID := p.NextReqID()
	req := &pendingRequest{reqID: reqID, resp: make(chan interface{}, 1)}

	p.mu.Lock()
	p.outstandingByReqID[reqID] = req
	req.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		delete(p.outstandingByReqID, reqID)
		timedOut := p.resolvePendingLocked(req, ErrRequestTimedOut)
		p.mu.Unlock()
		if timedOut {
			metricRequestTimeouts.Inc()
		}
	})
	p.mu.Unlock()

	if err := send(reqID); err != nil {
		p.mu.Lock()
		delete(p.outstandingByReqID, reqID)
		p.resolvePendingLocked(req, err)
		p.mu.Unlock()
	}

	return unwrapPending(<-req.resp)
}

// RequestFIFO issues an eth-style request (§4.7) that carries no explicit id
// on the wire: the pending future is queued under responseMsgID in arrival
// order, and a later ResolveFIFO call for that message id resolves the
// oldest unfinished entry — never this call's id directly, since there is
// none.
func (p *Peer) RequestFIFO(responseMsgID uint64, timeout time.Duration, send func() error) (interface{}, error) {
	req := &pendingRequest{resp: make(chan interface{}, 1)}

	p.mu.Lock()
	p.outstandingFIFO[responseMsgID] = append(p.outstandingFIFO[responseMsgID], req)
	req.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		timedOut := p.resolvePendingLocked(req, ErrRequestTimedOut)
		p.mu.Unlock()
		if timedOut {
			metricRequestTimeouts.Inc()
		}
	})
	p.mu.Unlock()

	if err := send(); err != nil {
		p.mu.Lock()
		p.resolvePendingLocked(req, err)
		p.mu.Unlock()
	}

	return unwrapPending(<-req.resp)
}

// ResolveByReqID delivers body to the LES-style request matching reqID, if
// still outstanding. A reqID with no match (already resolved by timeout, or
// never issued) is a late or duplicate response; per §4.7 this is a
// soft failure, logged by the caller and otherwise ignored.
func (p *Peer) ResolveByReqID(reqID uint64, body interface{}) bool {
	p.mu.Lock()
	req, ok := p.outstandingByReqID[reqID]
	if ok {
		delete(p.outstandingByReqID, reqID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	p.resolvePendingLocked(req, body)
	p.mu.Unlock()
	return true
}

// ResolveFIFO delivers body to the oldest unfinished request queued for
// responseMsgID (§4.7's eth-style correlation), sweeping any already-timed-
// out entries at the head of the queue along the way. Returns false if no
// request is queued for this message id.
func (p *Peer) ResolveFIFO(responseMsgID uint64, body interface{}) bool {
	p.mu.Lock()
	q := p.outstandingFIFO[responseMsgID]
	var target *pendingRequest
	i := 0
	for ; i < len(q); i++ {
		if !q[i].done {
			target = q[i]
			i++
			break
		}
	}
	if i > 0 || target != nil {
		if len(q) > i {
			p.outstandingFIFO[responseMsgID] = q[i:]
		} else {
			p.outstandingFIFO[responseMsgID] = nil
		}
	}
	p.mu.Unlock()

	if target == nil {
		return false
	}
	p.mu.Lock()
	p.resolvePendingLocked(target, body)
	p.mu.Unlock()
	return true
}

// unwrapPending turns a delivered future value into (value, error): an error
// value (timeout, disconnect, or a caller-supplied decode failure) surfaces
// as the returned error; anything else is the response payload.
func unwrapPending(v interface{}) (interface{}, error) {
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}

// disconnect implements the peer state machine's teardown sequence:
//  1. no-op if already tearing down or gone,
//  2. mark Disconnecting,
//  3. run sub-protocol disconnect handlers concurrently, tolerating failures,
//  4. optionally notify the remote peer and wait briefly before closing,
//  5. mark Disconnected and resolve every outstanding request/await with
//     ErrPeerDisconnected.
func (p *Peer) disconnect(reason DisconnectReason, notifyOther bool, handlers []func(*Peer, DisconnectReason), notify func(DisconnectReason) error) {
	p.mu.Lock()
	if p.state == StateDisconnecting || p.state == StateDisconnected {
		p.mu.Unlock()
		return
	}
	p.state = StateDisconnecting
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { recover() }() // handler panics are recovered and discarded, not fatal here
			h(p, reason)
		}()
	}
	wg.Wait()

	if notifyOther && notify != nil {
		done := make(chan struct{})
		go func() {
			notify(reason)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	p.mu.Lock()
	p.state = StateDisconnected
	p.secrets.zero()
	for _, req := range p.outstandingByReqID {
		p.resolvePendingLocked(req, ErrPeerDisconnected)
	}
	for _, q := range p.outstandingFIFO {
		for _, req := range q {
			p.resolvePendingLocked(req, ErrPeerDisconnected)
		}
	}
	p.outstandingByReqID = make(map[uint64]*pendingRequest)
	p.outstandingFIFO = make(map[uint64][]*pendingRequest)
	p.mu.Unlock()
}

// resolvePendingLocked delivers a value (response payload or error) to a
// request's future exactly once, reporting whether this call was the one
// that did so. Must be called with p.mu held.
func (p *Peer) resolvePendingLocked(req *pendingRequest, v interface{}) bool {
	if req.done {
		return false
	}
	req.done = true
	if req.timer != nil {
		req.timer.Stop()
	}
	select {
	case req.resp <- v:
	default:
	}
	return true
}

// PeerSet is a thread-safe collection of peers.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerSet creates an empty PeerSet.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		peers: make(map[string]*Peer),
	}
}

// Register adds a peer to the set. Returns ErrPeerAlreadyRegistered if
// a peer with the same ID already exists.
func (ps *PeerSet) Register(p *Peer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.peers[p.id]; exists {
		return ErrPeerAlreadyRegistered
	}
	ps.peers[p.id] = p
	return nil
}

// Unregister removes a peer from the set. Returns ErrPeerNotRegistered if
// the peer is not found.
func (ps *PeerSet) Unregister(id string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.peers[id]; !exists {
		return ErrPeerNotRegistered
	}
	delete(ps.peers, id)
	return nil
}

// Peer returns the peer with the given ID, or nil if not found.
func (ps *PeerSet) Peer(id string) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

// Len returns the number of peers in the set.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// BestPeer returns the peer with the highest total difficulty.
// Returns nil if the set is empty.
func (ps *PeerSet) BestPeer() *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var best *Peer
	var bestTD *big.Int

	for _, p := range ps.peers {
		td := p.TD()
		if bestTD == nil || td.Cmp(bestTD) > 0 {
			best = p
			bestTD = td
		}
	}
	return best
}

// Peers returns a snapshot of all peers in the set.
func (ps *PeerSet) Peers() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		list = append(list, p)
	}
	return list
}
