package discover

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ethdev/devp2p/crypto"
	"github.com/ethdev/devp2p/p2p/enode"
	"github.com/ethdev/devp2p/p2p/enr"
	"github.com/ethdev/devp2p/rlp"
)

// Discovery V5 inner message type tags, carried as the first byte of the
// AEAD-decrypted packet body (§6). WHOAREYOU and the handshake are packet
// framing, not message bodies, and have their own flags in packet.go.
const (
	MsgPing     byte = 0x01
	MsgPong     byte = 0x02
	MsgFindNode byte = 0x03
	MsgNodes    byte = 0x04
)

// Protocol constants.
const (
	// MaxNodesPerPacket is the maximum number of node records in a Nodes response.
	MaxNodesPerPacket = 16
	// findNodeTimeout bounds how long queryFindNode waits for a complete set
	// of NODES response chunks before giving up on a request.
	findNodeTimeout = 5 * time.Second
)

// Errors.
var (
	ErrSessionNotFound = errors.New("discover: session not found")
	ErrInvalidMessage  = errors.New("discover: invalid message")
	ErrClosed          = errors.New("discover: protocol closed")
	ErrFindNodeTimeout = errors.New("discover: findnode request timed out")
)

// Ping is the Discovery V5 PING message.
type Ping struct {
	ReqID  []byte
	ENRSeq uint64 // local ENR sequence number
}

// Pong is the Discovery V5 PONG response.
type Pong struct {
	ReqID  []byte
	ENRSeq uint64 // remote ENR sequence number
	ToIP   net.IP
	ToPort uint16
}

// FindNode is the Discovery V5 FINDNODE request.
type FindNode struct {
	ReqID     []byte
	Distances []uint // log distances to search
}

// Nodes is the Discovery V5 NODES response.
type Nodes struct {
	ReqID []byte
	Total uint8
	ENRs  [][]byte // RLP-encoded ENR records
}

// Session is a lightweight, query-only view of a peer's handshake status.
// The session's actual AEAD keys live in PacketCodec's bounded cache
// (§4.3); this table exists so callers (and tests) can ask "have we
// established a session with this node" without reaching into the codec.
type Session struct {
	NodeID      enode.NodeID
	RemoteKey   []byte // compressed secp256k1 public key, if known
	Established bool
}

// pendingFindNode collects NODES response chunks for one outstanding
// FINDNODE request, identified by its ReqID. A request may span several
// chunked NODES packets (Total > 1); the call only completes once all of
// them, or the timeout, arrives.
type pendingFindNode struct {
	total uint8
	got   uint8
	nodes []*enode.Node
	done  chan struct{}
}

// V5Protocol implements the Discovery V5 UDP protocol: packet codec,
// routing table, and the Ping/FindNode request surface built on top.
type V5Protocol struct {
	mu        sync.RWMutex
	table     *Table
	conn      net.PacketConn
	localNode *enode.Node
	privKey   *ecdsa.PrivateKey
	codec     *PacketCodec
	sessions  map[enode.NodeID]*Session
	closed    bool
	closeCh   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingFindNode
}

// NewV5Protocol creates a new Discovery V5 protocol handler.
func NewV5Protocol(conn net.PacketConn, privKey *ecdsa.PrivateKey, localNode *enode.Node) *V5Protocol {
	p := &V5Protocol{
		table:     NewTable(localNode.ID),
		conn:      conn,
		localNode: localNode,
		privKey:   privKey,
		sessions:  make(map[enode.NodeID]*Session),
		pending:   make(map[string]*pendingFindNode),
		closeCh:   make(chan struct{}),
	}
	p.codec = NewPacketCodec(localNode.ID, privKey, func() *enr.Record { return p.localNode.Record })
	return p
}

// Table returns the underlying routing table.
func (p *V5Protocol) Table() *Table {
	return p.table
}

// Start begins listening for incoming packets.
func (p *V5Protocol) Start() error {
	go p.readLoop()
	return nil
}

// Stop shuts down the protocol.
func (p *V5Protocol) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
		p.conn.Close()
	}
}

// readLoop reads incoming packets from the connection.
func (p *V5Protocol) readLoop() {
	buf := make([]byte, 1280) // max UDP payload
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}
		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.closeCh:
				return
			default:
				continue
			}
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		p.HandlePacket(*udpAddr, data)
	}
}

// HandlePacket processes an incoming UDP datagram through the packet codec
// and dispatches the decoded result.
func (p *V5Protocol) HandlePacket(from net.UDPAddr, data []byte) {
	pkt, err := p.codec.Decode(from, data)
	if err != nil {
		// Malformed or foreign datagram: drop silently, matching the
		// codec's policy that AEAD/framing failures are never fatal to
		// the protocol loop, only to that one packet.
		return
	}

	switch pkt.Flag {
	case FlagMessage:
		if pkt.Message == nil {
			// No usable session: challenge the sender.
			p.sendWhoareyou(pkt.SrcID, from, pkt.Nonce)
			return
		}
		p.noteEstablished(pkt.SrcID, nil)
		p.dispatchMessage(from, pkt.Message)
	case FlagWhoareyou:
		p.respondHandshake(from, pkt)
	case FlagHandshake:
		if pkt.Message == nil {
			return
		}
		p.noteEstablished(pkt.SrcID, nil)
		if pkt.Record != nil {
			p.table.AddNode(&enode.Node{ID: pkt.SrcID, IP: from.IP, UDP: uint16(from.Port), Record: pkt.Record})
		}
		p.dispatchMessage(from, pkt.Message)
	}
}

func (p *V5Protocol) dispatchMessage(from net.UDPAddr, message []byte) {
	msgType, body, err := DecodeMessage(message)
	if err != nil {
		return
	}
	switch msgType {
	case MsgPing:
		p.handlePing(from, body)
	case MsgPong:
		p.handlePong(from, body)
	case MsgFindNode:
		p.handleFindNode(from, body)
	case MsgNodes:
		p.handleNodes(from, body)
	}
}

func (p *V5Protocol) noteEstablished(id enode.NodeID, remoteKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		s = &Session{NodeID: id}
		p.sessions[id] = s
	}
	s.Established = true
	if remoteKey != nil {
		s.RemoteKey = remoteKey
	}
}

func (p *V5Protocol) handlePing(from net.UDPAddr, data []byte) {
	var ping Ping
	if err := rlp.DecodeBytes(data, &ping); err != nil {
		return
	}
	var seq uint64
	if p.localNode.Record != nil {
		seq = p.localNode.Record.Seq
	}
	pong := Pong{
		ReqID:  ping.ReqID,
		ENRSeq: seq,
		ToIP:   from.IP,
		ToPort: uint16(from.Port),
	}
	p.sendMessage(from, MsgPong, pong)
}

func (p *V5Protocol) handlePong(_ net.UDPAddr, data []byte) {
	var pong Pong
	_ = rlp.DecodeBytes(data, &pong)
	// A full implementation would resolve a pending ping future here;
	// out of scope for the packet-codec core.
}

func (p *V5Protocol) handleFindNode(from net.UDPAddr, data []byte) {
	var req FindNode
	if err := rlp.DecodeBytes(data, &req); err != nil {
		return
	}

	var matches []*enode.Node
	for _, dist := range req.Distances {
		if dist == 0 {
			matches = append(matches, p.localNode)
			continue
		}
		if int(dist) > NumBuckets {
			continue
		}
		matches = append(matches, p.table.BucketEntries(int(dist)-1)...)
	}

	var enrs [][]byte
	for _, n := range matches {
		if n.Record != nil {
			if encoded, err := enr.EncodeENR(n.Record); err == nil {
				enrs = append(enrs, encoded)
			}
		}
	}

	total := (len(enrs) + MaxNodesPerPacket - 1) / MaxNodesPerPacket
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * MaxNodesPerPacket
		end := start + MaxNodesPerPacket
		if end > len(enrs) {
			end = len(enrs)
		}
		var chunk [][]byte
		if start < len(enrs) {
			chunk = enrs[start:end]
		}
		p.sendMessage(from, MsgNodes, Nodes{ReqID: req.ReqID, Total: uint8(total), ENRs: chunk})
	}
}

func (p *V5Protocol) handleNodes(_ net.UDPAddr, data []byte) {
	var nodes Nodes
	if err := rlp.DecodeBytes(data, &nodes); err != nil {
		return
	}
	parsed := decodeNodeRecords(nodes.ENRs)
	for _, node := range parsed {
		p.table.AddNode(node)
	}
	p.resolvePendingFindNode(nodes.ReqID, parsed, nodes.Total)
}

// decodeNodeRecords decodes each RLP-encoded ENR in enrs into an enode.Node,
// skipping any record that fails to decode or carries no usable IP.
func decodeNodeRecords(enrs [][]byte) []*enode.Node {
	var out []*enode.Node
	for _, raw := range enrs {
		rec, err := enr.DecodeENR(raw)
		if err != nil {
			continue
		}
		id := rec.NodeID()
		ipBytes := rec.Get(enr.KeyIP)
		if len(ipBytes) < 4 {
			continue
		}
		node := &enode.Node{ID: enode.NodeID(id), IP: net.IP(ipBytes), Record: rec}
		if udpBytes := rec.Get(enr.KeyUDP); len(udpBytes) >= 2 {
			node.UDP = binary.BigEndian.Uint16(udpBytes)
		}
		if tcpBytes := rec.Get(enr.KeyTCP); len(tcpBytes) >= 2 {
			node.TCP = binary.BigEndian.Uint16(tcpBytes)
		}
		out = append(out, node)
	}
	return out
}

// resolvePendingFindNode feeds one NODES chunk to the outstanding
// queryFindNode call waiting on reqID, if any. A request with total chunks
// is considered complete once that many chunks have arrived; total == 0 is
// treated as a single, already-complete chunk.
func (p *V5Protocol) resolvePendingFindNode(reqID []byte, nodes []*enode.Node, total uint8) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	call, ok := p.pending[string(reqID)]
	if !ok {
		return
	}
	call.nodes = append(call.nodes, nodes...)
	call.got++
	if total > call.total {
		call.total = total
	}
	want := call.total
	if want == 0 {
		want = 1
	}
	if call.got >= want {
		delete(p.pending, string(reqID))
		close(call.done)
	}
}

// sendWhoareyou issues a WHOAREYOU challenge in response to an
// undecryptable ordinary packet from srcID.
func (p *V5Protocol) sendWhoareyou(srcID enode.NodeID, from net.UDPAddr, requestNonce [gcmNonceSize]byte) {
	var seq uint64
	if p.localNode.Record != nil {
		seq = p.localNode.Record.Seq
	}
	packet, _, err := p.codec.SendWhoareyou(srcID, from, requestNonce, seq)
	if err != nil {
		return
	}
	p.conn.WriteTo(packet, &from)
}

// respondHandshake answers a WHOAREYOU we received (i.e. we are the
// initiator of the original, un-decryptable message) with a handshake
// packet carrying a fresh ping.
func (p *V5Protocol) respondHandshake(from net.UDPAddr, pkt *Packet) {
	p.mu.RLock()
	s := p.sessions[p.remoteIDForAddr(from)]
	p.mu.RUnlock()

	var remotePub *ecdsa.PublicKey
	if s != nil && len(s.RemoteKey) > 0 {
		remotePub = decompressOrNil(s.RemoteKey)
	}
	if remotePub == nil {
		// We cannot authenticate a handshake without knowing who we are
		// talking to; nothing more we can do with this challenge.
		return
	}

	reqID := make([]byte, 8)
	rand.Read(reqID)
	var seq uint64
	if p.localNode.Record != nil {
		seq = p.localNode.Record.Seq
	}
	message, err := EncodeMessage(MsgPing, Ping{ReqID: reqID, ENRSeq: seq})
	if err != nil {
		return
	}

	id := p.remoteIDForAddr(from)
	p.codec.NoteChallenge(id, from, pkt, remotePub)
	packet, err := p.codec.EncodeHandshakePacket(id, from, remotePub, pkt.RecordSeq, message)
	if err != nil {
		return
	}
	p.conn.WriteTo(packet, &from)
}

// remoteIDForAddr is a best-effort lookup used only to correlate a
// WHOAREYOU's source address back to a node id we've previously talked
// to; the discv5 wire format itself does not carry a src-id on WHOAREYOU
// packets.
func (p *V5Protocol) remoteIDForAddr(from net.UDPAddr) enode.NodeID {
	for _, n := range p.table.Nodes() {
		if n.IP.Equal(from.IP) && n.UDP == uint16(from.Port) {
			return n.ID
		}
	}
	return enode.NodeID{}
}

func decompressOrNil(compressed []byte) *ecdsa.PublicKey {
	pub, err := crypto.DecompressPubkey(compressed)
	if err != nil {
		return nil
	}
	return pub
}

// SendPing sends a PING message to the target node.
func (p *V5Protocol) SendPing(to *enode.Node) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	reqID := make([]byte, 8)
	rand.Read(reqID)

	var seq uint64
	if p.localNode.Record != nil {
		seq = p.localNode.Record.Seq
	}

	if to.Pubkey != nil {
		p.mu.Lock()
		s, ok := p.sessions[to.ID]
		if !ok {
			s = &Session{NodeID: to.ID}
			p.sessions[to.ID] = s
		}
		s.RemoteKey = to.Pubkey
		p.mu.Unlock()
	}

	ping := Ping{ReqID: reqID, ENRSeq: seq}
	return p.sendMessage(to.Addr(), MsgPing, ping)
}

// SendFindNode sends a FINDNODE request for the given distances.
func (p *V5Protocol) SendFindNode(to *enode.Node, distances []uint) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	reqID := make([]byte, 8)
	rand.Read(reqID)

	req := FindNode{ReqID: reqID, Distances: distances}
	return p.sendMessage(to.Addr(), MsgFindNode, req)
}

// queryFindNode sends a FINDNODE request for the given distances and blocks
// until every NODES response chunk has arrived or findNodeTimeout elapses.
// Lookup wraps it in a QueryFunc closure to drive Table.IterativeLookup.
func (p *V5Protocol) queryFindNode(to *enode.Node, distances []uint) ([]*enode.Node, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	reqID := make([]byte, 8)
	rand.Read(reqID)
	call := &pendingFindNode{done: make(chan struct{})}

	p.pendingMu.Lock()
	p.pending[string(reqID)] = call
	p.pendingMu.Unlock()

	req := FindNode{ReqID: reqID, Distances: distances}
	if err := p.sendMessage(to.Addr(), MsgFindNode, req); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, string(reqID))
		p.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-call.done:
		return call.nodes, nil
	case <-time.After(findNodeTimeout):
		p.pendingMu.Lock()
		delete(p.pending, string(reqID))
		p.pendingMu.Unlock()
		return nil, ErrFindNodeTimeout
	case <-p.closeCh:
		return nil, ErrClosed
	}
}

// Lookup performs an iterative Kademlia lookup for target over the live
// network, sending each queried node one FINDNODE (via queryFindNode) for
// that node's log distance to target. The
// routing table is populated with every node discovered along the way.
func (p *V5Protocol) Lookup(target enode.NodeID, cfg LookupConfig) *LookupResult {
	queryFn := func(n *enode.Node) ([]*enode.Node, error) {
		dist := uint(enode.Distance(n.ID, target))
		if dist == 0 {
			dist = 1
		}
		return p.queryFindNode(n, []uint{dist})
	}
	return p.table.IterativeLookup(target, queryFn, cfg)
}

// Refresh performs a lookup for a random target to discover new nodes near
// the boundary of what the routing table already knows.
func (p *V5Protocol) Refresh() *LookupResult {
	var target enode.NodeID
	rand.Read(target[:])
	return p.Lookup(target, LookupConfig{})
}

// sendMessage encodes msg as a tagged inner payload and sends it as an
// ordinary discv5 message packet to the given address.
func (p *V5Protocol) sendMessage(to net.UDPAddr, msgType byte, msg interface{}) error {
	message, err := EncodeMessage(msgType, msg)
	if err != nil {
		return err
	}
	packet, err := p.codec.EncodeMessagePacket(p.remoteIDForAddr(to), to, message)
	if err != nil {
		return err
	}
	_, err = p.conn.WriteTo(packet, &to)
	return err
}

// GetSession returns the session for a remote node, if one exists.
func (p *V5Protocol) GetSession(id enode.NodeID) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}
