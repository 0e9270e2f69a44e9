// packet.go implements the Discovery V5 UDP packet codec: the static
// header, its three authdata flavors (ordinary message, WHOAREYOU,
// handshake), AES-128-CTR header masking, AES-128-GCM authenticated body
// encryption, and the HKDF-SHA-256 key agreement that follows a WHOAREYOU
// challenge. This is the wire-format layer underneath v5.go's message
// dispatch; it has no opinion about Ping/Pong/FindNode semantics.
package discover

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/crypto/hkdf"

	"github.com/ethdev/devp2p/crypto"
	"github.com/ethdev/devp2p/p2p/enode"
	"github.com/ethdev/devp2p/p2p/enr"
	"github.com/ethdev/devp2p/rlp"
)

// Wire constants for the static header (§3, §4.3).
const (
	protocolID = "discv5"

	wireVersion = uint16(1)

	// FlagMessage marks an ordinary, session-encrypted packet.
	FlagMessage = byte(0)
	// FlagWhoareyou marks a WHOAREYOU challenge.
	FlagWhoareyou = byte(1)
	// FlagHandshake marks a handshake packet completing a WHOAREYOU exchange.
	FlagHandshake = byte(2)

	ivSize           = 16
	gcmNonceSize     = 12
	idNonceSize      = 16
	staticHeaderSize = 6 + 2 + 1 + gcmNonceSize + 2 // protocol id, version, flag, nonce, authdata-size

	sigSize    = 64
	ephKeySize = 33

	// minPacketSize is the smallest legal packet: iv + static header + a
	// WHOAREYOU authdata (id-nonce + record-seq).
	minPacketSize = ivSize + staticHeaderSize + idNonceSize + 8

	identityProofPrefix = "discovery v5 identity proof"
	keyAgreementInfo    = "discovery v5 key agreement"

	sessionCacheBytes = 1 << 20 // 1 MiB default session-key cache
)

var (
	ErrPacketTooSmall     = errors.New("discv5: packet too small")
	ErrInvalidProtocolID  = errors.New("discv5: invalid protocol id")
	ErrUnsupportedVersion = errors.New("discv5: unsupported version")
	ErrUnknownFlag        = errors.New("discv5: unknown packet flag")
	ErrTruncatedAuthdata = errors.New("discv5: truncated authdata")
	ErrNoChallenge       = errors.New("discv5: no outstanding whoareyou challenge")
	ErrHandshakeAuth     = errors.New("discv5: handshake signature or AEAD verification failed")
	ErrMissingSignerKey  = errors.New("discv5: no public key available to verify handshake signature")
)

// Packet is the decoded, tagged-union view of an inbound discv5 datagram.
type Packet struct {
	Flag byte

	// Nonce is the static header's 12-byte GCM nonce. For an ordinary
	// message it is the AEAD nonce; a WHOAREYOU echoes it back as
	// RequestNonce so the challenged peer can correlate the challenge
	// with the message that provoked it.
	Nonce [gcmNonceSize]byte

	// SrcID identifies the sender. Populated for Message and Handshake
	// packets (their authdata always carries it, even when the AEAD
	// step below fails).
	SrcID enode.NodeID

	// Message is the decrypted inner payload. Nil when the packet could
	// not be (or was not) authenticated: a session-less ordinary packet,
	// or one whose session keys turned out to be stale.
	Message []byte

	// Record is the optional ENR carried by a handshake packet.
	Record *enr.Record

	// IDNonce and RecordSeq are populated for WHOAREYOU packets.
	IDNonce   [idNonceSize]byte
	RecordSeq uint64

	// ChallengeData is iv || header-plaintext of this packet. For a
	// WHOAREYOU it is what the eventual handshake response must sign
	// and derive keys over.
	ChallengeData []byte
}

// Challenge records an outstanding WHOAREYOU (one this codec sent, or one it
// received and noted with NoteChallenge), kept until a handshake packet
// consumes it; entries are not otherwise expired.
type Challenge struct {
	ChallengeData []byte
	RemoteID      enode.NodeID
	RemotePubkey  *ecdsa.PublicKey // known in advance, if any
}

type sessionKeys struct {
	writeKey [16]byte
	readKey  [16]byte
}

// PacketCodec encodes and decodes discv5 packets for one local identity.
// It owns two caches: a bounded fastcache of established per-peer session
// keys (§4.3's "session cache"), and an in-memory table of outstanding
// WHOAREYOU challenges awaiting their handshake response.
type PacketCodec struct {
	localID enode.NodeID
	privKey *ecdsa.PrivateKey
	record  func() *enr.Record // returns the local ENR, or nil if none

	sessions *fastcache.Cache

	mu         sync.Mutex
	challenges map[string]*Challenge
}

// NewPacketCodec creates a packet codec for the given local identity.
// record may be nil if the local node has no ENR yet.
func NewPacketCodec(localID enode.NodeID, privKey *ecdsa.PrivateKey, record func() *enr.Record) *PacketCodec {
	if record == nil {
		record = func() *enr.Record { return nil }
	}
	return &PacketCodec{
		localID:    localID,
		privKey:    privKey,
		record:     record,
		sessions:   fastcache.New(sessionCacheBytes),
		challenges: make(map[string]*Challenge),
	}
}

func sessionKey(id enode.NodeID, addr net.UDPAddr) []byte {
	return []byte(id.String() + "|" + addr.String())
}

func (c *PacketCodec) session(id enode.NodeID, addr net.UDPAddr) (sessionKeys, bool) {
	raw := c.sessions.Get(nil, sessionKey(id, addr))
	if len(raw) != 32 {
		return sessionKeys{}, false
	}
	var sk sessionKeys
	copy(sk.writeKey[:], raw[:16])
	copy(sk.readKey[:], raw[16:])
	return sk, true
}

func (c *PacketCodec) storeSession(id enode.NodeID, addr net.UDPAddr, sk sessionKeys) {
	raw := make([]byte, 32)
	copy(raw[:16], sk.writeKey[:])
	copy(raw[16:], sk.readKey[:])
	c.sessions.Set(sessionKey(id, addr), raw)
}

func (c *PacketCodec) dropSession(id enode.NodeID, addr net.UDPAddr) {
	c.sessions.Del(sessionKey(id, addr))
}

// maskKey returns the low 16 bytes of a node id, used as the AES-128-CTR
// key that masks the header destined for (or received as) that node.
func maskKey(id enode.NodeID) []byte {
	return id[16:32]
}

func encodeStaticHeader(flag byte, nonce [gcmNonceSize]byte, authdataSize int) []byte {
	h := make([]byte, staticHeaderSize)
	copy(h[:6], protocolID)
	binary.BigEndian.PutUint16(h[6:8], wireVersion)
	h[8] = flag
	copy(h[9:9+gcmNonceSize], nonce[:])
	binary.BigEndian.PutUint16(h[9+gcmNonceSize:], uint16(authdataSize))
	return h
}

// ctrMask XORs data in place against an AES-128-CTR stream keyed by key and
// counted from iv; masking and unmasking are the same operation.
func ctrMask(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// EncodeMessagePacket builds an ordinary message packet addressed to toID.
// If a session is established, the body is AEAD-encrypted; otherwise 16
// random bytes are emitted in its place, which will provoke a WHOAREYOU.
func (c *PacketCodec) EncodeMessagePacket(toID enode.NodeID, toAddr net.UDPAddr, message []byte) ([]byte, error) {
	iv := randBytes(ivSize)
	var nonce [gcmNonceSize]byte
	copy(nonce[:], randBytes(gcmNonceSize))

	authdata := append([]byte{}, c.localID[:]...)
	headerPlain := append(encodeStaticHeader(FlagMessage, nonce, len(authdata)), authdata...)

	maskedHeader, err := ctrMask(maskKey(toID), iv, headerPlain)
	if err != nil {
		return nil, err
	}

	var body []byte
	if sk, ok := c.session(toID, toAddr); ok {
		authData := append(append([]byte{}, iv...), headerPlain...)
		body, err = crypto.SealGCM(sk.writeKey[:], nonce[:], message, authData)
		if err != nil {
			return nil, err
		}
	} else {
		body = randBytes(16)
	}

	packet := make([]byte, 0, ivSize+len(maskedHeader)+len(body))
	packet = append(packet, iv...)
	packet = append(packet, maskedHeader...)
	packet = append(packet, body...)
	return packet, nil
}

// EncodeWhoareyou builds a WHOAREYOU challenge echoing requestNonce (the
// nonce of the message that could not be decrypted) and records a
// Challenge keyed by (toID, toAddr) awaiting the handshake response.
func (c *PacketCodec) EncodeWhoareyou(toID enode.NodeID, toAddr net.UDPAddr, requestNonce [gcmNonceSize]byte, idNonce [idNonceSize]byte, recordSeq uint64) ([]byte, error) {
	iv := randBytes(ivSize)

	authdata := make([]byte, idNonceSize+8)
	copy(authdata[:idNonceSize], idNonce[:])
	binary.BigEndian.PutUint64(authdata[idNonceSize:], recordSeq)

	headerPlain := append(encodeStaticHeader(FlagWhoareyou, requestNonce, len(authdata)), authdata...)
	maskedHeader, err := ctrMask(maskKey(toID), iv, headerPlain)
	if err != nil {
		return nil, err
	}

	challengeData := append(append([]byte{}, iv...), headerPlain...)
	c.mu.Lock()
	c.challenges[challengeKey(toID, toAddr)] = &Challenge{
		ChallengeData: challengeData,
		RemoteID:      toID,
	}
	c.mu.Unlock()

	packet := make([]byte, 0, ivSize+len(maskedHeader))
	packet = append(packet, iv...)
	packet = append(packet, maskedHeader...)
	return packet, nil
}

// SendWhoareyou is EncodeWhoareyou with a freshly generated id-nonce.
func (c *PacketCodec) SendWhoareyou(toID enode.NodeID, toAddr net.UDPAddr, requestNonce [gcmNonceSize]byte, recordSeq uint64) ([]byte, [idNonceSize]byte, error) {
	var idNonce [idNonceSize]byte
	copy(idNonce[:], randBytes(idNonceSize))
	packet, err := c.EncodeWhoareyou(toID, toAddr, requestNonce, idNonce, recordSeq)
	return packet, idNonce, err
}

func challengeKey(id enode.NodeID, addr net.UDPAddr) string {
	return id.String() + "|" + addr.String()
}

// EncodeHandshakePacket builds the handshake response to a WHOAREYOU this
// codec received from toID and recorded with NoteChallenge. remotePub is the responder's long-term static
// public key, needed to perform ECDH; remoteRecordSeq is the ENR sequence
// number the challenger reported, used to decide whether to attach ours.
func (c *PacketCodec) EncodeHandshakePacket(toID enode.NodeID, toAddr net.UDPAddr, remotePub *ecdsa.PublicKey, remoteRecordSeq uint64, message []byte) ([]byte, error) {
	c.mu.Lock()
	ch, ok := c.challenges[challengeKey(toID, toAddr)]
	delete(c.challenges, challengeKey(toID, toAddr))
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoChallenge
	}

	ephKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	ephPubCompressed := crypto.CompressPubkey(&ephKey.PublicKey)

	sigHash := identityProofHash(ch.ChallengeData, ephPubCompressed, toID[:])
	sig, err := crypto.Sign(sigHash, c.privKey)
	if err != nil {
		return nil, err
	}
	sig = sig[:sigSize]

	ikm, err := crypto.GenerateSharedSecret(ephKey, remotePub)
	if err != nil {
		return nil, err
	}
	writeKey, readKey := deriveSessionKeys(ch.ChallengeData, ikm, c.localID[:], toID[:], true)
	c.storeSession(toID, toAddr, sessionKeys{writeKey: writeKey, readKey: readKey})

	authdata := make([]byte, 0, 32+1+1+sigSize+ephKeySize)
	authdata = append(authdata, c.localID[:]...)
	authdata = append(authdata, byte(sigSize), byte(ephKeySize))
	authdata = append(authdata, sig...)
	authdata = append(authdata, ephPubCompressed...)

	localRec := c.record()
	if localRec != nil && remoteRecordSeq < localRec.Seq {
		encRec, err := enr.EncodeENR(localRec)
		if err == nil {
			authdata = append(authdata, encRec...)
		}
	}

	iv := randBytes(ivSize)
	var nonce [gcmNonceSize]byte
	copy(nonce[:], randBytes(gcmNonceSize))
	headerPlain := append(encodeStaticHeader(FlagHandshake, nonce, len(authdata)), authdata...)

	maskedHeader, err := ctrMask(maskKey(toID), iv, headerPlain)
	if err != nil {
		return nil, err
	}

	authData := append(append([]byte{}, iv...), headerPlain...)
	body, err := crypto.SealGCM(writeKey[:], nonce[:], message, authData)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 0, ivSize+len(maskedHeader)+len(body))
	packet = append(packet, iv...)
	packet = append(packet, maskedHeader...)
	packet = append(packet, body...)
	return packet, nil
}

// identityProofHash computes the signature digest for the handshake
// identity proof: sha256(prefix || challengeData || ephPubKey || recipientId).
// Unlike node ids and ENR signatures, which use Keccak-256 throughout this
// package, the identity proof is specified over plain SHA-256.
func identityProofHash(challengeData, ephPub, recipientID []byte) []byte {
	h := sha256.New()
	h.Write([]byte(identityProofPrefix))
	h.Write(challengeData)
	h.Write(ephPub)
	h.Write(recipientID)
	return h.Sum(nil)
}

// deriveSessionKeys runs the HKDF-SHA-256 key agreement of §4.3. The
// result is writeKey||readKey from the initiator's perspective; a
// responder passes isInitiator=false to get the keys swapped.
func deriveSessionKeys(challengeData, ikm, initiatorID, recipientID []byte, isInitiator bool) (writeKey, readKey [16]byte) {
	info := append(append([]byte(keyAgreementInfo), initiatorID...), recipientID...)
	r := hkdf.New(sha256.New, ikm, challengeData, info)
	var okm [32]byte
	if _, err := io.ReadFull(r, okm[:]); err != nil {
		return
	}
	if isInitiator {
		copy(writeKey[:], okm[:16])
		copy(readKey[:], okm[16:])
	} else {
		copy(writeKey[:], okm[16:])
		copy(readKey[:], okm[:16])
	}
	return
}

// Decode parses an inbound datagram addressed to this codec's local node.
func (c *PacketCodec) Decode(from net.UDPAddr, data []byte) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, ErrPacketTooSmall
	}
	iv := data[:ivSize]

	block, err := aes.NewCipher(maskKey(c.localID))
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)

	headerBuf := make([]byte, staticHeaderSize)
	stream.XORKeyStream(headerBuf, data[ivSize:ivSize+staticHeaderSize])

	if string(headerBuf[:6]) != protocolID {
		return nil, ErrInvalidProtocolID
	}
	if binary.BigEndian.Uint16(headerBuf[6:8]) != wireVersion {
		return nil, ErrUnsupportedVersion
	}
	flag := headerBuf[8]
	var nonce [gcmNonceSize]byte
	copy(nonce[:], headerBuf[9:9+gcmNonceSize])
	authdataSize := int(binary.BigEndian.Uint16(headerBuf[9+gcmNonceSize:]))

	rest := data[ivSize+staticHeaderSize:]
	if authdataSize > len(rest) {
		return nil, ErrTruncatedAuthdata
	}
	authdata := make([]byte, authdataSize)
	stream.XORKeyStream(authdata, rest[:authdataSize])
	body := rest[authdataSize:]

	headerPlain := append(append([]byte{}, headerBuf...), authdata...)
	challengeData := append(append([]byte{}, iv...), headerPlain...)

	pkt := &Packet{Flag: flag, Nonce: nonce, ChallengeData: challengeData}

	switch flag {
	case FlagMessage:
		return c.decodeMessage(pkt, authdata, body, from)
	case FlagWhoareyou:
		return c.decodeWhoareyou(pkt, authdata)
	case FlagHandshake:
		return c.decodeHandshake(pkt, authdata, body, from)
	default:
		return nil, ErrUnknownFlag
	}
}

func (c *PacketCodec) decodeMessage(pkt *Packet, authdata, body []byte, from net.UDPAddr) (*Packet, error) {
	if len(authdata) != 32 {
		return nil, ErrTruncatedAuthdata
	}
	copy(pkt.SrcID[:], authdata)

	sk, ok := c.session(pkt.SrcID, from)
	if !ok {
		// No session: body is random filler, not a decryption failure.
		return pkt, nil
	}
	plain, err := crypto.OpenGCM(sk.readKey[:], pkt.Nonce[:], body, pkt.ChallengeData)
	if err != nil {
		// Soft failure: the session may have rotated on the peer's side.
		// Drop it and let the caller re-challenge with WHOAREYOU.
		c.dropSession(pkt.SrcID, from)
		return pkt, nil
	}
	pkt.Message = plain
	return pkt, nil
}

func (c *PacketCodec) decodeWhoareyou(pkt *Packet, authdata []byte) (*Packet, error) {
	if len(authdata) != idNonceSize+8 {
		return nil, ErrTruncatedAuthdata
	}
	copy(pkt.IDNonce[:], authdata[:idNonceSize])
	pkt.RecordSeq = binary.BigEndian.Uint64(authdata[idNonceSize:])
	return pkt, nil
}

func (c *PacketCodec) decodeHandshake(pkt *Packet, authdata, body []byte, from net.UDPAddr) (*Packet, error) {
	if len(authdata) < 32+1+1 {
		return nil, ErrTruncatedAuthdata
	}
	copy(pkt.SrcID[:], authdata[:32])
	sigLen := int(authdata[32])
	ephLen := int(authdata[33])
	off := 34
	if sigLen != sigSize || ephLen != ephKeySize || len(authdata) < off+sigLen+ephLen {
		return nil, ErrTruncatedAuthdata
	}
	sig := authdata[off : off+sigLen]
	off += sigLen
	ephPubBytes := authdata[off : off+ephLen]
	off += ephLen

	var rec *enr.Record
	if off < len(authdata) {
		r, err := enr.DecodeENR(authdata[off:])
		if err == nil {
			rec = r
		}
	}
	pkt.Record = rec

	c.mu.Lock()
	key := challengeKey(pkt.SrcID, from)
	ch, ok := c.challenges[key]
	if ok {
		delete(c.challenges, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoChallenge
	}

	remotePub := ch.RemotePubkey
	if rec != nil {
		if pub := rec.Get(enr.KeySecp256k1); len(pub) > 0 {
			if p, err := crypto.DecompressPubkey(pub); err == nil {
				remotePub = p
			}
		}
	}
	if remotePub == nil {
		return nil, ErrMissingSignerKey
	}

	ephPub, err := crypto.DecompressPubkey(ephPubBytes)
	if err != nil {
		return nil, fmt.Errorf("discv5: invalid ephemeral key: %w", err)
	}

	sigHash := identityProofHash(ch.ChallengeData, ephPubBytes, c.localID[:])
	uncompressed := crypto.FromECDSAPub(remotePub)
	if !crypto.ValidateSignature(uncompressed, sigHash, sig) {
		return nil, ErrHandshakeAuth
	}

	ikm, err := crypto.GenerateSharedSecret(c.privKey, ephPub)
	if err != nil {
		return nil, err
	}
	writeKey, readKey := deriveSessionKeys(ch.ChallengeData, ikm, pkt.SrcID[:], c.localID[:], false)

	plain, err := crypto.OpenGCM(readKey[:], pkt.Nonce[:], body, pkt.ChallengeData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuth, err)
	}
	c.storeSession(pkt.SrcID, from, sessionKeys{writeKey: writeKey, readKey: readKey})
	pkt.Message = plain
	return pkt, nil
}

// NoteChallenge records a WHOAREYOU this codec received from id/addr as an
// outstanding challenge it owes a handshake response to. pub is the
// remote's static public key, if already known (e.g. from the node
// table); EncodeHandshakePacket still accepts an explicit key and does not
// depend on pub being set here. Callers must invoke this after decoding a
// FlagWhoareyou packet and before calling EncodeHandshakePacket for the
// same id/addr.
func (c *PacketCodec) NoteChallenge(id enode.NodeID, addr net.UDPAddr, whoareyou *Packet, pub *ecdsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenges[challengeKey(id, addr)] = &Challenge{
		ChallengeData: whoareyou.ChallengeData,
		RemoteID:      id,
		RemotePubkey:  pub,
	}
}

// EncodeMessage wraps a discv5 message type with its RLP body, the
// format carried as the plaintext "message" argument to the packet codec.
func EncodeMessage(msgType byte, msg interface{}) ([]byte, error) {
	data, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(data))
	out[0] = msgType
	copy(out[1:], data)
	return out, nil
}

// DecodeMessage splits a decoded packet message into its type byte and
// RLP body. A message needs the type byte and a non-empty body.
func DecodeMessage(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, ErrInvalidMessage
	}
	return data[0], data[1:], nil
}
