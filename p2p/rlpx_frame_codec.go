package p2p

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"

	ethcrypto "github.com/ethdev/devp2p/crypto"
)

const (
	snappyMaxDecompressed = 24 * 1024 * 1024 // 24 MiB max decompressed size
	codecHeaderSize       = 16               // encrypted frame header size
	codecMACSize          = 16               // truncated rolling-MAC tag size
	keepaliveInterval     = 15 * time.Second
	keepaliveTimeout      = 20 * time.Second
	maxCodecFrameSize     = 16 * 1024 * 1024 // 16 MiB max frame payload
)

var (
	ErrSnappyDecompressTooLarge = errors.New("p2p: snappy decompressed data too large")
	ErrCodecClosed              = errors.New("p2p: frame codec closed")
	ErrPongTimeout              = errors.New("p2p: pong timeout")
	ErrUnknownCapability        = errors.New("p2p: unknown capability for message code")
)

// FrameCodec implements the RLPx frame codec with AES-256-CTR encryption,
// snappy compression, capability offset multiplexing, and ping/pong keepalive.
type FrameCodec struct {
	conn            net.Conn
	encStream       cipher.Stream
	decStream       cipher.Stream
	egressMAC       *rlpxMAC
	ingrMAC         *rlpxMAC
	remoteStaticPub *ecdsa.PublicKey

	snappyEnabled bool
	capOffsets    []capOffset

	lastPong      time.Time
	keepaliveDone chan struct{}
	keepaliveOnce sync.Once

	rmu, wmu, mu sync.Mutex
	closed       bool
}

// capOffset maps a capability to its message code offset and length.
type capOffset struct {
	Name    string
	Version uint
	Offset  uint64
	Length  uint64
}

// FrameCodecConfig holds the configuration for a FrameCodec.
type FrameCodecConfig struct {
	AESKey          []byte // 32-byte AES-256 key for CTR mode
	MACKey          []byte // 32-byte key for the rolling MAC state
	Initiator       bool
	EnableSnappy    bool
	Caps            []Cap
	RemoteStaticPub *ecdsa.PublicKey // remote RLPx identity recovered during the handshake
}

// RemoteStaticPub returns the remote peer's static public key as recovered
// during the ECIES handshake that established this codec.
func (fc *FrameCodec) RemoteStaticPub() *ecdsa.PublicKey { return fc.remoteStaticPub }

// rlpxMAC implements RLPx's rolling MAC construction: a running Keccak-256
// hash state whose digest is periodically encrypted with an AES block
// cipher and folded back into the hash, rather than a per-message HMAC
// reset-and-rehash. This mirrors go-ethereum's hashMAC.
type rlpxMAC struct {
	hash   hash.Hash    // running Keccak-256 state, seeded with the MAC key
	cipher cipher.Block // AES cipher keyed by the same MAC secret
}

func newRLPxMAC(macKey []byte) (*rlpxMAC, error) {
	block, err := aes.NewCipher(macKey[:32])
	if err != nil {
		return nil, fmt.Errorf("p2p: mac cipher: %w", err)
	}
	h := ethcrypto.NewKeccak256()
	h.Write(macKey)
	return &rlpxMAC{hash: h, cipher: block}, nil
}

// computeHeader folds an encrypted frame header into the MAC state and
// returns the 16-byte tag that accompanies it on the wire.
func (m *rlpxMAC) computeHeader(header []byte) []byte {
	sum1 := m.hash.Sum(nil)
	return m.compute(sum1[:16], header)
}

// computeFrame folds an encrypted frame body into the MAC state and
// returns the 16-byte tag that follows it on the wire.
func (m *rlpxMAC) computeFrame(frame []byte) []byte {
	m.hash.Write(frame)
	seed := m.hash.Sum(nil)
	return m.compute(seed[:16], seed[:16])
}

func (m *rlpxMAC) compute(sum1, seed []byte) []byte {
	aesBuf := make([]byte, aes.BlockSize)
	m.cipher.Encrypt(aesBuf, sum1)
	for i := range aesBuf {
		aesBuf[i] ^= seed[i]
	}
	m.hash.Write(aesBuf)
	sum2 := m.hash.Sum(nil)
	return sum2[:16]
}

// NewFrameCodec creates a new RLPx frame codec. Keys must be 32+ bytes.
func NewFrameCodec(conn net.Conn, cfg FrameCodecConfig) (*FrameCodec, error) {
	if len(cfg.AESKey) < 32 {
		return nil, errors.New("p2p: AES key must be at least 32 bytes")
	}
	if len(cfg.MACKey) < 32 {
		return nil, errors.New("p2p: MAC key must be at least 32 bytes")
	}

	encKey := deriveCodecKey(cfg.AESKey, []byte("frame-enc"))
	decKey := deriveCodecKey(cfg.AESKey, []byte("frame-dec"))
	eMACKey := deriveCodecKey(cfg.MACKey, []byte("frame-egress-mac"))
	iMACKey := deriveCodecKey(cfg.MACKey, []byte("frame-ingress-mac"))

	if !cfg.Initiator {
		encKey, decKey = decKey, encKey
		eMACKey, iMACKey = iMACKey, eMACKey
	}

	encBlock, err := aes.NewCipher(encKey[:32])
	if err != nil {
		return nil, fmt.Errorf("p2p: enc cipher: %w", err)
	}
	decBlock, err := aes.NewCipher(decKey[:32])
	if err != nil {
		return nil, fmt.Errorf("p2p: dec cipher: %w", err)
	}

	encIV := sha256Hash(encKey)[:aes.BlockSize]
	decIV := sha256Hash(decKey)[:aes.BlockSize]

	egressMAC, err := newRLPxMAC(eMACKey)
	if err != nil {
		return nil, err
	}
	ingrMAC, err := newRLPxMAC(iMACKey)
	if err != nil {
		return nil, err
	}

	fc := &FrameCodec{
		conn:            conn,
		encStream:       cipher.NewCTR(encBlock, encIV),
		decStream:       cipher.NewCTR(decBlock, decIV),
		egressMAC:       egressMAC,
		ingrMAC:         ingrMAC,
		remoteStaticPub: cfg.RemoteStaticPub,
		snappyEnabled:   cfg.EnableSnappy,
		lastPong:        time.Now(),
		keepaliveDone:   make(chan struct{}),
	}

	fc.capOffsets = computeCapOffsets(cfg.Caps)
	return fc, nil
}

// computeCapOffsets assigns message code offsets after the base protocol (0x00-0x0F).
func computeCapOffsets(caps []Cap) []capOffset {
	const baseProtoLen = 16 // base protocol: codes 0x00-0x0F
	offsets := make([]capOffset, 0, len(caps))
	offset := uint64(baseProtoLen)
	for _, c := range caps {
		length := uint64(17) // default codes per capability
		if c.Name == "eth" {
			length = 21 // eth/68 uses codes 0x00-0x14
		} else if c.Name == "snap" {
			length = 8 // snap protocol uses codes 0x00-0x07
		}
		offsets = append(offsets, capOffset{
			Name:    c.Name,
			Version: c.Version,
			Offset:  offset,
			Length:  length,
		})
		offset += length
	}
	return offsets
}

// CapOffset returns the message code offset for the given capability name.
// Returns 0, false if the capability is not found.
func (fc *FrameCodec) CapOffset(name string) (uint64, bool) {
	for _, co := range fc.capOffsets {
		if co.Name == name {
			return co.Offset, true
		}
	}
	return 0, false
}

// WriteMsg encrypts and writes a framed message.
func (fc *FrameCodec) WriteMsg(msg Msg) error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	body := make([]byte, 1+len(msg.Payload))
	body[0] = byte(msg.Code)
	copy(body[1:], msg.Payload)

	if fc.snappyEnabled {
		body = snappy.Encode(nil, body)
	}

	if len(body) > maxCodecFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}

	padded := padTo16(body)
	var header [codecHeaderSize]byte
	putUint24(header[:3], uint32(len(padded)))

	var encHeader [codecHeaderSize]byte
	fc.encStream.XORKeyStream(encHeader[:], header[:])

	headerMAC := fc.egressMAC.computeHeader(encHeader[:])

	encBody := make([]byte, len(padded))
	fc.encStream.XORKeyStream(encBody, padded)

	bodyMAC := fc.egressMAC.computeFrame(encBody)
	var buf bytes.Buffer
	buf.Write(encHeader[:])
	buf.Write(headerMAC)
	buf.Write(encBody)
	buf.Write(bodyMAC)

	_, err := fc.conn.Write(buf.Bytes())
	return err
}

// ReadMsg reads and decrypts a framed message.
func (fc *FrameCodec) ReadMsg() (Msg, error) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return Msg{}, ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	var encHeader [codecHeaderSize]byte
	if _, err := io.ReadFull(fc.conn, encHeader[:]); err != nil {
		return Msg{}, err
	}

	var headerMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, headerMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedHeaderMAC := fc.ingrMAC.computeHeader(encHeader[:])
	if !hmac.Equal(headerMAC[:], expectedHeaderMAC) {
		return Msg{}, ErrBadMAC
	}

	var header [codecHeaderSize]byte
	fc.decStream.XORKeyStream(header[:], encHeader[:])
	frameSize := getUint24(header[:3])

	if frameSize > maxCodecFrameSize {
		return Msg{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, frameSize)
	}

	encBody := make([]byte, frameSize)
	if _, err := io.ReadFull(fc.conn, encBody); err != nil {
		return Msg{}, err
	}

	var bodyMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, bodyMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedBodyMAC := fc.ingrMAC.computeFrame(encBody)
	if !hmac.Equal(bodyMAC[:], expectedBodyMAC) {
		return Msg{}, ErrBadMAC
	}

	body := make([]byte, frameSize)
	fc.decStream.XORKeyStream(body, encBody)

	body = unpadFrom16(body)
	if fc.snappyEnabled && len(body) > 0 {
		decodedLen, err := snappy.DecodedLen(body)
		if err != nil {
			return Msg{}, fmt.Errorf("p2p: invalid snappy frame: %w", err)
		}
		if decodedLen > snappyMaxDecompressed {
			return Msg{}, ErrSnappyDecompressTooLarge
		}
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return Msg{}, fmt.Errorf("p2p: snappy decode: %w", err)
		}
	}

	if len(body) == 0 {
		return Msg{}, errors.New("p2p: empty codec frame")
	}

	code := uint64(body[0])
	payload := body[1:]

	return Msg{
		Code:    code,
		Size:    uint32(len(payload)),
		Payload: payload,
	}, nil
}

func (fc *FrameCodec) SendPing() error { return fc.WriteMsg(Msg{Code: PingMsg, Size: 0}) }
func (fc *FrameCodec) SendPong() error { return fc.WriteMsg(Msg{Code: PongMsg, Size: 0}) }

// SendDisconnect sends a disconnect message and closes the codec.
func (fc *FrameCodec) SendDisconnect(reason DisconnectReason) error {
	err := fc.WriteMsg(Msg{
		Code:    DisconnectMsg,
		Size:    1,
		Payload: []byte{byte(reason)},
	})
	fc.Close()
	return err
}

// StartKeepalive starts the background ping/pong keepalive loop.
func (fc *FrameCodec) StartKeepalive() { go fc.keepaliveLoop() }
func (fc *FrameCodec) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fc.mu.Lock()
			elapsed := time.Since(fc.lastPong)
			fc.mu.Unlock()

			if elapsed > keepaliveTimeout {
				fc.SendDisconnect(DiscNetworkError)
				return
			}
			// Ignore error; if write fails, the read loop will catch it.
			_ = fc.SendPing()

		case <-fc.keepaliveDone:
			return
		}
	}
}

func (fc *FrameCodec) HandlePong() { fc.mu.Lock(); fc.lastPong = time.Now(); fc.mu.Unlock() }

func (fc *FrameCodec) LastPong() time.Time { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.lastPong }

// Close closes the frame codec.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	fc.keepaliveOnce.Do(func() { close(fc.keepaliveDone) })
	return fc.conn.Close()
}

func (fc *FrameCodec) IsClosed() bool { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.closed }

// --- Helper functions ---
func deriveCodecKey(material, tag []byte) []byte {
	h := sha256.New()
	h.Write(tag)
	h.Write(material)
	return h.Sum(nil) // 32 bytes
}

func sha256Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(data []byte) []byte {
	padLen := (16 - len(data)%16) % 16
	if padLen == 0 {
		return data
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	return padded
}

// unpadFrom16 removes trailing zero bytes added as padding.
func unpadFrom16(data []byte) []byte {
	end := len(data)
	for end > 1 && data[end-1] == 0 {
		end--
	}
	return data[:end]
}

// DeriveFrameKeys derives 32-byte AES and MAC keys from handshake secrets.
func DeriveFrameKeys(sharedSecret, initiatorNonce, responderNonce []byte) (aesKey, macKey []byte) {
	nonceHash := sha256.Sum256(append(initiatorNonce, responderNonce...))
	h := sha256.New()
	h.Write(sharedSecret)
	h.Write(nonceHash[:])
	aesKey = h.Sum(nil)
	h.Reset()
	h.Write(sharedSecret)
	h.Write(aesKey)
	macKey = h.Sum(nil)
	return
}

// GenerateNonce generates a random 32-byte nonce.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("p2p: nonce generation: %w", err)
	}
	return nonce, nil
}
