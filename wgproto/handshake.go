package wgproto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/wgfwd/wgfwd-go/tai64n"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidMessage = errors.New("invalid handshake message")
	ErrMACMismatch    = errors.New("handshake MAC mismatch")
	ErrUnknownPeer    = errors.New("handshake from unknown peer")
	ErrStaleTimestamp = errors.New("handshake timestamp not after previous")
	ErrRateLimited    = errors.New("handshake initiation rate limited")
	ErrNoHandshake    = errors.New("no handshake in progress")
)

type handshakeState int

const (
	handshakeZeroed handshakeState = iota
	handshakeInitiationCreated
	handshakeInitiationConsumed
)

// Engine runs the Noise_IKpsk2 handshake against a single configured
// peer and manages the resulting transport sessions. Sessions rotate
// through three slots: the confirmed current keypair, its predecessor
// kept alive for in-flight packets, and a responder-side next keypair
// awaiting confirmation by the first authenticated transport packet.
type Engine struct {
	staticPrivate NoisePrivateKey
	staticPublic  NoisePublicKey
	peerStatic    NoisePublicKey
	presharedKey  NoisePresharedKey

	// staticStatic is the precomputed DH of our static private key and
	// the peer's static public key.
	staticStatic [NoisePublicKeySize]byte

	cookieChecker   CookieChecker
	cookieGenerator CookieGenerator

	mu                 sync.Mutex
	state              handshakeState
	localIndex         uint32
	remoteIndex        uint32
	localEphemeral     NoisePrivateKey
	remoteEphemeral    NoisePublicKey
	chainKey           [blake2s.Size]byte
	hash               [blake2s.Size]byte
	lastTimestamp      tai64n.Timestamp
	lastInitiationRecv time.Time
	lastHandshake      time.Time

	current  *Session
	previous *Session
	next     *Session
}

// NewEngine creates a handshake engine for the given static keys.
// presharedKey may be all zeros when no PSK is configured.
func NewEngine(staticPrivate NoisePrivateKey, peerStatic NoisePublicKey, presharedKey NoisePresharedKey) (*Engine, error) {
	if staticPrivate.IsZero() {
		return nil, errors.New("zero private key")
	}
	if peerStatic.IsZero() {
		return nil, errors.New("zero peer public key")
	}
	ss, err := staticPrivate.sharedSecret(peerStatic)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		staticPrivate: staticPrivate,
		staticPublic:  staticPrivate.PublicKey(),
		peerStatic:    peerStatic,
		presharedKey:  presharedKey,
		staticStatic:  ss,
	}
	e.cookieChecker.Init(e.staticPublic)
	e.cookieGenerator.Init(peerStatic)
	return e, nil
}

// newLocalIndex picks a random receiver index not in use by any live
// session or the in-progress handshake. Callers hold e.mu.
func (e *Engine) newLocalIndex() uint32 {
	var b [4]byte
	for {
		rand.Read(b[:])
		idx := binary.LittleEndian.Uint32(b[:])
		if idx == e.localIndex {
			continue
		}
		if s := e.current; s != nil && s.localIndex == idx {
			continue
		}
		if s := e.previous; s != nil && s.localIndex == idx {
			continue
		}
		if s := e.next; s != nil && s.localIndex == idx {
			continue
		}
		return idx
	}
}

// CreateInitiation builds a handshake initiation message, with MACs
// applied, ready to send.
func (e *Engine) CreateInitiation() ([]byte, error) {
	localEphemeral, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.localEphemeral = localEphemeral
	e.localIndex = e.newLocalIndex()
	e.chainKey = initialChainKey
	mixHash(&e.hash, &initialHash, e.peerStatic[:])

	var msg MessageInitiation
	msg.Type = MessageInitiationType
	msg.Sender = e.localIndex
	msg.Ephemeral = localEphemeral.PublicKey()

	mixKey(&e.chainKey, &e.chainKey, msg.Ephemeral[:])
	mixHash(&e.hash, &e.hash, msg.Ephemeral[:])

	ss, err := localEphemeral.sharedSecret(e.peerStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&e.chainKey, (*[blake2s.Size]byte)(&key), e.chainKey[:], ss[:])
	setZero(ss[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], e.staticPublic[:], e.hash[:])
	mixHash(&e.hash, &e.hash, msg.Static[:])

	kdf2(&e.chainKey, (*[blake2s.Size]byte)(&key), e.chainKey[:], e.staticStatic[:])
	ts := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], ts[:], e.hash[:])
	mixHash(&e.hash, &e.hash, msg.Timestamp[:])
	setZero(key[:])

	e.state = handshakeInitiationCreated

	b := make([]byte, MessageInitiationSize)
	if err := msg.marshal(b); err != nil {
		return nil, err
	}
	e.cookieGenerator.AddMacs(b)
	return b, nil
}

// ConsumeInitiation processes a received initiation and, on success,
// returns the marshaled response to send back. src is the sender's
// address bytes, used for cookie computation. The new session sits in
// the next slot until the peer confirms it with transport data.
func (e *Engine) ConsumeInitiation(pkt, src []byte) ([]byte, error) {
	if len(pkt) != MessageInitiationSize || MessageType(pkt) != MessageInitiationType {
		return nil, ErrInvalidMessage
	}
	if !e.cookieChecker.CheckMAC1(pkt) {
		return nil, ErrMACMismatch
	}

	var msg MessageInitiation
	if err := msg.unmarshal(pkt); err != nil {
		return nil, err
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
		key      [chacha20poly1305.KeySize]byte
	)
	mixHash(&hash, &initialHash, e.staticPublic[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.Ephemeral[:])

	ss, err := e.staticPrivate.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil, err
	}
	kdf2(&chainKey, (*[blake2s.Size]byte)(&key), chainKey[:], ss[:])
	setZero(ss[:])

	var peerPK NoisePublicKey
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(peerPK[:0], zeroNonce[:], msg.Static[:], hash[:]); err != nil {
		return nil, ErrInvalidMessage
	}
	mixHash(&hash, &hash, msg.Static[:])
	if subtle.ConstantTimeCompare(peerPK[:], e.peerStatic[:]) != 1 {
		return nil, ErrUnknownPeer
	}

	kdf2(&chainKey, (*[blake2s.Size]byte)(&key), chainKey[:], e.staticStatic[:])
	var timestamp tai64n.Timestamp
	aead, _ = chacha20poly1305.New(key[:])
	if _, err := aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:]); err != nil {
		return nil, ErrInvalidMessage
	}
	mixHash(&hash, &hash, msg.Timestamp[:])
	setZero(key[:])

	e.mu.Lock()
	// A valid MAC2 proves the sender round-tripped a cookie reply, so
	// it is exempt from the rate limit.
	if time.Since(e.lastInitiationRecv) < HandshakeInitiationRate &&
		!e.cookieChecker.CheckMAC2(pkt, src) {
		e.mu.Unlock()
		return nil, ErrRateLimited
	}
	if !timestamp.After(e.lastTimestamp) {
		e.mu.Unlock()
		return nil, ErrStaleTimestamp
	}
	e.lastTimestamp = timestamp
	e.lastInitiationRecv = time.Now()
	e.hash = hash
	e.chainKey = chainKey
	e.remoteIndex = msg.Sender
	e.remoteEphemeral = msg.Ephemeral
	e.state = handshakeInitiationConsumed
	e.mu.Unlock()

	return e.createResponse()
}

func (e *Engine) createResponse() ([]byte, error) {
	localEphemeral, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != handshakeInitiationConsumed {
		return nil, ErrNoHandshake
	}
	e.localIndex = e.newLocalIndex()

	var msg MessageResponse
	msg.Type = MessageResponseType
	msg.Sender = e.localIndex
	msg.Receiver = e.remoteIndex
	msg.Ephemeral = localEphemeral.PublicKey()

	mixHash(&e.hash, &e.hash, msg.Ephemeral[:])
	mixKey(&e.chainKey, &e.chainKey, msg.Ephemeral[:])

	ss, err := localEphemeral.sharedSecret(e.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&e.chainKey, &e.chainKey, ss[:])
	ss, err = localEphemeral.sharedSecret(e.peerStatic)
	if err != nil {
		return nil, err
	}
	mixKey(&e.chainKey, &e.chainKey, ss[:])
	setZero(ss[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&e.chainKey, &e.hash, &key, e.presharedKey)
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, e.hash[:])
	mixHash(&e.hash, &e.hash, msg.Empty[:])
	setZero(key[:])

	// Responder: receive key first, our new session is unconfirmed
	// until the peer talks on it.
	var recvKey, sendKey [chacha20poly1305.KeySize]byte
	kdf2((*[blake2s.Size]byte)(&recvKey), (*[blake2s.Size]byte)(&sendKey), e.chainKey[:], nil)
	sess := newSession(sendKey, recvKey, false, e.localIndex, e.remoteIndex)
	e.next = sess
	e.lastHandshake = time.Now()
	e.zeroHandshakeLocked()

	b := make([]byte, MessageResponseSize)
	if err := msg.marshal(b); err != nil {
		return nil, err
	}
	e.cookieGenerator.AddMacs(b)
	return b, nil
}

// ConsumeResponse completes an initiated handshake and returns the new
// session, already rotated into the current slot.
func (e *Engine) ConsumeResponse(pkt []byte) (*Session, error) {
	if len(pkt) != MessageResponseSize || MessageType(pkt) != MessageResponseType {
		return nil, ErrInvalidMessage
	}
	if !e.cookieChecker.CheckMAC1(pkt) {
		return nil, ErrMACMismatch
	}

	var msg MessageResponse
	if err := msg.unmarshal(pkt); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != handshakeInitiationCreated || msg.Receiver != e.localIndex {
		return nil, ErrNoHandshake
	}

	hash := e.hash
	chainKey := e.chainKey
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &chainKey, msg.Ephemeral[:])

	ss, err := e.localEphemeral.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&chainKey, &chainKey, ss[:])
	ss, err = e.staticPrivate.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&chainKey, &chainKey, ss[:])
	setZero(ss[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&chainKey, &hash, &key, e.presharedKey)
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:]); err != nil {
		setZero(key[:])
		return nil, ErrInvalidMessage
	}
	mixHash(&hash, &hash, msg.Empty[:])
	setZero(key[:])

	var sendKey, recvKey [chacha20poly1305.KeySize]byte
	kdf2((*[blake2s.Size]byte)(&sendKey), (*[blake2s.Size]byte)(&recvKey), chainKey[:], nil)
	sess := newSession(sendKey, recvKey, true, e.localIndex, msg.Sender)

	// Initiator sessions are confirmed immediately.
	e.previous = e.current
	e.current = sess
	e.next = nil
	e.lastHandshake = time.Now()
	e.zeroHandshakeLocked()
	setZero(chainKey[:])
	setZero(hash[:])
	return sess, nil
}

// ConsumeCookieReply decrypts a cookie reply so that retransmitted
// initiations carry a valid MAC2.
func (e *Engine) ConsumeCookieReply(pkt []byte) bool {
	if len(pkt) != MessageCookieReplySize || MessageType(pkt) != MessageCookieReplyType {
		return false
	}
	var msg MessageCookieReply
	if err := msg.unmarshal(pkt); err != nil {
		return false
	}
	e.mu.Lock()
	receiver := e.localIndex
	e.mu.Unlock()
	if msg.Receiver != receiver {
		return false
	}
	return e.cookieGenerator.ConsumeReply(&msg)
}

// CreateCookieReply builds a cookie reply for a rate-limited handshake
// message. pkt must be a full initiation or response.
func (e *Engine) CreateCookieReply(pkt, src []byte) ([]byte, error) {
	if len(pkt) < 8+2*blake2s.Size128 {
		return nil, ErrInvalidMessage
	}
	sender := binary.LittleEndian.Uint32(pkt[4:])
	smac2 := len(pkt) - blake2s.Size128
	mac1 := pkt[smac2-blake2s.Size128 : smac2]
	reply, err := e.cookieChecker.CreateReply(sender, src, mac1)
	if err != nil {
		return nil, err
	}
	b := make([]byte, MessageCookieReplySize)
	if err := reply.marshal(b); err != nil {
		return nil, err
	}
	return b, nil
}

// zeroHandshakeLocked clears the ephemeral handshake state. e.mu held.
func (e *Engine) zeroHandshakeLocked() {
	setZero(e.localEphemeral[:])
	setZero(e.remoteEphemeral[:])
	setZero(e.chainKey[:])
	setZero(e.hash[:])
	e.state = handshakeZeroed
}

// Lookup returns the live session addressed by the given local receiver
// index, or nil.
func (e *Engine) Lookup(receiver uint32) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range []*Session{e.current, e.next, e.previous} {
		if s != nil && s.localIndex == receiver {
			return s
		}
	}
	return nil
}

// Current returns the confirmed current session, or nil before the
// first completed handshake.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Confirm promotes a responder-side next session to current after its
// first authenticated transport packet. No-op for any other session.
func (e *Engine) Confirm(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == nil || e.next != s {
		return
	}
	e.previous = e.current
	e.current = s
	e.next = nil
}

// InProgress reports whether an initiation we created is still awaiting
// a response.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == handshakeInitiationCreated
}

// LastHandshake returns when the most recent handshake completed.
func (e *Engine) LastHandshake() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHandshake
}

// RotateCookieSecret refreshes the cookie secret if stale. Called from
// periodic maintenance.
func (e *Engine) RotateCookieSecret() {
	e.cookieChecker.RotateSecret()
}

// Close zeroes all key material and drops the session slots.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zeroHandshakeLocked()
	setZero(e.staticPrivate[:])
	setZero(e.presharedKey[:])
	setZero(e.staticStatic[:])
	e.current = nil
	e.previous = nil
	e.next = nil
}
