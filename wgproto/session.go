package wgproto

import (
	"crypto/cipher"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wgfwd/wgfwd-go/replay"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrSessionExpired is returned when a session has hit its message
	// or age limit and must not encrypt further packets.
	ErrSessionExpired = errors.New("session expired")

	// ErrDecrypt is returned for packets that fail authentication or
	// replay validation.
	ErrDecrypt = errors.New("transport packet rejected")
)

// Session is an established transport keypair. The send and receive
// halves use independent keys and counters.
type Session struct {
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.Filter
	replayMu     sync.Mutex
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
	sendNonce    atomic.Uint64
	received     atomic.Uint64
}

func newSession(sendKey, receiveKey [chacha20poly1305.KeySize]byte, isInitiator bool, localIndex, remoteIndex uint32) *Session {
	send, _ := chacha20poly1305.New(sendKey[:])
	receive, _ := chacha20poly1305.New(receiveKey[:])
	setZero(sendKey[:])
	setZero(receiveKey[:])
	return &Session{
		send:        send,
		receive:     receive,
		isInitiator: isInitiator,
		created:     time.Now(),
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
	}
}

// LocalIndex returns the receiver index the peer addresses us with on
// this session.
func (s *Session) LocalIndex() uint32 { return s.localIndex }

// RemoteIndex returns the receiver index we address the peer with.
func (s *Session) RemoteIndex() uint32 { return s.remoteIndex }

// Age returns how long ago the session's handshake completed.
func (s *Session) Age() time.Duration { return time.Since(s.created) }

// IsInitiator reports whether we initiated the handshake that produced
// this session.
func (s *Session) IsInitiator() bool { return s.isInitiator }

// Expired reports whether the session is past its lifetime and must be
// replaced before any further traffic.
func (s *Session) Expired() bool {
	return time.Since(s.created) >= RejectAfterTime ||
		s.sendNonce.Load() >= RejectAfterMessages
}

// NeedsRekey reports whether the session is old or busy enough that a
// fresh handshake should be started proactively. Only the initiator of
// the previous handshake rekeys on time alone, per the protocol's
// passive-keepalive rules.
func (s *Session) NeedsRekey() bool {
	if s.sendNonce.Load() >= RekeyAfterMessages {
		return true
	}
	return s.isInitiator && time.Since(s.created) >= RekeyAfterTime
}

// Encrypt seals plaintext into a complete transport message written to
// out (which must have capacity for MessageTransportHeaderSize +
// len(plaintext) + AEAD overhead) and returns the full message slice.
// The caller is responsible for padding plaintext to PaddingMultiple.
func (s *Session) Encrypt(out, plaintext []byte) ([]byte, error) {
	nonce := s.sendNonce.Add(1) - 1
	if nonce >= RejectAfterMessages || time.Since(s.created) >= RejectAfterTime {
		return nil, ErrSessionExpired
	}

	header := out[:MessageTransportHeaderSize]
	putLE32(header, MessageTransportType)
	putLE32(header[MessageTransportOffsetReceiver:], s.remoteIndex)
	putLE64(header[MessageTransportOffsetCounter:], nonce)

	var nonceBuf [chacha20poly1305.NonceSize]byte
	putLE64(nonceBuf[4:], nonce)
	msg := s.send.Seal(header, nonceBuf[:], plaintext, nil)
	return msg, nil
}

// Decrypt opens a complete transport message and returns the plaintext,
// appended to out. Authentication runs before replay validation so a
// forged or corrupted packet cannot advance the replay window.
func (s *Session) Decrypt(out, msg []byte) ([]byte, error) {
	if len(msg) < MessageTransportSize {
		return nil, ErrMessageLength
	}
	if time.Since(s.created) >= RejectAfterTime {
		return nil, ErrSessionExpired
	}
	counter := le64(msg[MessageTransportOffsetCounter:])

	var nonceBuf [chacha20poly1305.NonceSize]byte
	putLE64(nonceBuf[4:], counter)
	plaintext, err := s.receive.Open(out, nonceBuf[:], msg[MessageTransportOffsetContent:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	s.replayMu.Lock()
	ok := s.replayFilter.Validate(counter, RejectAfterMessages)
	s.replayMu.Unlock()
	if !ok {
		return nil, ErrDecrypt
	}
	s.received.Add(1)
	return plaintext, nil
}

// ReceivedAny reports whether at least one transport packet has been
// authenticated on this session. Used to confirm a rekeyed session
// before retiring its predecessor.
func (s *Session) ReceivedAny() bool { return s.received.Load() > 0 }

// PaddedLen returns n rounded up to the next multiple of
// PaddingMultiple, capped at max.
func PaddedLen(n, max int) int {
	padded := (n + PaddingMultiple - 1) &^ (PaddingMultiple - 1)
	if padded > max {
		return max
	}
	return padded
}
