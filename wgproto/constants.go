// Package wgproto implements the WireGuard wire protocol for a single
// point-to-point peer: message encoding, the Noise_IKpsk2 handshake,
// and transport data encryption with replay protection and rekeying.
package wgproto

import (
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	WGLabelMAC1       = "mac1----"
	WGLabelCookie     = "cookie--"
)

const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + chacha20poly1305.Overhead
	MessageKeepaliveSize       = MessageTransportSize
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

// Rekey thresholds, as specified by the WireGuard whitepaper. These
// are variables so tests can shorten them.
var (
	RekeyAfterMessages = uint64(1) << 60
	RekeyAfterTime     = 120 * time.Second
)

// Protocol timing and volume limits, as specified by the WireGuard
// whitepaper.
const (
	RejectAfterMessages = ^uint64(0) - (uint64(1) << 13) - 1
	RekeyAttemptTime    = 90 * time.Second
	RekeyTimeout        = 5 * time.Second
	RejectAfterTime     = 180 * time.Second
	KeepaliveTimeout    = 10 * time.Second
	CookieRefreshTime   = 120 * time.Second

	// HandshakeInitiationRate limits how often a responder will consume
	// initiations from the peer.
	HandshakeInitiationRate = 20 * time.Millisecond

	RekeyTimeoutJitterMaxMs = 334
)

// WireGuard pads transport payloads to a multiple of 16 bytes.
const PaddingMultiple = 16

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(NoiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(WGIdentifier))
}
