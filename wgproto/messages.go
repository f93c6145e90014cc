package wgproto

import (
	"encoding/binary"
	"errors"

	"github.com/wgfwd/wgfwd-go/tai64n"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrMessageLength = errors.New("message length mismatch")

func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putLE64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func le64(b []byte) uint64       { return binary.LittleEndian.Uint64(b) }

// MessageType returns the type discriminant of a WireGuard message,
// or 0 if the packet is too short to carry one.
func MessageType(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// The type field is an 8-bit value followed by three zero bytes.
// Messages are encoded little-endian, so it is treated as a uint32.

// MessageInitiation is the first handshake message, sent by the
// initiator.
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral NoisePublicKey
	Static    [NoisePublicKeySize + chacha20poly1305.Overhead]byte
	Timestamp [tai64n.TimestampSize + chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

func (m *MessageInitiation) marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return ErrMessageLength
	}
	binary.LittleEndian.PutUint32(b, m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Sender)
	copy(b[8:], m.Ephemeral[:])
	copy(b[40:], m.Static[:])
	copy(b[88:], m.Timestamp[:])
	copy(b[116:], m.MAC1[:])
	copy(b[132:], m.MAC2[:])
	return nil
}

func (m *MessageInitiation) unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return ErrMessageLength
	}
	m.Type = binary.LittleEndian.Uint32(b)
	m.Sender = binary.LittleEndian.Uint32(b[4:])
	copy(m.Ephemeral[:], b[8:])
	copy(m.Static[:], b[40:])
	copy(m.Timestamp[:], b[88:])
	copy(m.MAC1[:], b[116:])
	copy(m.MAC2[:], b[132:])
	return nil
}

// MessageResponse is the second handshake message, sent by the
// responder.
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

func (m *MessageResponse) marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return ErrMessageLength
	}
	binary.LittleEndian.PutUint32(b, m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Sender)
	binary.LittleEndian.PutUint32(b[8:], m.Receiver)
	copy(b[12:], m.Ephemeral[:])
	copy(b[44:], m.Empty[:])
	copy(b[60:], m.MAC1[:])
	copy(b[76:], m.MAC2[:])
	return nil
}

func (m *MessageResponse) unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return ErrMessageLength
	}
	m.Type = binary.LittleEndian.Uint32(b)
	m.Sender = binary.LittleEndian.Uint32(b[4:])
	m.Receiver = binary.LittleEndian.Uint32(b[8:])
	copy(m.Ephemeral[:], b[12:])
	copy(m.Empty[:], b[44:])
	copy(m.MAC1[:], b[60:])
	copy(m.MAC2[:], b[76:])
	return nil
}

// MessageCookieReply is sent by a responder under load in place of a
// handshake response.
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + chacha20poly1305.Overhead]byte
}

func (m *MessageCookieReply) marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return ErrMessageLength
	}
	binary.LittleEndian.PutUint32(b, m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Receiver)
	copy(b[8:], m.Nonce[:])
	copy(b[32:], m.Cookie[:])
	return nil
}

func (m *MessageCookieReply) unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return ErrMessageLength
	}
	m.Type = binary.LittleEndian.Uint32(b)
	m.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(m.Nonce[:], b[8:])
	copy(m.Cookie[:], b[32:])
	return nil
}
