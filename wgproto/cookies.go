package wgproto

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// CookieChecker verifies the MAC1 and MAC2 fields on handshake messages
// we receive.
type CookieChecker struct {
	sync.RWMutex
	mac1Key [blake2s.Size]byte
	mac2    struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator computes the MAC1 and MAC2 fields on handshake
// messages we send, folding in the latest cookie received from the peer.
type CookieGenerator struct {
	sync.Mutex
	mac1Key [blake2s.Size]byte
	mac2    struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func calculateMAC1Key(pk NoisePublicKey) [blake2s.Size]byte {
	var key [blake2s.Size]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(WGLabelMAC1))
	h.Write(pk[:])
	h.Sum(key[:0])
	return key
}

func calculateCookieKey(pk NoisePublicKey) [chacha20poly1305.KeySize]byte {
	var key [chacha20poly1305.KeySize]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(WGLabelCookie))
	h.Write(pk[:])
	h.Sum(key[:0])
	return key
}

// Init keys the checker with our own public key, against which the peer
// computes MAC1.
func (cc *CookieChecker) Init(pk NoisePublicKey) {
	cc.Lock()
	defer cc.Unlock()
	cc.mac1Key = calculateMAC1Key(pk)
	cc.mac2.encryptionKey = calculateCookieKey(pk)
	rand.Read(cc.mac2.secret[:])
	cc.mac2.secretSet = time.Now()
}

// CheckMAC1 verifies the MAC1 field of msg.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	cc.RLock()
	defer cc.RUnlock()

	if len(msg) < 2*blake2s.Size128 {
		return false
	}
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac, err := blake2s.New128(cc.mac1Key[:])
	if err != nil {
		return false
	}
	mac.Write(msg[:smac1])
	var computed [blake2s.Size128]byte
	mac.Sum(computed[:0])
	return hmac.Equal(computed[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the MAC2 field of msg against the cookie derived
// from the sender's source address bytes.
func (cc *CookieChecker) CheckMAC2(msg, src []byte) bool {
	cc.RLock()
	defer cc.RUnlock()

	if time.Since(cc.mac2.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(cc.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	smac2 := len(msg) - blake2s.Size128
	var computed [blake2s.Size128]byte
	mac, _ = blake2s.New128(cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(computed[:0])
	return hmac.Equal(computed[:], msg[smac2:])
}

// RotateSecret regenerates the cookie secret if it has expired.
// Called from periodic maintenance.
func (cc *CookieChecker) RotateSecret() {
	cc.Lock()
	defer cc.Unlock()
	if time.Since(cc.mac2.secretSet) > CookieRefreshTime {
		rand.Read(cc.mac2.secret[:])
		cc.mac2.secretSet = time.Now()
	}
}

// CreateReply builds a cookie reply for a message that failed MAC
// validation under load. receiver is the sender index of the offending
// message, src the sender's address bytes, and msgMAC1 its MAC1 field.
func (cc *CookieChecker) CreateReply(receiver uint32, src, msgMAC1 []byte) (*MessageCookieReply, error) {
	cc.RLock()
	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(cc.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])
	encryptionKey := cc.mac2.encryptionKey
	cc.RUnlock()

	var reply MessageCookieReply
	reply.Type = MessageCookieReplyType
	reply.Receiver = receiver
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}
	xaead, err := chacha20poly1305.NewX(encryptionKey[:])
	if err != nil {
		return nil, err
	}
	xaead.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msgMAC1)
	return &reply, nil
}

// Init keys the generator with the peer's public key.
func (cg *CookieGenerator) Init(pk NoisePublicKey) {
	cg.Lock()
	defer cg.Unlock()
	cg.mac1Key = calculateMAC1Key(pk)
	cg.mac2.encryptionKey = calculateCookieKey(pk)
	cg.mac2.cookieSet = time.Time{}
}

// AddMacs computes and appends MAC1 (and MAC2 when a live cookie is
// held) in place over a fully marshaled handshake message.
func (cg *CookieGenerator) AddMacs(msg []byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	cg.Lock()
	defer cg.Unlock()

	mac, _ := blake2s.New128(cg.mac1Key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])
	copy(cg.mac2.lastMAC1[:], mac1)
	cg.mac2.hasLastMAC1 = true

	if time.Since(cg.mac2.cookieSet) > CookieRefreshTime {
		return
	}
	mac, _ = blake2s.New128(cg.mac2.cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])
}

// ConsumeReply decrypts a cookie reply and stores the cookie for use in
// subsequent MAC2 fields. Returns false if the reply does not
// authenticate against the last MAC1 we sent.
func (cg *CookieGenerator) ConsumeReply(msg *MessageCookieReply) bool {
	cg.Lock()
	defer cg.Unlock()

	if !cg.mac2.hasLastMAC1 {
		return false
	}
	xaead, err := chacha20poly1305.NewX(cg.mac2.encryptionKey[:])
	if err != nil {
		return false
	}
	var cookie [blake2s.Size128]byte
	_, err = xaead.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], cg.mac2.lastMAC1[:])
	if err != nil {
		return false
	}
	cg.mac2.cookie = cookie
	cg.mac2.cookieSet = time.Now()
	return true
}
