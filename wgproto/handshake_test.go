package wgproto

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"
)

func newTestEngines(t *testing.T) (initiator, responder *Engine) {
	t.Helper()

	skA, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	skB, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	var psk NoisePresharedKey
	if _, err = rand.Read(psk[:]); err != nil {
		t.Fatal(err)
	}

	initiator, err = NewEngine(skA, skB.PublicKey(), psk)
	if err != nil {
		t.Fatal(err)
	}
	responder, err = NewEngine(skB, skA.PublicKey(), psk)
	if err != nil {
		t.Fatal(err)
	}
	return
}

// completeHandshake runs a full handshake and returns the two sessions.
func completeHandshake(t *testing.T, initiator, responder *Engine) (si, sr *Session) {
	t.Helper()

	init, err := initiator.CreateInitiation()
	if err != nil {
		t.Fatal("CreateInitiation:", err)
	}
	resp, err := responder.ConsumeInitiation(init, []byte{192, 0, 2, 1})
	if err != nil {
		t.Fatal("ConsumeInitiation:", err)
	}
	si, err = initiator.ConsumeResponse(resp)
	if err != nil {
		t.Fatal("ConsumeResponse:", err)
	}
	sr = responder.Lookup(si.RemoteIndex())
	if sr == nil {
		t.Fatal("responder session not found by receiver index")
	}
	return
}

func TestHandshakeKeyAgreement(t *testing.T) {
	a, b := newTestEngines(t)
	sa, sb := completeHandshake(t, a, b)

	if !sa.IsInitiator() || sb.IsInitiator() {
		t.Error("initiator flags wrong way around")
	}
	if sa.LocalIndex() != sb.RemoteIndex() || sa.RemoteIndex() != sb.LocalIndex() {
		t.Error("receiver indices do not cross-match")
	}

	// Initiator to responder.
	payload := []byte("first transport packet..........") // padded length
	buf := make([]byte, MessageTransportSize+len(payload))
	msg, err := sa.Encrypt(buf[:MessageTransportHeaderSize], payload)
	if err != nil {
		t.Fatal("Encrypt:", err)
	}
	got, err := sb.Decrypt(nil, msg)
	if err != nil {
		t.Fatal("Decrypt:", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decrypted %q, want %q", got, payload)
	}

	// Responder to initiator.
	buf2 := make([]byte, MessageTransportSize+len(payload))
	msg2, err := sb.Encrypt(buf2[:MessageTransportHeaderSize], payload)
	if err != nil {
		t.Fatal("Encrypt:", err)
	}
	if _, err = sa.Decrypt(nil, msg2); err != nil {
		t.Fatal("Decrypt:", err)
	}
}

func TestHandshakeRejectsWrongPeer(t *testing.T) {
	a, _ := newTestEngines(t)
	_, c := newTestEngines(t)

	init, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = c.ConsumeInitiation(init, []byte{192, 0, 2, 1}); err == nil {
		t.Fatal("initiation for a different responder was accepted")
	}
}

func TestHandshakeRejectsReplayedInitiation(t *testing.T) {
	a, b := newTestEngines(t)

	init, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.ConsumeInitiation(init, []byte{192, 0, 2, 1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(HandshakeInitiationRate + time.Millisecond)
	if _, err = b.ConsumeInitiation(init, []byte{192, 0, 2, 1}); err != ErrStaleTimestamp {
		t.Fatalf("replayed initiation: err = %v, want ErrStaleTimestamp", err)
	}
}

func TestHandshakeRateLimit(t *testing.T) {
	a, b := newTestEngines(t)

	init, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.ConsumeInitiation(init, []byte{192, 0, 2, 1}); err != nil {
		t.Fatal(err)
	}
	init2, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.ConsumeInitiation(init2, []byte{192, 0, 2, 1}); err != ErrRateLimited {
		t.Fatalf("rapid initiation: err = %v, want ErrRateLimited", err)
	}
}

func TestHandshakeMangledMessages(t *testing.T) {
	a, b := newTestEngines(t)

	init, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}

	mangled := append([]byte(nil), init...)
	mangled[20] ^= 0x40
	if _, err = b.ConsumeInitiation(mangled, []byte{192, 0, 2, 1}); err != ErrMACMismatch {
		t.Errorf("mangled initiation: err = %v, want ErrMACMismatch", err)
	}

	resp, err := b.ConsumeInitiation(init, []byte{192, 0, 2, 1})
	if err != nil {
		t.Fatal(err)
	}
	mangled = append([]byte(nil), resp...)
	mangled[16] ^= 0x40
	if _, err = a.ConsumeResponse(mangled); err != ErrMACMismatch {
		t.Errorf("mangled response: err = %v, want ErrMACMismatch", err)
	}
	if _, err = a.ConsumeResponse(resp); err != nil {
		t.Errorf("intact response after mangled one: %v", err)
	}
}

func TestTransportReplayRejected(t *testing.T) {
	a, b := newTestEngines(t)
	sa, sb := completeHandshake(t, a, b)

	payload := make([]byte, 32)
	buf := make([]byte, MessageTransportSize+len(payload))
	msg, err := sa.Encrypt(buf[:MessageTransportHeaderSize], payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = sb.Decrypt(nil, msg); err != nil {
		t.Fatal(err)
	}
	if _, err = sb.Decrypt(nil, msg); err != ErrDecrypt {
		t.Fatalf("replayed transport packet: err = %v, want ErrDecrypt", err)
	}
}

func TestTransportCorruptedTagKeepsCounter(t *testing.T) {
	a, b := newTestEngines(t)
	sa, sb := completeHandshake(t, a, b)

	payload := make([]byte, 16)
	buf := make([]byte, MessageTransportSize+len(payload))
	msg, err := sa.Encrypt(buf[:MessageTransportHeaderSize], payload)
	if err != nil {
		t.Fatal(err)
	}

	// A corrupted packet must not burn its counter value in the replay
	// window.
	corrupted := append([]byte(nil), msg...)
	corrupted[len(corrupted)-1] ^= 0xff
	if _, err = sb.Decrypt(nil, corrupted); err != ErrDecrypt {
		t.Fatalf("corrupted packet: err = %v, want ErrDecrypt", err)
	}
	if _, err = sb.Decrypt(nil, msg); err != nil {
		t.Fatalf("intact packet after corrupted copy: %v", err)
	}
}

func TestResponderSessionConfirmation(t *testing.T) {
	a, b := newTestEngines(t)
	sa, sb := completeHandshake(t, a, b)

	if b.Current() == sb {
		t.Fatal("responder session confirmed before any transport data")
	}

	payload := make([]byte, 16)
	buf := make([]byte, MessageTransportSize+len(payload))
	msg, err := sa.Encrypt(buf[:MessageTransportHeaderSize], payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = sb.Decrypt(nil, msg); err != nil {
		t.Fatal(err)
	}
	b.Confirm(sb)
	if b.Current() != sb {
		t.Fatal("responder session not promoted after transport data")
	}
}

func TestRekeyKeepsPreviousSession(t *testing.T) {
	a, b := newTestEngines(t)
	sa1, sb1 := completeHandshake(t, a, b)
	time.Sleep(HandshakeInitiationRate + time.Millisecond)
	sa2, _ := completeHandshake(t, a, b)

	if a.Current() != sa2 {
		t.Fatal("initiator current session not rotated")
	}
	if a.Lookup(sa1.LocalIndex()) != sa1 {
		t.Fatal("previous initiator session dropped on rekey")
	}

	// In-flight packets on the old session still decrypt.
	payload := make([]byte, 16)
	buf := make([]byte, MessageTransportSize+len(payload))
	msg, err := sa1.Encrypt(buf[:MessageTransportHeaderSize], payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = sb1.Decrypt(nil, msg); err != nil {
		t.Fatalf("old session packet after rekey: %v", err)
	}
}

func TestCookieReplyRoundTrip(t *testing.T) {
	a, b := newTestEngines(t)

	init, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	src := []byte{192, 0, 2, 1, 0x1b, 0x58}
	reply, err := b.CreateCookieReply(init, src)
	if err != nil {
		t.Fatal("CreateCookieReply:", err)
	}
	if !a.ConsumeCookieReply(reply) {
		t.Fatal("cookie reply rejected by initiator")
	}

	// The retransmitted initiation now carries a MAC2 that the
	// responder can verify against the same source address.
	init2, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if !b.cookieChecker.CheckMAC2(init2, src) {
		t.Fatal("MAC2 not valid after cookie exchange")
	}
}

func TestPaddedLen(t *testing.T) {
	for _, c := range []struct {
		n, max, want int
	}{
		{0, 1440, 0},
		{1, 1440, 16},
		{16, 1440, 16},
		{17, 1440, 32},
		{1439, 1440, 1440},
		{1440, 1440, 1440},
	} {
		if got := PaddedLen(c.n, c.max); got != c.want {
			t.Errorf("PaddedLen(%d, %d) = %d, want %d", c.n, c.max, got, c.want)
		}
	}
}

// TestInitiationMAC2BypassesRateLimit checks the under-load path end to
// end: a rate-limited initiator completes a cookie exchange, and its
// next initiation, now carrying a valid MAC2, is consumed even while
// the responder's rate limiter is hot.
func TestInitiationMAC2BypassesRateLimit(t *testing.T) {
	a, b := newTestEngines(t)
	src := []byte{192, 0, 2, 1, 0x1b, 0x58}

	init, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.ConsumeInitiation(init, src); err != nil {
		t.Fatal(err)
	}

	init2, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.ConsumeInitiation(init2, src); err != ErrRateLimited {
		t.Fatalf("rapid initiation without MAC2: err = %v, want ErrRateLimited", err)
	}
	reply, err := b.CreateCookieReply(init2, src)
	if err != nil {
		t.Fatal(err)
	}
	if !a.ConsumeCookieReply(reply) {
		t.Fatal("cookie reply rejected by initiator")
	}

	// Let the whitened timestamp advance past the consumed initiation,
	// then put the responder's rate limiter back under load.
	time.Sleep(25 * time.Millisecond)
	b.mu.Lock()
	b.lastInitiationRecv = time.Now()
	b.mu.Unlock()

	init3, err := a.CreateInitiation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.ConsumeInitiation(init3, src); err != nil {
		t.Fatalf("initiation with valid MAC2 under load: err = %v, want nil", err)
	}
}

func TestNeedsRekeyThresholds(t *testing.T) {
	a, b := newTestEngines(t)
	sa, sb := completeHandshake(t, a, b)

	if sa.NeedsRekey() {
		t.Fatal("fresh session wants rekey")
	}

	defer func(n uint64) { RekeyAfterMessages = n }(RekeyAfterMessages)
	RekeyAfterMessages = 4
	payload := make([]byte, 16)
	for i := 0; i < 4; i++ {
		buf := make([]byte, MessageTransportSize+len(payload))
		if _, err := sa.Encrypt(buf[:MessageTransportHeaderSize], payload); err != nil {
			t.Fatal(err)
		}
	}
	if !sa.NeedsRekey() {
		t.Fatal("busy session does not want rekey")
	}

	// Time alone triggers a rekey only on the initiator side.
	sb.created = time.Now().Add(-2 * RekeyAfterTime)
	if sb.NeedsRekey() {
		t.Fatal("responder session wants rekey on age alone")
	}
	sa.sendNonce.Store(0)
	sa.created = sb.created
	if !sa.NeedsRekey() {
		t.Fatal("aged initiator session does not want rekey")
	}
}
