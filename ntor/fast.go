package ntor

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
)

// fastNonceLen is the length of each side's random contribution to a
// CREATE_FAST handshake (tor-spec 5.1.3).
const fastNonceLen = 20

// FastHandshakeState holds the client's state for a CREATE_FAST handshake:
// no public-key operation, used only on the first hop when it is reachable
// without one (e.g. over an already-authenticated, already-encrypted TLS
// link, per §4.3's selection rule).
type FastHandshakeState struct {
	x [fastNonceLen]byte
}

// NewFastHandshake draws a fresh client nonce.
func NewFastHandshake() (*FastHandshakeState, error) {
	var x [fastNonceLen]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate fast handshake nonce: %w", err)
	}
	return &FastHandshakeState{x: x}, nil
}

// Close zeroes the client nonce. Call on error paths when Complete() won't
// be called.
func (hs *FastHandshakeState) Close() {
	clear(hs.x[:])
}

// ClientData returns the CREATE_FAST payload: the 20-byte client nonce.
func (hs *FastHandshakeState) ClientData() [fastNonceLen]byte {
	return hs.x
}

// Complete processes a CREATED_FAST payload (Y || KH, 40 bytes), verifies
// the relay's proof of shared K0, and derives circuit keys via the legacy
// KDF-TOR construction (not HKDF: see DESIGN.md for why this handshake
// cannot use hkdf).
func (hs *FastHandshakeState) Complete(serverData [40]byte) (*KeyMaterial, error) {
	var y [fastNonceLen]byte
	var khReceived [fastNonceLen]byte
	copy(y[:], serverData[0:20])
	copy(khReceived[:], serverData[20:40])

	k0 := make([]byte, 0, 2*fastNonceLen)
	k0 = append(k0, hs.x[:]...)
	k0 = append(k0, y[:]...)

	derived := kdfTor(k0, 20+92)
	kh := derived[:20]
	keys := derived[20:]

	if subtle.ConstantTimeCompare(kh, khReceived[:]) != 1 {
		clear(k0)
		clear(derived)
		return nil, fmt.Errorf("fast handshake KH verification failed")
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	clear(k0)
	clear(derived)
	clear(hs.x[:])
	return km, nil
}

// kdfTor is the legacy iterated-SHA1 key derivation function of tor-spec
// 5.2.1: K = H(K0 | [0]) | H(K0 | [1]) | H(K0 | [2]) | ..., truncated to n
// bytes. Used only by the fast and TAP handshakes; ntor uses HKDF-SHA256.
func kdfTor(k0 []byte, n int) []byte {
	out := make([]byte, 0, n)
	for i := byte(0); len(out) < n; i++ {
		h := sha1.New()
		h.Write(k0)
		h.Write([]byte{i})
		out = append(out, h.Sum(nil)...)
	}
	return out[:n]
}
