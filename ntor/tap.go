package ntor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// dhGroupP is the 1024-bit MODP group (RFC 2409 "Second Oakley Group")
// that tor-spec's legacy TAP handshake runs Diffie-Hellman over.
var dhGroupP, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF",
	16,
)

var dhGroupG = big.NewInt(2)

// dhSecLen is the exponent length tor-spec restricts TAP clients to, for
// efficiency rather than security margin (the group itself provides that).
const dhSecLen = 40 // bytes, 320 bits

// tapDHLen is the wire length of a TAP public value, the group's modulus
// size.
const tapDHLen = 128

// TAPHandshakeState holds the client's ephemeral Diffie-Hellman state for
// the legacy TAP handshake, used only when a relay has no ntor onion key
// (§4.3's selection rule falls through to TAP as the last resort).
type TAPHandshakeState struct {
	x *big.Int // ephemeral private exponent
	X *big.Int // ephemeral public value g^x mod p
}

// NewTAPHandshake draws a fresh ephemeral DH keypair.
func NewTAPHandshake() (*TAPHandshakeState, error) {
	xBytes := make([]byte, dhSecLen)
	if _, err := rand.Read(xBytes); err != nil {
		return nil, fmt.Errorf("generate TAP exponent: %w", err)
	}
	x := new(big.Int).SetBytes(xBytes)
	X := new(big.Int).Exp(dhGroupG, x, dhGroupP)
	return &TAPHandshakeState{x: x, X: X}, nil
}

// ClientData hybrid-encrypts the client's DH public value under the
// relay's RSA1024 onion key, producing the CREATE cell payload: an
// RSA-OAEP-encrypted symmetric key and key prefix, followed by the
// AES-128-CTR-encrypted remainder of the DH value (tor-spec 5.1.4's
// "hybrid encryption", expressed with Go's standard OAEP rather than the
// hand-rolled PKCS1 variant tor-spec historically specified).
func (hs *TAPHandshakeState) ClientData(onionKey *rsa.PublicKey) ([]byte, error) {
	xBytes := leftPad(hs.X.Bytes(), tapDHLen)

	// tor-spec splits the payload into a PK-encrypted prefix and a
	// symmetrically-encrypted remainder so that a 1024-bit RSA key can
	// carry a 1024-bit (128-byte) DH value plus a fresh session key.
	const pkPlainLen = 70 // client key (16) + first 54 bytes of X
	sessionKey := make([]byte, 16)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("generate TAP session key: %w", err)
	}

	pkPlain := make([]byte, 0, pkPlainLen)
	pkPlain = append(pkPlain, sessionKey...)
	pkPlain = append(pkPlain, xBytes[:pkPlainLen-16]...)

	pkEnc, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, onionKey, pkPlain, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encrypt TAP prefix: %w", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("build TAP session cipher: %w", err)
	}
	rest := xBytes[pkPlainLen-16:]
	symEnc := make([]byte, len(rest))
	stream := cipher.NewCTR(block, make([]byte, aes.BlockSize))
	stream.XORKeyStream(symEnc, rest)

	payload := make([]byte, 0, len(pkEnc)+len(symEnc))
	payload = append(payload, pkEnc...)
	payload = append(payload, symEnc...)
	return payload, nil
}

// Complete processes a CREATED cell payload (Y || KH, 148 bytes: a
// 128-byte DH public value and a 20-byte handshake digest), verifies KH,
// and derives circuit keys via the legacy KDF-TOR construction.
func (hs *TAPHandshakeState) Complete(serverData [148]byte) (*KeyMaterial, error) {
	Y := new(big.Int).SetBytes(serverData[0:128])
	khReceived := serverData[128:148]

	shared := new(big.Int).Exp(Y, hs.x, dhGroupP)
	k0 := leftPad(shared.Bytes(), tapDHLen)

	derived := kdfTor(k0, 20+92)
	kh := derived[:20]
	keys := derived[20:]

	if subtle.ConstantTimeCompare(kh, khReceived) != 1 {
		clear(k0)
		clear(derived)
		return nil, fmt.Errorf("TAP handshake KH verification failed")
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	clear(k0)
	clear(derived)
	hs.x.SetInt64(0)
	return km, nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
