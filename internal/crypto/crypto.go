// Package crypto implements the diglett secure channel: a secp256k1/ECDH
// handshake followed by a ChaCha20 keystream cipher wrapping the byte
// stream in both directions. There is no AEAD; the design guards against
// passive eavesdroppers only, not an active man-in-the-middle (see
// spec §9).
package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
)

const (
	// KeySize is the length in bytes of a ChaCha20 key and of the SHA-256
	// digest the shared secret is derived from.
	KeySize = 32

	// PublicKeySize is the length of a compressed secp256k1 public key.
	PublicKeySize = 33
)

// nonce is fixed and identical for both directions; direction separation
// comes from using two independent cipher instances, not from the nonce.
var zeroNonce = [chacha20.NonceSize]byte{}

// Keypair is a session-scoped secp256k1 keypair. A fresh one is generated
// for every connection (spec §3).
type Keypair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// GenerateKeypair creates a new random secp256k1 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 keypair: %w", err)
	}
	return &Keypair{priv: priv, pub: priv.PubKey()}, nil
}

// PublicKey returns the compressed public key for this keypair.
func (k *Keypair) PublicKey() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	copy(out[:], k.pub.SerializeCompressed())
	return out
}

// ParsePublicKey decodes a compressed secp256k1 public key received over
// the wire during the handshake.
func ParsePublicKey(compressed [PublicKeySize]byte) (*secp256k1.PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(compressed[:])
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	return pub, nil
}

// SharedSecret performs ECDH between the local private key and a peer's
// public key and hashes the resulting point's x-coordinate with SHA-256,
// as required bit-for-bit by spec §3/§9 (HKDF is explicitly disallowed
// without a wire version bump).
func SharedSecret(kp *Keypair, peer *secp256k1.PublicKey) [KeySize]byte {
	var point secp256k1.JacobianPoint
	peer.AsJacobian(&point)

	var shared secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&kp.priv.Key, &point, &shared)
	shared.ToAffine()

	x := shared.X.Bytes()
	return sha256.Sum256(x[:])
}

// Channel wraps a connection's two independent ChaCha20 keystream states,
// one per direction, both seeded from the same session key (spec §3).
// Each cipher must be driven by exactly one goroutine at a time (spec §5);
// Channel itself does no locking.
type Channel struct {
	encryptCipher *chacha20.Cipher
	decryptCipher *chacha20.Cipher
}

// NewChannel constructs the two keystream ciphers from a shared session
// key. Both directions start from a zero counter; interop with the
// reference implementation depends on this.
func NewChannel(sessionKey [KeySize]byte) (*Channel, error) {
	enc, err := chacha20.NewUnauthenticatedCipher(sessionKey[:], zeroNonce[:])
	if err != nil {
		return nil, fmt.Errorf("init outbound cipher: %w", err)
	}
	dec, err := chacha20.NewUnauthenticatedCipher(sessionKey[:], zeroNonce[:])
	if err != nil {
		return nil, fmt.Errorf("init inbound cipher: %w", err)
	}
	return &Channel{encryptCipher: enc, decryptCipher: dec}, nil
}

// EncryptInPlace XORs buf with the outbound keystream, advancing it by
// len(buf) bytes. Must only be called from the single goroutine that owns
// outbound writes.
func (c *Channel) EncryptInPlace(buf []byte) {
	c.encryptCipher.XORKeyStream(buf, buf)
}

// DecryptInPlace XORs buf with the inbound keystream, advancing it by
// len(buf) bytes. Must only be called from the single goroutine that owns
// inbound reads.
func (c *Channel) DecryptInPlace(buf []byte) {
	c.decryptCipher.XORKeyStream(buf, buf)
}

// EncryptedWriter wraps an io.Writer, encrypting every write with the
// channel's outbound keystream before forwarding it.
type EncryptedWriter struct {
	w io.Writer
	c *Channel
}

// NewEncryptedWriter returns a writer that encrypts through c before
// writing to w.
func NewEncryptedWriter(w io.Writer, c *Channel) *EncryptedWriter {
	return &EncryptedWriter{w: w, c: c}
}

func (ew *EncryptedWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	ew.c.EncryptInPlace(buf)
	return ew.w.Write(buf)
}

// EncryptedReader wraps an io.Reader, decrypting every read with the
// channel's inbound keystream.
type EncryptedReader struct {
	r io.Reader
	c *Channel
}

// NewEncryptedReader returns a reader that decrypts bytes read from r
// through c.
func NewEncryptedReader(r io.Reader, c *Channel) *EncryptedReader {
	return &EncryptedReader{r: r, c: c}
}

func (er *EncryptedReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	if n > 0 {
		er.c.DecryptInPlace(p[:n])
	}
	return n, err
}
