package crypto

import (
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/postalsys/diglett/internal/wire"
)

// Role identifies which side of the handshake a peer plays. The initiator
// (agent) writes its handshake frame first, then reads the responder's; the
// responder (server) reads first, then writes (spec §4.2).
type Role int

const (
	Initiator Role = iota
	Responder
)

// Handshake carries the outcome of a completed secp256k1/ECDH handshake:
// the derived secure Channel and the peer's public key, useful for
// diagnostics or future identity-binding work (spec §9).
type Handshake struct {
	Channel *Channel
	PeerKey *secp256k1.PublicKey
}

// Negotiate performs the plaintext handshake over rw and derives the
// shared secure Channel. It never encrypts the handshake frame itself
// (spec §3 invariants): rw must be the raw, unencrypted connection.
func Negotiate(rw io.ReadWriter, role Role, local *Keypair) (*Handshake, error) {
	localFrame := &wire.Handshake{PublicKey: local.PublicKey()}

	var peerFrame *wire.Handshake
	var err error

	switch role {
	case Initiator:
		if err = wire.WriteHandshake(rw, localFrame); err != nil {
			return nil, fmt.Errorf("write handshake: %w", err)
		}
		peerFrame, err = wire.ReadHandshake(rw)
		if err != nil {
			return nil, fmt.Errorf("read peer handshake: %w", err)
		}
	case Responder:
		peerFrame, err = wire.ReadHandshake(rw)
		if err != nil {
			return nil, fmt.Errorf("read peer handshake: %w", err)
		}
		if err = wire.WriteHandshake(rw, localFrame); err != nil {
			return nil, fmt.Errorf("write handshake: %w", err)
		}
	default:
		return nil, fmt.Errorf("diglett: unknown handshake role %d", role)
	}

	peerKey, err := ParsePublicKey(peerFrame.PublicKey)
	if err != nil {
		return nil, err
	}

	sessionKey := SharedSecret(local, peerKey)
	channel, err := NewChannel(sessionKey)
	if err != nil {
		return nil, err
	}

	return &Handshake{Channel: channel, PeerKey: peerKey}, nil
}
