package packet

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Hello: magic | server ext | client ext | C' | zero(64) | nonce(8) | box(80)
func (p *PacketStream) sendHello(ctx context.Context) error {
	pkt := make([]byte, HelloSize)
	copy(pkt[0:8], magicHello)
	copy(pkt[8:24], p.serverExt[:])
	copy(pkt[24:40], p.clientExt[:])
	copy(pkt[40:72], p.clientShortPublic[:])
	counter := p.nextNonce()
	binary.BigEndian.PutUint64(pkt[136:144], counter)

	serverKey := [32]byte(p.serverKey)
	secret := [32]byte(p.clientShortSecret)
	var zero [64]byte
	box.Seal(pkt[:144], zero[:], counterNonce(prefixHello, counter), &serverKey, &secret)

	if err := p.transport.Send(ctx, pkt); err != nil {
		return fmt.Errorf("packet: send hello: %w", err)
	}
	return nil
}

// Cookie: magic | client ext | server ext | nonce(16) | box(S' | cookie)
func (p *PacketStream) receiveCookie(ctx context.Context, pkt []byte) error {
	if p.state != StateHelloSent {
		return drop(ErrUnexpected, "cookie in state %s", p.state)
	}
	if len(pkt) != CookieSize {
		return drop(ErrBadLength, "cookie of %d bytes", len(pkt))
	}
	if !p.extensionsMatch(pkt[8:24], pkt[24:40]) {
		return drop(ErrExtension, "")
	}

	serverKey := [32]byte(p.serverKey)
	secret := [32]byte(p.clientShortSecret)
	plain, ok := box.Open(nil, pkt[56:CookieSize], randomNonce(prefixCookie, pkt[40:56]), &serverKey, &secret)
	if !ok {
		return drop(ErrDecrypt, "cookie box")
	}

	copy(p.serverShortPublic[:], plain[:32])
	copy(p.cookie[:], plain[32:32+cookieSize])
	serverShort := [32]byte(p.serverShortPublic)
	box.Precompute(&p.sharedKey, &serverShort, &secret)
	p.hasShared = true
	clear(secret[:])
	clear(p.clientShortSecret[:])

	p.stopHello()
	p.state = StateInitiating
	p.log.Debug().Msg("cookie accepted")
	return p.flushPending(ctx)
}

// Initiate: magic | server ext | client ext | C' | cookie(96) | nonce(8) |
// box(C | vouch(64) | server name(256) | payload)
func (p *PacketStream) buildInitiate(payload []byte) []byte {
	inner := make([]byte, 32+vouchSize+ServerNameSize+len(payload))
	copy(inner[0:32], p.longTerm.Public[:])
	copy(inner[32:32+vouchSize], p.vouch[:])
	copy(inner[32+vouchSize:], p.serverName[:])
	copy(inner[32+vouchSize+ServerNameSize:], payload)

	pkt := make([]byte, 176, InitiateOverhead+len(payload))
	copy(pkt[0:8], magicInitiate)
	copy(pkt[8:24], p.serverExt[:])
	copy(pkt[24:40], p.clientExt[:])
	copy(pkt[40:72], p.clientShortPublic[:])
	copy(pkt[72:168], p.cookie[:])
	counter := p.nextNonce()
	binary.BigEndian.PutUint64(pkt[168:176], counter)
	return box.SealAfterPrecomputation(pkt, inner, counterNonce(prefixInitiate, counter), &p.sharedKey)
}

// Client-Message: magic | server ext | client ext | C' | nonce(8) | box
func (p *PacketStream) buildClientMessage(payload []byte) []byte {
	pkt := make([]byte, 80, ClientMessageOverhead+len(payload))
	copy(pkt[0:8], magicClientMessage)
	copy(pkt[8:24], p.serverExt[:])
	copy(pkt[24:40], p.clientExt[:])
	copy(pkt[40:72], p.clientShortPublic[:])
	counter := p.nextNonce()
	binary.BigEndian.PutUint64(pkt[72:80], counter)
	return box.SealAfterPrecomputation(pkt, payload, counterNonce(prefixClientMessage, counter), &p.sharedKey)
}

// Server-Message: magic | client ext | server ext | nonce(8) | box
func (p *PacketStream) receiveServerMessage(pkt []byte) ([]byte, error) {
	if !p.hasShared {
		return nil, drop(ErrUnexpected, "server message in state %s", p.state)
	}
	if len(pkt) < ServerMessageOverhead+16 {
		return nil, drop(ErrBadLength, "server message of %d bytes", len(pkt))
	}
	if !p.extensionsMatch(pkt[8:24], pkt[24:40]) {
		return nil, drop(ErrExtension, "")
	}
	counter := binary.BigEndian.Uint64(pkt[40:48])
	if !p.freshNonce(counter) {
		return nil, drop(ErrReplay, "counter %d", counter)
	}
	plain, ok := box.OpenAfterPrecomputation(nil, pkt[48:], counterNonce(prefixServerMessage, counter), &p.sharedKey)
	if !ok {
		return nil, drop(ErrDecrypt, "server message")
	}
	p.acceptNonce(counter)
	if !p.serverHeard {
		p.serverHeard = true
		p.state = StateEstablished
		p.log.Debug().Msg("established")
	}
	return plain, nil
}

// extensionsMatch compares the client and server extension fields of an
// inbound packet with the configured ones.
func (p *PacketStream) extensionsMatch(client, server []byte) bool {
	return subtle.ConstantTimeCompare(client, p.clientExt[:]) == 1 &&
		subtle.ConstantTimeCompare(server, p.serverExt[:]) == 1
}
