package packet

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
)

func (p *PacketStream) receiveHello(ctx context.Context, pkt []byte) error {
	if p.state == StateEstablished {
		return drop(ErrUnexpected, "hello after initiate")
	}
	if len(pkt) != HelloSize {
		return drop(ErrBadLength, "hello of %d bytes", len(pkt))
	}
	if subtle.ConstantTimeCompare(pkt[8:24], p.serverExt[:]) != 1 {
		return drop(ErrExtension, "")
	}
	counter := binary.BigEndian.Uint64(pkt[136:144])
	if !p.freshNonce(counter) {
		return drop(ErrReplay, "counter %d", counter)
	}

	var clientShort [32]byte
	copy(clientShort[:], pkt[40:72])
	secret := [32]byte(p.longTerm.Secret)
	plain, ok := box.Open(nil, pkt[144:HelloSize], counterNonce(prefixHello, counter), &clientShort, &secret)
	clear(secret[:])
	if !ok {
		return drop(ErrDecrypt, "hello box")
	}
	var zero [64]byte
	if subtle.ConstantTimeCompare(plain, zero[:]) != 1 {
		return drop(ErrDecrypt, "hello padding")
	}

	p.acceptNonce(counter)
	copy(p.clientExt[:], pkt[24:40])
	p.state = StateHelloReceived
	return p.sendCookie(ctx, clientShort, pkt[24:40])
}

// sendCookie answers a Hello with a fresh server ephemeral key sealed into
// a cookie only this server can open.
func (p *PacketStream) sendCookie(ctx context.Context, clientShort [32]byte, clientExt []byte) error {
	serverShortPublic, serverShortSecret, err := box.GenerateKey(p.rand)
	if err != nil {
		return fmt.Errorf("packet: cookie key: %w", err)
	}
	defer clear(serverShortSecret[:])

	minuteKey, _, err := p.minuteKeys.keys()
	if err != nil {
		return err
	}
	defer clear(minuteKey[:])

	random := make([]byte, 32)
	if _, err := io.ReadFull(p.rand, random); err != nil {
		return fmt.Errorf("packet: cookie nonce: %w", err)
	}

	escrow := make([]byte, 64)
	copy(escrow[:32], clientShort[:])
	copy(escrow[32:], serverShortSecret[:])
	cookie := make([]byte, 16, cookieSize)
	copy(cookie, random[:16])
	cookie = secretbox.Seal(cookie, escrow, randomNonce(prefixMinuteKey, random[:16]), &minuteKey)
	clear(escrow)

	inner := make([]byte, 0, 32+cookieSize)
	inner = append(inner, serverShortPublic[:]...)
	inner = append(inner, cookie...)

	pkt := make([]byte, 56, CookieSize)
	copy(pkt[0:8], magicCookie)
	copy(pkt[8:24], clientExt)
	copy(pkt[24:40], p.serverExt[:])
	copy(pkt[40:56], random[16:])
	secret := [32]byte(p.longTerm.Secret)
	pkt = box.Seal(pkt, inner, randomNonce(prefixCookie, random[16:]), &clientShort, &secret)
	clear(secret[:])

	if err := p.transport.Send(ctx, pkt); err != nil {
		return fmt.Errorf("packet: send cookie: %w", err)
	}
	p.log.Debug().Msg("cookie sent")
	return nil
}

// openCookie recovers the server ephemeral secret from a cookie, checking
// it was issued for clientShort.
func (p *PacketStream) openCookie(cookie []byte, clientShort []byte) ([32]byte, bool) {
	var serverShortSecret [32]byte
	current, previous, err := p.minuteKeys.keys()
	if err != nil {
		return serverShortSecret, false
	}
	defer clear(current[:])
	nonce := randomNonce(prefixMinuteKey, cookie[:16])
	plain, ok := secretbox.Open(nil, cookie[16:], nonce, &current)
	if !ok && previous != nil {
		plain, ok = secretbox.Open(nil, cookie[16:], nonce, previous)
		clear(previous[:])
	}
	if !ok {
		return serverShortSecret, false
	}
	defer clear(plain)
	if subtle.ConstantTimeCompare(plain[:32], clientShort) != 1 {
		return serverShortSecret, false
	}
	copy(serverShortSecret[:], plain[32:64])
	return serverShortSecret, true
}

func (p *PacketStream) receiveInitiate(ctx context.Context, pkt []byte) ([]byte, error) {
	if len(pkt) < InitiateOverhead || (len(pkt)-InitiateOverhead)%16 != 0 {
		return nil, drop(ErrBadLength, "initiate of %d bytes", len(pkt))
	}
	if subtle.ConstantTimeCompare(pkt[8:24], p.serverExt[:]) != 1 {
		return nil, drop(ErrExtension, "")
	}
	if p.state != StateListening && subtle.ConstantTimeCompare(pkt[24:40], p.clientExt[:]) != 1 {
		return nil, drop(ErrExtension, "")
	}
	established := p.state == StateEstablished
	if established && !p.clientShortPublic.Equal(keys.Key(pkt[40:72])) {
		return nil, drop(ErrUnexpected, "initiate for another connection")
	}
	counter := binary.BigEndian.Uint64(pkt[168:176])
	if !p.freshNonce(counter) {
		return nil, drop(ErrReplay, "counter %d", counter)
	}

	shared := p.sharedKey
	if !established {
		serverShortSecret, ok := p.openCookie(pkt[72:168], pkt[40:72])
		if !ok {
			return nil, drop(ErrBadCookie, "")
		}
		var clientShort [32]byte
		copy(clientShort[:], pkt[40:72])
		box.Precompute(&shared, &clientShort, &serverShortSecret)
		clear(serverShortSecret[:])
	}

	plain, ok := box.OpenAfterPrecomputation(nil, pkt[176:], counterNonce(prefixInitiate, counter), &shared)
	if !ok {
		return nil, drop(ErrDecrypt, "initiate box")
	}

	clientLong := keys.Key(plain[0:32])
	if established && !clientLong.Equal(p.clientLongPublic) {
		return nil, drop(ErrUnexpected, "client key changed")
	}
	if !p.openVouch(clientLong, plain[32:32+vouchSize], pkt[40:72]) {
		return nil, drop(ErrBadVouch, "")
	}
	if p.serverName != ([ServerNameSize]byte{}) &&
		subtle.ConstantTimeCompare(plain[32+vouchSize:32+vouchSize+ServerNameSize], p.serverName[:]) != 1 {
		return nil, drop(ErrServerName, "")
	}
	if !established && p.authorize != nil && !p.authorize(clientLong) {
		return nil, drop(ErrUnauthorized, "client %s", clientLong)
	}

	p.acceptNonce(counter)
	if !established {
		copy(p.clientExt[:], pkt[24:40])
		p.clientShortPublic = keys.Key(pkt[40:72])
		p.clientLongPublic = clientLong
		p.sharedKey = shared
		p.hasShared = true
		p.state = StateEstablished
		p.log.Debug().Str("client", clientLong.String()).Msg("established")
		if err := p.flushPending(ctx); err != nil {
			return nil, err
		}
	}
	return plain[32+vouchSize+ServerNameSize:], nil
}

// openVouch checks that the client long-term key vouches for clientShort.
func (p *PacketStream) openVouch(clientLong keys.Key, vouch []byte, clientShort []byte) bool {
	long := [32]byte(clientLong)
	secret := [32]byte(p.longTerm.Secret)
	defer clear(secret[:])
	plain, ok := box.Open(nil, vouch[16:], randomNonce(prefixVouch, vouch[:16]), &long, &secret)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(plain, clientShort) == 1
}

// Server-Message: magic | client ext | server ext | nonce(8) | box
func (p *PacketStream) buildServerMessage(payload []byte) []byte {
	pkt := make([]byte, 48, ServerMessageOverhead+len(payload))
	copy(pkt[0:8], magicServerMessage)
	copy(pkt[8:24], p.clientExt[:])
	copy(pkt[24:40], p.serverExt[:])
	counter := p.nextNonce()
	binary.BigEndian.PutUint64(pkt[40:48], counter)
	return box.SealAfterPrecomputation(pkt, payload, counterNonce(prefixServerMessage, counter), &p.sharedKey)
}

// Client-Message: magic | server ext | client ext | C' | nonce(8) | box
func (p *PacketStream) receiveClientMessage(pkt []byte) ([]byte, error) {
	if p.state != StateEstablished {
		return nil, drop(ErrUnexpected, "client message in state %s", p.state)
	}
	if len(pkt) < ClientMessageOverhead+16 {
		return nil, drop(ErrBadLength, "client message of %d bytes", len(pkt))
	}
	if subtle.ConstantTimeCompare(pkt[8:24], p.serverExt[:]) != 1 ||
		subtle.ConstantTimeCompare(pkt[24:40], p.clientExt[:]) != 1 {
		return nil, drop(ErrExtension, "")
	}
	if !p.clientShortPublic.Equal(keys.Key(pkt[40:72])) {
		return nil, drop(ErrUnexpected, "client message for another connection")
	}
	counter := binary.BigEndian.Uint64(pkt[72:80])
	if !p.freshNonce(counter) {
		return nil, drop(ErrReplay, "counter %d", counter)
	}
	plain, ok := box.OpenAfterPrecomputation(nil, pkt[80:], counterNonce(prefixClientMessage, counter), &p.sharedKey)
	if !ok {
		return nil, drop(ErrDecrypt, "client message")
	}
	p.acceptNonce(counter)
	return plain, nil
}
