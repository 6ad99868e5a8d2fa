package message

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

func TestSignatureRoundTrip(t *testing.T) {
	assert := assert.New(t)
	priv := ed25519.GenPrivKey()
	txRaw := []byte{0x01, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}
	btcSig := bytes.Repeat([]byte{0x30}, 71)

	msg, err := NewSignature(priv, 2, txRaw, 0, btcSig)
	assert.NoError(err)
	assert.NoError(msg.Verify())

	decoded, err := Decode(msg.Raw())
	assert.NoError(err)
	sig, ok := decoded.(*Signature)
	assert.True(ok)
	assert.Equal(msg.Raw(), sig.Raw(), "round trip must be byte identical")
	assert.Equal(uint32(2), sig.Validator())
	assert.Equal(uint32(0), sig.Input())
	assert.Equal(txRaw, sig.TxRaw())
	assert.Equal(btcSig, sig.SignatureBytes())
	assert.Equal(msg.Hash(), sig.Hash())
	assert.NoError(sig.Verify())

	pub := priv.PubKey().(ed25519.PubKeyEd25519)
	assert.Equal(pub[:], sig.From())
}

func TestUpdateLatestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	priv := ed25519.GenPrivKey()
	txRaw := bytes.Repeat([]byte{0xab}, 200)

	msg, err := NewUpdateLatest(priv, 3, txRaw, 7)
	assert.NoError(err)

	decoded, err := Decode(msg.Raw())
	assert.NoError(err)
	upd, ok := decoded.(*UpdateLatest)
	assert.True(ok)
	assert.Equal(msg.Raw(), upd.Raw())
	assert.Equal(uint32(3), upd.Validator())
	assert.Equal(uint64(7), upd.LectCount())
	assert.Equal(txRaw, upd.TxRaw())
	assert.NoError(upd.Verify())
}

func TestHostTxRoundTrip(t *testing.T) {
	assert := assert.New(t)
	priv := ed25519.GenPrivKey()
	payload := []byte(`{"actual_from":250}`)

	msg, err := NewHostTx(priv, KindConfig, payload)
	assert.NoError(err)

	decoded, err := Decode(msg.Raw())
	assert.NoError(err)
	host, ok := decoded.(*HostTx)
	assert.True(ok)
	assert.Equal(ServiceHost, host.Service())
	assert.Equal(KindConfig, host.Kind())
	assert.Equal(payload, host.Payload())
	assert.NoError(host.Verify())
}

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	priv := ed25519.GenPrivKey()
	msg, err := NewSignature(priv, 0, []byte{1}, 0, []byte{2})
	if err != nil {
		t.Fatal(err)
	}
	raw := append([]byte{}, msg.Raw()...)
	binary.LittleEndian.PutUint16(raw[4:6], 9)
	if _, err := Decode(raw); err != ErrIncorrectMessageType {
		t.Errorf("expected ErrIncorrectMessageType, got %v", err)
	}
}

func TestDecodeRejectsUnknownService(t *testing.T) {
	priv := ed25519.GenPrivKey()
	msg, err := NewSignature(priv, 0, []byte{1}, 0, []byte{2})
	if err != nil {
		t.Fatal(err)
	}
	raw := append([]byte{}, msg.Raw()...)
	binary.LittleEndian.PutUint16(raw[2:4], 11)
	if _, err := Decode(raw); err != ErrUnknownService {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	assert := assert.New(t)
	priv := ed25519.GenPrivKey()
	msg, err := NewUpdateLatest(priv, 0, []byte{1, 2, 3}, 1)
	assert.NoError(err)

	_, err = Decode(msg.Raw()[:len(msg.Raw())-1])
	assert.Equal(ErrLengthMismatch, err)

	_, err = Decode([]byte{0, 0, 3})
	assert.Equal(ErrTooShort, err)
}

func TestDecodeRejectsNonCanonicalSegments(t *testing.T) {
	assert := assert.New(t)
	priv := ed25519.GenPrivKey()
	msg, err := NewSignature(priv, 1, []byte{1, 2, 3, 4}, 0, []byte{9, 9})
	assert.NoError(err)

	// Shift the tx segment forward one byte: segments must be contiguous
	// with the fixed header, so this is no longer the canonical layout.
	raw := append([]byte{}, msg.Raw()...)
	body := raw[envelopeLen : len(raw)-trailerLen]
	off := binary.LittleEndian.Uint32(body[36:40])
	binary.LittleEndian.PutUint32(body[36:40], off+1)
	_, err = Decode(raw)
	assert.Equal(ErrBadSegment, err)

	// Zero-length tx segment is rejected even if offsets line up.
	raw2 := append([]byte{}, msg.Raw()...)
	body2 := raw2[envelopeLen : len(raw2)-trailerLen]
	binary.LittleEndian.PutUint32(body2[40:44], 0)
	_, err = Decode(raw2)
	assert.Equal(ErrBadSegment, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	assert := assert.New(t)
	priv := ed25519.GenPrivKey()
	msg, err := NewUpdateLatest(priv, 2, []byte{5, 6, 7}, 3)
	assert.NoError(err)

	raw := append([]byte{}, msg.Raw()...)
	raw[envelopeLen+35]++ // validator index
	decoded, err := Decode(raw)
	assert.NoError(err, "tampering is structural-valid but must fail verification")
	assert.Equal(ErrBadSignature, decoded.Verify())
}

func TestNewSignatureBounds(t *testing.T) {
	priv := ed25519.GenPrivKey()
	if _, err := NewSignature(priv, 0, nil, 0, []byte{1}); err == nil {
		t.Errorf("expected empty tx segment to be rejected")
	}
	if _, err := NewSignature(priv, 0, []byte{1}, 0, nil); err == nil {
		t.Errorf("expected empty signature segment to be rejected")
	}
	if _, err := NewUpdateLatest(priv, 0, nil, 1); err == nil {
		t.Errorf("expected empty tx segment to be rejected")
	}
}
