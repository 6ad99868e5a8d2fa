package message

import (
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
)

// Host transactions carry embedding-level payloads: KindConfig schedules a
// StoredConfiguration (JSON), KindValidatorUpdate carries a tendermint
// validator change. Body: 32-byte sender key followed by the opaque payload.
const hostHeaderLen = 32

// HostTx : a host-service transaction
type HostTx struct {
	base
}

// NewHostTx : build and sign an outgoing host transaction
func NewHostTx(priv crypto.PrivKey, kind uint16, payload []byte) (*HostTx, error) {
	if kind != KindConfig && kind != KindValidatorUpdate {
		return nil, ErrIncorrectMessageType
	}
	if len(payload) == 0 || len(payload) > maxTxLen {
		return nil, errors.Errorf("host payload length %d out of range", len(payload))
	}
	from, err := senderKeyBytes(priv.PubKey())
	if err != nil {
		return nil, err
	}
	body := make([]byte, hostHeaderLen, hostHeaderLen+len(payload))
	copy(body[0:32], from)
	body = append(body, payload...)
	raw, err := newEnvelope(ServiceHost, kind, body, priv)
	if err != nil {
		return nil, err
	}
	return &HostTx{base{raw}}, nil
}

func parseHostTx(raw []byte) (*HostTx, error) {
	body := raw[envelopeLen : len(raw)-trailerLen]
	if len(body) <= hostHeaderLen {
		return nil, ErrTooShort
	}
	return &HostTx{base{raw}}, nil
}

// Payload : the opaque host payload after the sender key
func (h *HostTx) Payload() []byte {
	return h.body()[hostHeaderLen:]
}
