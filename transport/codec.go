package transport

import (
	"fmt"

	"github.com/adamgarcia4/goLearning/gms/wire"
)

// envelope is the single gRPC message type; see api/gossip/v1/messaging.proto.
type envelope struct {
	Verb    Verb
	From    string
	Payload []byte
}

func (e *envelope) marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+len(e.Verb)+len(e.From)+8)
	b = wire.AppendString(b, 1, string(e.Verb))
	b = wire.AppendString(b, 2, e.From)
	b = wire.AppendBytes(b, 3, e.Payload)
	return b
}

func (e *envelope) unmarshal(b []byte) error {
	*e = envelope{}
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			e.Verb = Verb(r.Text())
		case 2:
			e.From = r.Text()
		case 3:
			// Copy: the gRPC receive buffer is recycled after Unmarshal.
			e.Payload = append([]byte(nil), r.Bytes()...)
		default:
			r.Skip()
		}
	}
	return r.Err()
}

// envelopeCodec is forced on both client and server so no generated protobuf
// types are needed.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v interface{}) ([]byte, error) {
	e, ok := v.(*envelope)
	if !ok {
		return nil, fmt.Errorf("envelope codec: unexpected type %T", v)
	}
	return e.marshal(), nil
}

func (envelopeCodec) Unmarshal(data []byte, v interface{}) error {
	e, ok := v.(*envelope)
	if !ok {
		return fmt.Errorf("envelope codec: unexpected type %T", v)
	}
	return e.unmarshal(data)
}

func (envelopeCodec) Name() string {
	return "gms-envelope"
}
