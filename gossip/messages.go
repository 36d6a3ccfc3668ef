package gossip

import (
	"fmt"
	"sort"

	"github.com/adamgarcia4/goLearning/gms/wire"
)

// Field numbers follow api/gossip/v1/messaging.proto.

type syn struct {
	Cluster    string
	From       Endpoint
	Generation int64
	Digests    []Digest
}

type ack struct {
	From     Endpoint
	States   []endpointDelta
	Requests []Digest
}

type ack2 struct {
	From   Endpoint
	States []endpointDelta
}

type shutdown struct {
	From       Endpoint
	Generation int64
	Status     string
}

// endpointDelta is an endpoint's heartbeat plus the application states newer
// than the version the receiver reported.
type endpointDelta struct {
	Endpoint  Endpoint
	Heartbeat HeartbeatState
	AppStates map[AppStateKey]VersionedValue
}

// maxVersion matches EndpointState.maxVersion for the carried data.
func (d *endpointDelta) maxVersion() int64 {
	maxVer := d.Heartbeat.Version
	for _, v := range d.AppStates {
		if v.Version > maxVer {
			maxVer = v.Version
		}
	}
	return maxVer
}

func (m *syn) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.Cluster)
	b = wire.AppendString(b, 2, string(m.From))
	b = wire.AppendInt(b, 3, m.Generation)
	for i := range m.Digests {
		b = wire.AppendMessage(b, 4, m.Digests[i].marshal())
	}
	return b
}

func (m *syn) unmarshal(b []byte) error {
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			m.Cluster = r.Text()
		case 2:
			m.From = Endpoint(r.Text())
		case 3:
			m.Generation = r.Int()
		case 4:
			var d Digest
			if err := d.unmarshal(r.Bytes()); err != nil {
				r.Fail(err)
				continue
			}
			m.Digests = append(m.Digests, d)
		default:
			r.Skip()
		}
	}
	if r.Err() == nil && m.From == "" {
		return fmt.Errorf("%w: SYN without sender", wire.ErrMalformed)
	}
	return r.Err()
}

func (m *ack) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(m.From))
	for i := range m.States {
		b = wire.AppendMessage(b, 2, m.States[i].marshal())
	}
	for i := range m.Requests {
		b = wire.AppendMessage(b, 3, m.Requests[i].marshal())
	}
	return b
}

func (m *ack) unmarshal(b []byte) error {
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			m.From = Endpoint(r.Text())
		case 2:
			var s endpointDelta
			if err := s.unmarshal(r.Bytes()); err != nil {
				r.Fail(err)
				continue
			}
			m.States = append(m.States, s)
		case 3:
			var d Digest
			if err := d.unmarshal(r.Bytes()); err != nil {
				r.Fail(err)
				continue
			}
			m.Requests = append(m.Requests, d)
		default:
			r.Skip()
		}
	}
	return r.Err()
}

func (m *ack2) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(m.From))
	for i := range m.States {
		b = wire.AppendMessage(b, 2, m.States[i].marshal())
	}
	return b
}

func (m *ack2) unmarshal(b []byte) error {
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			m.From = Endpoint(r.Text())
		case 2:
			var s endpointDelta
			if err := s.unmarshal(r.Bytes()); err != nil {
				r.Fail(err)
				continue
			}
			m.States = append(m.States, s)
		default:
			r.Skip()
		}
	}
	return r.Err()
}

func (m *shutdown) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(m.From))
	b = wire.AppendInt(b, 2, m.Generation)
	return wire.AppendString(b, 3, m.Status)
}

func (m *shutdown) unmarshal(b []byte) error {
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			m.From = Endpoint(r.Text())
		case 2:
			m.Generation = r.Int()
		case 3:
			m.Status = r.Text()
		default:
			r.Skip()
		}
	}
	if r.Err() == nil && m.From == "" {
		return fmt.Errorf("%w: SHUTDOWN without sender", wire.ErrMalformed)
	}
	return r.Err()
}

func (d *Digest) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(d.Endpoint))
	b = wire.AppendInt(b, 2, d.Generation)
	return wire.AppendInt(b, 3, d.MaxVersion)
}

func (d *Digest) unmarshal(b []byte) error {
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			d.Endpoint = Endpoint(r.Text())
		case 2:
			d.Generation = r.Int()
		case 3:
			d.MaxVersion = r.Int()
		default:
			r.Skip()
		}
	}
	if r.Err() == nil && d.Endpoint == "" {
		return fmt.Errorf("%w: digest without endpoint", wire.ErrMalformed)
	}
	return r.Err()
}

func (d *endpointDelta) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, string(d.Endpoint))
	b = wire.AppendInt(b, 2, d.Heartbeat.Generation)
	b = wire.AppendInt(b, 3, d.Heartbeat.Version)

	keys := make([]AppStateKey, 0, len(d.AppStates))
	for k := range d.AppStates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		v := d.AppStates[k]
		var s []byte
		s = wire.AppendString(s, 1, string(k))
		s = wire.AppendString(s, 2, v.Value)
		s = wire.AppendInt(s, 3, v.Version)
		b = wire.AppendMessage(b, 4, s)
	}
	return b
}

func (d *endpointDelta) unmarshal(b []byte) error {
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			d.Endpoint = Endpoint(r.Text())
		case 2:
			d.Heartbeat.Generation = r.Int()
		case 3:
			d.Heartbeat.Version = r.Int()
		case 4:
			key, v, err := unmarshalAppState(r.Bytes())
			if err != nil {
				r.Fail(err)
				continue
			}
			if d.AppStates == nil {
				d.AppStates = make(map[AppStateKey]VersionedValue)
			}
			d.AppStates[key] = v
		default:
			r.Skip()
		}
	}
	if r.Err() == nil && d.Endpoint == "" {
		return fmt.Errorf("%w: endpoint state without endpoint", wire.ErrMalformed)
	}
	return r.Err()
}

func unmarshalAppState(b []byte) (AppStateKey, VersionedValue, error) {
	var (
		key AppStateKey
		v   VersionedValue
	)
	r := wire.NewReader(b)
	for r.Next() {
		switch r.Field() {
		case 1:
			key = AppStateKey(r.Text())
		case 2:
			v.Value = r.Text()
		case 3:
			v.Version = r.Int()
		default:
			r.Skip()
		}
	}
	if r.Err() != nil {
		return "", VersionedValue{}, r.Err()
	}
	if key == "" {
		return "", VersionedValue{}, fmt.Errorf("%w: application state without key", wire.ErrMalformed)
	}
	return key, v, nil
}
