package presence

import (
	"fmt"

	"github.com/nugget/presence-client/codec"
)

func encodeEnvelope(e envelope) ([]byte, error) {
	m := codec.NewMap()
	m.Set("t", e.T)
	if e.Op != "" {
		m.Set("op", e.Op)
	} else {
		m.SetOmit("op")
	}
	if e.C != "" {
		m.Set("c", e.C)
	} else {
		m.SetOmit("c")
	}
	if e.P != "" {
		m.Set("p", e.P)
	} else {
		m.SetOmit("p")
	}
	if e.Pl != nil {
		m.Set("pl", e.Pl)
	} else {
		m.SetOmit("pl")
	}
	return codec.Encode(m)
}

func decodeEnvelope(b []byte) (envelope, error) {
	v, _, err := codec.Decode(b)
	if err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	m, ok := v.(*codec.Map)
	if !ok {
		return envelope{}, fmt.Errorf("presence: frame is %T, want a map", v)
	}

	var e envelope
	if t, ok := m.Get("t"); ok {
		e.T, _ = t.(string)
	}
	if op, ok := m.Get("op"); ok {
		e.Op, _ = op.(string)
	}
	if c, ok := m.Get("c"); ok {
		e.C, _ = c.(string)
	}
	if p, ok := m.Get("p"); ok {
		e.P, _ = p.(string)
	}
	if pl, ok := m.Get("pl"); ok {
		e.Pl, _ = pl.([]byte)
	}
	return e, nil
}

// codecMarshalState encodes a Channel's opaque local state for a
// peer_state control frame. nil encodes as msgpack nil, matching any
// peer that hasn't called SetState yet.
func codecMarshalState(v any) ([]byte, error) {
	return codec.Encode(v)
}

// decodeOpaqueState decodes a peer's peer_state payload into whatever
// the codec produces for it (a scalar, *codec.Map, or []any).
func decodeOpaqueState(b []byte) (any, error) {
	v, _, err := codec.Decode(b)
	return v, err
}

func encodeDataPayload(p dataPayload) ([]byte, error) {
	m := codec.NewMap()
	m.Set("event", p.Event)
	m.Set("data", p.Data)
	return codec.Encode(m)
}

func decodeDataPayload(b []byte) (dataPayload, error) {
	v, _, err := codec.Decode(b)
	if err != nil {
		return dataPayload{}, fmt.Errorf("decode data payload: %w", err)
	}
	m, ok := v.(*codec.Map)
	if !ok {
		return dataPayload{}, fmt.Errorf("presence: payload is %T, want a map", v)
	}

	var p dataPayload
	if ev, ok := m.Get("event"); ok {
		p.Event, _ = ev.(string)
	}
	p.Data, _ = m.Get("data")
	return p, nil
}
