package codec

// Map is an insertion-ordered string-keyed map. The wire format is
// order-sensitive (spec requires map keys to be encoded in insertion
// order), which a bare Go map cannot guarantee, so the codec uses this
// type everywhere a decoded or to-be-encoded map value is exposed.
type Map struct {
	keys   []string
	values map[string]any
	omit   map[string]bool
}

// NewMap returns an empty, ready-to-use Map.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// Set inserts or updates key. Inserting a key not previously present
// appends it to the encoding order; updating an existing key preserves
// its original position.
func (m *Map) Set(key string, value any) *Map {
	if _, ok := m.values[key]; !ok && !m.omit[key] {
		m.keys = append(m.keys, key)
	}
	if m.omit != nil {
		delete(m.omit, key)
	}
	m.values[key] = value
	return m
}

// SetOmit marks key as present-but-omitted: it participates in
// insertion order bookkeeping but Encode drops it entirely, matching
// spec.md's "undefined map values are omitted, not encoded as null".
func (m *Map) SetOmit(key string) *Map {
	if _, ok := m.values[key]; !ok && !m.omit[key] {
		m.keys = append(m.keys, key)
	}
	if m.omit == nil {
		m.omit = make(map[string]bool)
	}
	m.omit[key] = true
	delete(m.values, key)
	return m
}

// Get returns the value for key and whether it is present and not
// omitted.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order, including omitted ones.
func (m *Map) Keys() []string {
	return m.keys
}

// Len returns the number of keys that will actually be encoded (i.e.
// excluding omitted ones).
func (m *Map) Len() int {
	n := 0
	for _, k := range m.keys {
		if m.omit == nil || !m.omit[k] {
			n++
		}
	}
	return n
}

// Each calls fn for every non-omitted key/value pair, in insertion
// order.
func (m *Map) Each(fn func(key string, value any)) {
	for _, k := range m.keys {
		if m.omit != nil && m.omit[k] {
			continue
		}
		fn(k, m.values[k])
	}
}
