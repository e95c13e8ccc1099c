package chat

// AliasMap is a map keyed by a canonical key P with secondary alias keys A
// resolving to the same value. The server uses it to address channels by
// numeric id (canonical) or by name (alias).
type AliasMap[P comparable, A comparable, V any] struct {
	vals    map[P]V
	aliases map[A]P
}

func NewAliasMap[P comparable, A comparable, V any]() *AliasMap[P, A, V] {
	return &AliasMap[P, A, V]{
		vals:    make(map[P]V),
		aliases: make(map[A]P),
	}
}

// Set stores v under the canonical key.
func (m *AliasMap[P, A, V]) Set(key P, v V) {
	m.vals[key] = v
}

// AddAlias binds alias to an existing canonical key.
func (m *AliasMap[P, A, V]) AddAlias(alias A, key P) {
	m.aliases[alias] = key
}

// Get looks up by canonical key.
func (m *AliasMap[P, A, V]) Get(key P) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// GetAlias looks up by alias key.
func (m *AliasMap[P, A, V]) GetAlias(alias A) (V, bool) {
	key, ok := m.aliases[alias]
	if !ok {
		var zero V
		return zero, false
	}
	return m.Get(key)
}

// Resolve maps an alias to its canonical key.
func (m *AliasMap[P, A, V]) Resolve(alias A) (P, bool) {
	key, ok := m.aliases[alias]
	return key, ok
}

// Contains reports whether the canonical key exists.
func (m *AliasMap[P, A, V]) Contains(key P) bool {
	_, ok := m.vals[key]
	return ok
}

// ContainsAlias reports whether the alias key exists.
func (m *AliasMap[P, A, V]) ContainsAlias(alias A) bool {
	_, ok := m.aliases[alias]
	return ok
}

// Delete removes the canonical entry and purges every alias pointing to it.
func (m *AliasMap[P, A, V]) Delete(key P) {
	delete(m.vals, key)
	for alias, k := range m.aliases {
		if k == key {
			delete(m.aliases, alias)
		}
	}
}

// DeleteAlias removes the canonical entry the alias resolves to.
func (m *AliasMap[P, A, V]) DeleteAlias(alias A) {
	if key, ok := m.aliases[alias]; ok {
		m.Delete(key)
	}
}

// Len counts canonical entries only.
func (m *AliasMap[P, A, V]) Len() int {
	return len(m.vals)
}

// Values returns every stored value in unspecified order.
func (m *AliasMap[P, A, V]) Values() []V {
	vals := make([]V, 0, len(m.vals))
	for _, v := range m.vals {
		vals = append(vals, v)
	}
	return vals
}
