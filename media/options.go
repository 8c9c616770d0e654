package media

import (
	"sort"
	"strings"
)

// Options are free-form key/value decode settings passed through to reader
// backends, e.g. "Pattern/Kind" or "SequenceIO/ThreadCount".
type Options map[string]string

// Merge returns a new Options with b's entries overriding a's.
func Merge(a, b Options) Options {
	out := make(Options, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Clone returns a copy of o.
func (o Options) Clone() Options {
	return Merge(o, nil)
}

// Get returns the value for key or fallback if unset.
func (o Options) Get(key, fallback string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return fallback
}

// Signature returns a canonical string for o, stable under map ordering.
func (o Options) Signature() string {
	if len(o) == 0 {
		return ""
	}
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(o[k])
		b.WriteByte(';')
	}
	return b.String()
}
