// Package metadata implements the gRPC metadata map: case-insensitive ASCII
// keys, multiple values per key in insertion order, and base64 transport
// encoding for keys with the -bin suffix.
package metadata

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// MD maps lowercase keys to their values. Values for a key keep the order
// they were appended in.
type MD map[string][]string

// New builds an MD from a plain map. Keys are lowercased.
func New(m map[string]string) MD {
	md := make(MD, len(m))
	for k, v := range m {
		md[strings.ToLower(k)] = []string{v}
	}
	return md
}

// Pairs builds an MD from an alternating key/value list. It panics on an odd
// number of arguments.
func Pairs(kv ...string) MD {
	if len(kv)%2 != 0 {
		panic("metadata: Pairs got an odd number of arguments")
	}
	md := make(MD, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k := strings.ToLower(kv[i])
		md[k] = append(md[k], kv[i+1])
	}
	return md
}

// Get returns the values for key, or nil.
func (md MD) Get(key string) []string {
	return md[strings.ToLower(key)]
}

// First returns the first value for key, or "".
func (md MD) First(key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Set replaces the values for key.
func (md MD) Set(key string, vals ...string) {
	md[strings.ToLower(key)] = vals
}

// Append adds values after any existing ones for key.
func (md MD) Append(key string, vals ...string) {
	k := strings.ToLower(key)
	md[k] = append(md[k], vals...)
}

// Delete removes key.
func (md MD) Delete(key string) {
	delete(md, strings.ToLower(key))
}

// Len returns the number of distinct keys.
func (md MD) Len() int {
	return len(md)
}

// Clone returns a deep copy.
func (md MD) Clone() MD {
	out := make(MD, len(md))
	for k, vals := range md {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// Merge appends every value of other after the existing values for the same
// key, so later sources (trailers) follow earlier ones (headers) per key.
func (md MD) Merge(other MD) {
	for k, vals := range other {
		md[k] = append(md[k], vals...)
	}
}

// IsBinaryKey reports whether key carries binary metadata on the wire.
func IsBinaryKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), "-bin")
}

// FromHeader converts an http.Header into an MD, lowercasing keys and
// decoding -bin values from base64.
func FromHeader(h http.Header) MD {
	md := make(MD, len(h))
	for k, vals := range h {
		lk := strings.ToLower(k)
		if IsBinaryKey(lk) {
			for _, v := range vals {
				if raw, err := DecodeBinValue(v); err == nil {
					md[lk] = append(md[lk], string(raw))
				}
			}
			continue
		}
		md[lk] = append(md[lk], vals...)
	}
	return md
}

// CopyTo writes the metadata into an http.Header, encoding -bin values.
func (md MD) CopyTo(h http.Header) {
	for k, vals := range md {
		for _, v := range vals {
			if IsBinaryKey(k) {
				v = EncodeBinValue([]byte(v))
			}
			h.Add(k, v)
		}
	}
}

// EncodeBinValue encodes a -bin metadata value for transport.
func EncodeBinValue(v []byte) string {
	return base64.StdEncoding.EncodeToString(v)
}

// DecodeBinValue decodes a -bin metadata value. Both padded and unpadded
// base64 are accepted.
func DecodeBinValue(v string) ([]byte, error) {
	if m := len(v) % 4; m != 0 {
		v += "===="[:4-m]
	}
	return base64.StdEncoding.DecodeString(v)
}
