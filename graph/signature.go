package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Signature is the content-addressed fingerprint of a node's inputs and
// direct dependencies. It is the cache key: two signatures compare equal
// iff the (name, value) input set and the direct-dependency id set are
// both equal.
type Signature [sha256.Size]byte

// String returns the hex form of the signature.
func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// IsZero reports whether the signature has never been computed.
func (s Signature) IsZero() bool { return s == Signature{} }

// ComputeSignature fingerprints the inputs and the direct-dependency id
// list.
//
// Inputs are folded in sorted name order, so reshuffling a map that holds
// the same (name, value) pairs yields the same signature. NodeRef inputs
// contribute their (node id, output) identity rather than a serialized
// form, which makes the signature sensitive to retargeting a reference.
// The dependency list is sorted and folded separately so that adding or
// removing an edge changes the signature even when input values are
// untouched.
//
// Non-reference values are canonicalized through encoding/json, which
// writes map keys in sorted order; values that fail to marshal fall back
// to their fmt representation.
func ComputeSignature(inputs map[string]any, deps []string) Signature {
	h := sha256.New()

	for _, name := range sortedKeys(inputs) {
		h.Write([]byte(name))
		h.Write([]byte{0})
		switch v := inputs[name].(type) {
		case NodeRef:
			h.Write([]byte("ref:"))
			h.Write([]byte(v.NodeID))
			h.Write([]byte{0})
			h.Write([]byte(v.Output))
		default:
			if b, err := json.Marshal(v); err == nil {
				h.Write(b)
			} else {
				fmt.Fprintf(h, "%v", v)
			}
		}
		h.Write([]byte{0})
	}

	sorted := make([]string, len(deps))
	copy(sorted, deps)
	sort.Strings(sorted)
	h.Write([]byte("deps:"))
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}

	var sig Signature
	copy(sig[:], h.Sum(nil))
	return sig
}

// sortedKeys returns the map's keys in ascending order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
