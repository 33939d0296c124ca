package topology

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
)

// Digest returns the SHA-256 digest of the canonical serialization of the
// topology. Two nodes participating in the same run must have byte-identical
// topologies; the digest is exchanged on every peer connection and a mismatch
// is a fatal protocol error.
func (t *Topology) Digest() []byte {
	out := make([]byte, len(t.digest))
	copy(out, t.digest)
	return out
}

// DigestHex returns the digest in lowercase hex for logs and handshakes.
func (t *Topology) DigestHex() string {
	return fmt.Sprintf("%x", t.digest)
}

// The canonical form lists groups, contacts and wires sorted by id with a
// fixed field order, one record per line. Field separators never appear in
// identifiers produced by the loader, and ordering removes any map iteration
// nondeterminism.
func (t *Topology) computeDigest() []byte {
	h := sha256.New()
	for _, id := range t.groupOrder {
		g := t.groups[id]
		writeRecord(h, "group", g.ID, g.Name,
			strings.Join(g.Inputs, ","), strings.Join(g.Outputs, ","))
	}
	for _, id := range t.contactOrder {
		c := t.contacts[id]
		writeRecord(h, "contact", c.ID, c.GroupID, string(c.Blend), fmt.Sprintf("%t", c.Boundary))
	}
	for _, id := range t.wireOrder {
		w := t.wires[id]
		writeRecord(h, "wire", w.ID, w.From, w.To,
			string(w.Directionality), fmt.Sprintf("%d", w.Priority), fmt.Sprintf("%t", w.Required))
	}
	return h.Sum(nil)
}

func writeRecord(w io.Writer, fields ...string) {
	io.WriteString(w, strings.Join(fields, "|"))
	io.WriteString(w, "\n")
}
