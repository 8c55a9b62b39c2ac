// Package changedetect decides whether an entity write needs a fresh
// embedding.
//
// The detector hashes a whitelisted projection of an entity's content (name,
// description and structured attributes) and compares it with the fingerprint
// stored next to the entity's current vector. Only a difference, or a missing
// vector, results in an enqueue. Fields outside the projection, such as
// popularity counters, never reach the hash.
package changedetect

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Document is the canonical content of an entity as far as embedding meaning
// is concerned.
type Document struct {
	// Name is the entity's display name.
	Name string

	// Description is free text.
	Description string

	// Attributes holds structured, semantically relevant fields such as
	// accords or notes. Value order within a key is ignored.
	Attributes map[string][]string
}

// Fingerprint returns the hex-encoded SHA-256 of doc's canonical form.
//
// Canonicalisation trims and NFC-normalises every string, lower-cases
// attribute keys and values, drops empty values, and sorts both keys and
// values. Every field is length-prefixed so that no two distinct documents
// share an encoding.
func Fingerprint(doc Document) string {
	h := sha256.New()
	writeField(h, "name", canonical(doc.Name))
	writeField(h, "description", canonical(doc.Description))

	attrs := canonicalAttributes(doc.Attributes)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	writeLen(h, len(keys))
	for _, k := range keys {
		writeField(h, "attr", k)
		vals := attrs[k]
		writeLen(h, len(vals))
		for _, v := range vals {
			writeString(h, v)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Text renders doc as the plain text sent to the embedding provider. The
// rendering is deterministic for a given fingerprint.
func Text(doc Document) string {
	var b strings.Builder
	if name := canonical(doc.Name); name != "" {
		b.WriteString(name)
		b.WriteString("\n")
	}
	if desc := canonical(doc.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n")
	}
	attrs := canonicalAttributes(doc.Attributes)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteString(strings.ReplaceAll(k, "_", " "))
		b.WriteString(": ")
		b.WriteString(strings.Join(attrs[k], ", "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func canonical(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func canonicalAttributes(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, vals := range in {
		key := strings.ToLower(canonical(k))
		if key == "" {
			continue
		}
		for _, v := range vals {
			v = strings.ToLower(canonical(v))
			if v != "" {
				out[key] = append(out[key], v)
			}
		}
	}
	for k, vals := range out {
		slices.Sort(vals)
		out[k] = slices.Compact(vals)
	}
	return out
}

func writeField(h hash.Hash, label, value string) {
	writeString(h, label)
	writeString(h, value)
}

func writeString(h hash.Hash, s string) {
	writeLen(h, len(s))
	h.Write([]byte(s))
}

func writeLen(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
