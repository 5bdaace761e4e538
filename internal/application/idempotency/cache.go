// Package idempotency maps client idempotency keys to replayable
// responses. The cache lives on the run loop, which serializes the
// check-then-insert against concurrent identical requests.
package idempotency

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Record is a stored response, replayed verbatim on a matching retry.
type Record struct {
	Signature  string
	StatusCode int
	Body       []byte
}

type Cache struct {
	records map[string]*Record
}

func NewCache() *Cache {
	return &Cache{records: make(map[string]*Record)}
}

// Signature hashes the identifying parts of a request. A retry with the
// same key must match it bit-for-bit or it is a conflict.
func Signature(method, path string, body []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the stored record for key. conflict is true when the key
// exists but was stored under a different signature.
func (c *Cache) Lookup(key, signature string) (rec *Record, conflict bool) {
	r, ok := c.records[key]
	if !ok {
		return nil, false
	}
	if r.Signature != signature {
		return nil, true
	}
	return r, false
}

// Store persists a response for replay. Records live for the process
// lifetime; keys are globally unique across it.
func (c *Cache) Store(key, signature string, status int, body []byte) {
	c.records[key] = &Record{
		Signature:  signature,
		StatusCode: status,
		Body:       append([]byte(nil), body...),
	}
}
