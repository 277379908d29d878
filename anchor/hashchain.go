/*
Package anchor provides ledger.Anchorer implementations.

PURPOSE:
  Every entry is committed only with a receipt from an anchoring service.
  Two implementations are provided:

    HashChain   in-process chain of keyed BLAKE2b digests
    HTTPClient  remote anchoring service speaking JSON over HTTP

HASH CHAIN RECEIPTS:
  Each receipt commits to the previous receipt and to the canonical
  encoding of the anchored entry:

    digest_n = BLAKE2b-256(key, digest_{n-1} || canonical(entry))
    receipt  = "b2:" + seq + ":" + hex(digest_{n-1}) + ":" + hex(digest_n)

  Verify recomputes digest_n from an entry and its receipt, so altering any
  anchored field of a stored entry is detected. Receipts handed out for
  entries that were never appended leave gaps in seq; gaps are not errors.

SEE ALSO:
  - ledger/anchor.go: the Anchorer contract
*/
package anchor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/warp/community-ledger/ledger"
	"golang.org/x/crypto/blake2b"
)

const receiptPrefix = "b2"

// ErrReceiptMismatch is returned by Verify when an entry does not match its receipt.
var ErrReceiptMismatch = errors.New("receipt does not match entry")

// HashChain anchors entries into an in-process keyed hash chain.
type HashChain struct {
	key []byte

	mu   sync.Mutex
	seq  uint64
	head [blake2b.Size256]byte
}

var _ ledger.Anchorer = (*HashChain)(nil)

// NewHashChain creates a chain keyed with key (at most 64 bytes, may be empty).
func NewHashChain(key []byte) (*HashChain, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("hash chain key longer than %d bytes", blake2b.Size)
	}
	return &HashChain{key: append([]byte(nil), key...)}, nil
}

func (c *HashChain) Anchor(ctx context.Context, req ledger.AnchorRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := canonical(req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.head
	next, err := c.digest(prev[:], payload)
	if err != nil {
		return "", err
	}
	c.seq++
	c.head = next
	return fmt.Sprintf("%s:%d:%s:%s", receiptPrefix, c.seq, hex.EncodeToString(prev[:]), hex.EncodeToString(next[:])), nil
}

// Head returns the sequence number and digest of the last receipt issued.
func (c *HashChain) Head() (uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, hex.EncodeToString(c.head[:])
}

// Verify checks that e is exactly the entry its receipt was issued for.
func (c *HashChain) Verify(e ledger.Entry) error {
	parts := strings.Split(e.Receipt, ":")
	if len(parts) != 4 || parts[0] != receiptPrefix {
		return fmt.Errorf("%w: malformed receipt %q", ErrReceiptMismatch, e.Receipt)
	}
	if _, err := strconv.ParseUint(parts[1], 10, 64); err != nil {
		return fmt.Errorf("%w: bad sequence %q", ErrReceiptMismatch, parts[1])
	}
	prev, err := hex.DecodeString(parts[2])
	if err != nil || len(prev) != blake2b.Size256 {
		return fmt.Errorf("%w: bad previous digest", ErrReceiptMismatch)
	}

	payload, err := canonical(ledger.RequestFor(e))
	if err != nil {
		return err
	}
	want, err := c.digest(prev, payload)
	if err != nil {
		return err
	}
	if hex.EncodeToString(want[:]) != parts[3] {
		return fmt.Errorf("%w: entry %s", ErrReceiptMismatch, e.ID)
	}
	return nil
}

func (c *HashChain) digest(prev, payload []byte) ([blake2b.Size256]byte, error) {
	var out [blake2b.Size256]byte
	h, err := blake2b.New256(c.key)
	if err != nil {
		return out, fmt.Errorf("blake2b: %w", err)
	}
	h.Write(prev)
	h.Write(payload)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// canonicalRequest fixes field order and formats for hashing.
type canonicalRequest struct {
	EntryID     string           `json:"id"`
	Kind        string           `json:"kind"`
	Subject     string           `json:"subject"`
	Counterpart string           `json:"counterpart"`
	Amount      string           `json:"amount"`
	Tokens      int64            `json:"tokens"`
	Reference   ledger.Reference `json:"reference"`
	At          int64            `json:"at"`
}

func canonical(req ledger.AnchorRequest) ([]byte, error) {
	b, err := json.Marshal(canonicalRequest{
		EntryID:     string(req.EntryID),
		Kind:        string(req.Kind),
		Subject:     string(req.Subject),
		Counterpart: string(req.Counterpart),
		Amount:      req.Amount.String(),
		Tokens:      req.Tokens,
		Reference:   req.Reference,
		At:          req.At.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode anchor request: %w", err)
	}
	return b, nil
}
