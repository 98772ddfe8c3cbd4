package receipt

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/receipt-verifier/internal/crypto"
)

// Receipt is the canonical form of a STREAM receipt regardless of wire version.
type Receipt struct {
	Version            uint8
	Nonce              [crypto.NonceSize]byte
	StreamID           uint8
	TotalReceived      uint64
	StreamStartTime    uint64
	HasStreamStartTime bool
	HMAC               [crypto.HMACSize]byte
}

// NonceString is the base64 nonce used as the ledger key.
func (r Receipt) NonceString() string {
	return base64.StdEncoding.EncodeToString(r.Nonce[:])
}

// StreamKey identifies the stream within its nonce, "<nonce>:<streamId>".
func (r Receipt) StreamKey() string {
	return r.NonceString() + ":" + strconv.FormatUint(uint64(r.StreamID), 10)
}

// RemainingTTL is the time left before a receipt carrying a stream start
// time expires. Receipts without a start time report zero.
func (r Receipt) RemainingTTL(ttl time.Duration, now time.Time) time.Duration {
	if !r.HasStreamStartTime || r.StreamStartTime > uint64(1<<62) {
		return 0
	}
	expires := time.Unix(int64(r.StreamStartTime), 0).Add(ttl)
	remaining := expires.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// Verifier authenticates receipts minted under Seed.
type Verifier struct {
	Seed []byte
}

// Verify decodes raw and checks its HMAC. Structural problems are reported
// before any HMAC work is done.
func (v Verifier) Verify(raw []byte) (Receipt, error) {
	if len(v.Seed) == 0 {
		return Receipt{}, ErrMissingSeed
	}
	rec, signed, err := decode(raw)
	if err != nil {
		return Receipt{}, err
	}
	secret := crypto.GenerateReceiptSecret(v.Seed, rec.Nonce[:])
	if !hmac.Equal(rec.HMAC[:], crypto.HMAC(secret, signed)) {
		return Receipt{}, ErrInvalidReceipt
	}
	return rec, nil
}

// VerifyBase64 decodes a base64 request body and verifies it.
func (v Verifier) VerifyBase64(body string) (Receipt, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return Receipt{}, ErrMalformed
	}
	return v.Verify(raw)
}

// Decode parses raw without authenticating it. Callers that act on the
// result must use Verifier.Verify instead.
func Decode(raw []byte) (Receipt, error) {
	rec, _, err := decode(raw)
	return rec, err
}

func decode(raw []byte) (Receipt, []byte, error) {
	if len(raw) == 0 {
		return Receipt{}, nil, ErrMalformed
	}
	l, ok := layoutFor(raw[0])
	if !ok {
		return Receipt{}, nil, ErrInvalidVersion
	}
	if len(raw) != l.size {
		return Receipt{}, nil, ErrMalformed
	}

	rec := Receipt{Version: raw[0]}
	copy(rec.Nonce[:], raw[l.nonceOffset:l.nonceOffset+crypto.NonceSize])
	rec.StreamID = raw[l.streamIDOffset]
	rec.TotalReceived = binary.BigEndian.Uint64(raw[l.totalOffset : l.totalOffset+8])
	if l.startTimeOffset >= 0 {
		rec.StreamStartTime = binary.BigEndian.Uint64(raw[l.startTimeOffset : l.startTimeOffset+8])
		rec.HasStreamStartTime = true
	}
	copy(rec.HMAC[:], raw[l.hmacOffset:l.hmacOffset+crypto.HMACSize])
	return rec, raw[:l.hmacOffset], nil
}

// Options describe a receipt to mint.
type Options struct {
	Version         uint8
	Nonce           [crypto.NonceSize]byte
	StreamID        uint8
	TotalReceived   uint64
	StreamStartTime uint64
	Secret          []byte
}

// New mints a signed receipt. A zero Version selects CurrentVersion.
func New(opts Options) ([]byte, error) {
	version := opts.Version
	if version == 0 {
		version = CurrentVersion
	}
	l, ok := layoutFor(version)
	if !ok {
		return nil, ErrInvalidVersion
	}
	if len(opts.Secret) == 0 {
		return nil, ErrMissingSeed
	}

	out := make([]byte, l.size)
	out[0] = version
	copy(out[l.nonceOffset:], opts.Nonce[:])
	out[l.streamIDOffset] = opts.StreamID
	binary.BigEndian.PutUint64(out[l.totalOffset:], opts.TotalReceived)
	if l.startTimeOffset >= 0 {
		binary.BigEndian.PutUint64(out[l.startTimeOffset:], opts.StreamStartTime)
	}
	copy(out[l.hmacOffset:], crypto.HMAC(opts.Secret, out[:l.hmacOffset]))
	return out, nil
}

// Mint derives the nonce secret from seed and mints a receipt.
func Mint(seed []byte, opts Options) ([]byte, error) {
	if len(seed) == 0 {
		return nil, ErrMissingSeed
	}
	opts.Secret = crypto.GenerateReceiptSecret(seed, opts.Nonce[:])
	return New(opts)
}
