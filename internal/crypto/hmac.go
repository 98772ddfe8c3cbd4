package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

const (
	// SeedSize is the length of the server-held receipt seed.
	SeedSize = 32
	// NonceSize is the length of a receipt nonce.
	NonceSize = 16
	// HMACSize is the length of an HMAC-SHA256 tag.
	HMACSize = sha256.Size
)

var receiptSecretLabel = []byte("receipt_secret")

// HMAC returns the HMAC-SHA256 of message under key.
func HMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// GenerateReceiptSecret derives the per-nonce receipt secret from the seed.
// The first stage binds the seed to the receipt label so a leaked nonce
// secret reveals neither the seed nor any other nonce's secret.
func GenerateReceiptSecret(seed, nonce []byte) []byte {
	keygen := HMAC(seed, receiptSecretLabel)
	return HMAC(keygen, nonce)
}

// RandomNonce returns a fresh receipt nonce.
func RandomNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// RandomSeed returns a fresh receipt seed.
func RandomSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}
