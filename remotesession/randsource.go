package remotesession

import "crypto/rand"

// CryptoRandSource adapts crypto/rand to RandReader, for production use
// and for tests that do not need deterministic nonces.
type CryptoRandSource struct{}

func (CryptoRandSource) Read(buf []byte) (int, error) { return rand.Read(buf) }
