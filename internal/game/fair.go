package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const crashDerivationTag = "crash-point:v1"

// RoundSeed is one round's provably-fair draw. The commitment is published
// when the round opens; the seed stays hidden until CRASHED so clients can
// verify H(seed) == commitment and re-derive the crash point.
type RoundSeed struct {
	Seed       string
	Commitment string
	CrashPoint float64
}

// Source yields the crash point for each new round. Tests swap in a stub
// that returns scripted values.
type Source interface {
	NewRound() (RoundSeed, error)
}

// CryptoSource draws 32 bytes from the OS entropy pool per round.
type CryptoSource struct {
	Ceiling float64
}

func NewCryptoSource(ceiling float64) *CryptoSource {
	return &CryptoSource{Ceiling: ceiling}
}

func (s *CryptoSource) NewRound() (RoundSeed, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return RoundSeed{}, ErrRandomnessUnavailable
	}
	seed := hex.EncodeToString(b)
	return RoundSeed{
		Seed:       seed,
		Commitment: Commitment(seed),
		CrashPoint: CrashPointFromSeed(seed, s.Ceiling),
	}, nil
}

// Commitment is the SHA-256 of the seed, hex-encoded.
func Commitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// CrashPointFromSeed deterministically maps a seed to a crash point in
// [1.00, ceiling], rounded down to 2 decimals. The seed keys an HMAC so the
// mapping cannot be steered by choosing the hashed message; the leading
// 8 bytes become u in (0,1] and feed a heavy-tailed 1/u curve with a 1%
// house edge.
func CrashPointFromSeed(seed string, ceiling float64) float64 {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(crashDerivationTag))
	sum := mac.Sum(nil)

	v := binary.BigEndian.Uint64(sum[:8])
	// (0,1]: zero maps to the smallest positive step.
	u := (float64(v) + 1) / 18446744073709551616.0

	crash := 0.99 / u
	if crash < 1.00 {
		crash = 1.00
	}
	if crash > ceiling {
		crash = ceiling
	}
	return floor2(crash)
}

// VerifyRound reproduces a revealed round on the client's behalf: the seed
// must hash to the published commitment and re-derive the announced crash
// point exactly.
func VerifyRound(seed, commitment string, crashPoint, ceiling float64) bool {
	if Commitment(seed) != commitment {
		return false
	}
	return CrashPointFromSeed(seed, ceiling) == crashPoint
}
