// Package fairness implements the provably-fair commit/reveal RNG scheme:
// server seed generation, commit hashing, and the closed-form crash-point
// derivation that any third party can replay from a revealed seed.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

const (
	// MinCrash is the lowest possible crash multiplier (instant crash).
	MinCrash = 1.00

	// houseEdgeDivisorDefault mirrors HOUSE_EDGE_DIVISOR's default: a
	// roughly 1/33 chance of an instant 1.00x crash.
	houseEdgeDivisorDefault = 33
)

// Seed is 32 bytes of cryptographically secure entropy, hex-encoded.
type Seed string

// GenerateSeed produces a new 32-byte server or client seed from
// crypto/rand. Never logged or transmitted before a round's reveal.
func GenerateSeed() Seed {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which is unrecoverable for a provably-fair game; fail loudly.
		panic(fmt.Sprintf("fairness: crypto/rand unavailable: %v", err))
	}
	return Seed(hex.EncodeToString(b))
}

// CommitHash returns SHA256(seed) hex-encoded, published before the round
// begins so players can verify the reveal afterward.
func CommitHash(seed Seed) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// Derivation holds the inputs and the derived crash point for one round,
// suitable for both computing a fresh round and replaying a past one for
// verification.
type Derivation struct {
	ServerSeed       Seed
	ClientSeed       string
	Nonce            uint64
	HouseEdgeDivisor uint64 // 0 means houseEdgeDivisorDefault
	MaxCrash         float64 // 0 means 1000.0
}

// CrashPoint computes the crash multiplier per the closed-form distribution:
//
//  1. H = HMAC-SHA256(server_seed, client_seed + ":" + nonce)
//  2. r = first 40 bits of H, as an integer
//  3. r mod divisor == 0 -> instant crash at 1.00x
//  4. else u = (r mod 1_000_000) / 1_000_000; if u == 0, resample
//     deterministically from a secondary HMAC over
//     "resample:1:" + client_seed + ":" + nonce
//  5. crash = clamp(0.01 + 0.99/u, 1.00, maxCrash), rounded to 2 decimals
//
// The derivation is bit-exact and side-effect free so any party holding the
// revealed server_seed can reproduce it.
func (d Derivation) CrashPoint() float64 {
	divisor := d.HouseEdgeDivisor
	if divisor == 0 {
		divisor = houseEdgeDivisorDefault
	}
	maxCrash := d.MaxCrash
	if maxCrash == 0 {
		maxCrash = 1000.0
	}

	r := d.sample40Bit(0)
	if r%divisor == 0 {
		return MinCrash
	}

	u := d.uniformFraction(r)
	if u == 0 {
		// Deterministic resample: hash again with a "resample" domain
		// separator rather than returning an undefined 1/0.
		r2 := d.sample40Bit(1)
		u = d.uniformFraction(r2)
		if u == 0 {
			// Astronomically unlikely twice in a row; fall back to the
			// smallest representable fraction rather than dividing by zero.
			u = 1.0 / 1_000_000.0
		}
	}

	crash := 0.01 + 0.99/u
	if crash < MinCrash {
		crash = MinCrash
	}
	if crash > maxCrash {
		crash = maxCrash
	}
	return math.Round(crash*100) / 100
}

// sample40Bit computes HMAC-SHA256(server_seed, [resample:round:]client_seed:nonce)
// and returns the first 40 bits (first 10 hex chars) as an integer. round
// distinguishes the primary sample (0) from the deterministic resample (1)
// so a u==0 edge case doesn't require re-deriving the whole round.
func (d Derivation) sample40Bit(round int) uint64 {
	data := fmt.Sprintf("%s:%d", d.ClientSeed, d.Nonce)
	if round > 0 {
		data = fmt.Sprintf("resample:%d:%s", round, data)
	}
	mac := hmac.New(sha256.New, []byte(d.ServerSeed))
	mac.Write([]byte(data))
	sum := mac.Sum(nil)
	hexStr := hex.EncodeToString(sum)[:10] // 40 bits
	i := new(big.Int)
	i.SetString(hexStr, 16)
	return i.Uint64()
}

// uniformFraction maps r into [0,1) via r mod 1_000_000.
func (d Derivation) uniformFraction(r uint64) float64 {
	return float64(r%1_000_000) / 1_000_000.0
}

// VerifyResult is the outcome of replaying a round's commit/reveal.
type VerifyResult struct {
	Valid         bool
	ComputedCrash float64
}

// Verify checks that SHA256(serverSeed) == commitHash and that replaying the
// derivation reproduces expectedCrash (compared after rounding to 2
// decimals, since both sides are published at that precision).
func Verify(serverSeed Seed, commitHash, clientSeed string, nonce uint64, expectedCrash float64, houseEdgeDivisor uint64, maxCrash float64) VerifyResult {
	if CommitHash(serverSeed) != commitHash {
		return VerifyResult{Valid: false}
	}
	d := Derivation{
		ServerSeed:       serverSeed,
		ClientSeed:       clientSeed,
		Nonce:            nonce,
		HouseEdgeDivisor: houseEdgeDivisor,
		MaxCrash:         maxCrash,
	}
	computed := d.CrashPoint()
	valid := math.Abs(computed-expectedCrash) < 0.005
	return VerifyResult{Valid: valid, ComputedCrash: computed}
}

// PPM converts a decimal multiplier (e.g. 3.17) to parts-per-million
// (3_170_000), the wire representation mandated by the spec to keep
// floating point out of transport.
func PPM(multiplier float64) uint64 {
	return uint64(math.Round(multiplier * 1_000_000))
}

// FromPPM converts parts-per-million back to a decimal multiplier.
func FromPPM(ppm uint64) float64 {
	return float64(ppm) / 1_000_000.0
}
