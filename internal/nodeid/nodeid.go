// Package nodeid derives the stable per-process identity sent on every
// outbound frame.
package nodeid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
)

// hostname is overridden in tests.
var hostname = os.Hostname

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const suffixLength = 6

// New derives a node id from the local hostname and a suffix. A zero seed
// produces a random suffix (per spec §3); any other seed deterministically
// produces the same suffix for the life of the process, and across
// restarts with the same seed.
func New(seed int64) (string, error) {
	host, err := hostname()
	if err != nil {
		host = "unknown"
	}

	suffix, err := suffix(seed)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s_%s", host, suffix), nil
}

func suffix(seed int64) (string, error) {
	if seed == 0 {
		return randomSuffix()
	}
	return deterministicSuffix(seed), nil
}

func randomSuffix() (string, error) {
	b := make([]byte, suffixLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(suffixAlphabet))))
		if err != nil {
			return "", fmt.Errorf("nodeid: %w", err)
		}
		b[i] = suffixAlphabet[n.Int64()]
	}
	return string(b), nil
}

// deterministicSuffix turns seed into a repeatable base36-ish run of
// characters from suffixAlphabet, via a splitmix64-style mix so that
// adjacent seeds don't produce adjacent-looking suffixes.
func deterministicSuffix(seed int64) string {
	state := uint64(seed)
	b := make([]byte, suffixLength)
	for i := range b {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		b[i] = suffixAlphabet[z%uint64(len(suffixAlphabet))]
	}
	return string(b)
}
