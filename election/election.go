package election

import (
	seededelection "github.com/chainpoint/leader-election"
)

// Submitters : deterministically elect numSubmitters validator indexes for
// one anchoring round. The seed must be identical on every validator; the
// anchor point's block hash serves. Every validator runs the same election
// and agrees on the outcome without exchanging messages.
func Submitters(seed string, n, numSubmitters int) []int {
	if n <= 0 || numSubmitters < 1 {
		return nil
	}
	// the seeded source reads the first eight bytes
	if len(seed) < 8 {
		seed = (seed + "00000000")[:8]
	}
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i
	}
	elected := seededelection.ElectLeaders(indexes, numSubmitters, seed)
	if elected == nil {
		return nil
	}
	return elected.([]int)
}

// First : the first elected index, -1 when the election cannot run
func First(seed string, n int) int {
	elected := Submitters(seed, n, 1)
	if len(elected) == 0 {
		return -1
	}
	return elected[0]
}

// IsSubmitter : whether validator me is among the elected submitters
func IsSubmitter(seed string, n, numSubmitters, me int) bool {
	for _, index := range Submitters(seed, n, numSubmitters) {
		if index == me {
			return true
		}
	}
	return false
}
