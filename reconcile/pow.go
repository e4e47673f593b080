package reconcile

import "mtox/xcrypto"

// SolveChallenge brute-forces a solution to a ReconPowChallenge(nonce,
// difficulty): the smallest solution such that Blake3(nonce || solution)
// has at least difficulty leading zero bits (§4.5's PoW throttling,
// mirroring the original session's free-standing solve_challenge).
func SolveChallenge(nonce [32]byte, difficulty uint32) uint64 {
	var solution uint64
	for {
		if xcrypto.LeadingZeroBits(challengeDigest(nonce, solution)[:]) >= difficulty {
			return solution
		}
		solution++
	}
}

// VerifySolution checks a candidate solution against a challenge's
// difficulty; the caller is separately responsible for the expiry check
// on pending_challenges (§4.5).
func VerifySolution(nonce [32]byte, solution uint64, difficulty uint32) bool {
	return xcrypto.LeadingZeroBits(challengeDigest(nonce, solution)[:]) >= difficulty
}

func challengeDigest(nonce [32]byte, solution uint64) [32]byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, nonce[:]...)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(solution>>(8*i)))
	}
	return xcrypto.Hash(buf)
}
