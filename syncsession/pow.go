package syncsession

import "mtox/reconcile"

func defaultVerifySolution(nonce [32]byte, solution uint64, difficulty uint32) bool {
	return reconcile.VerifySolution(nonce, solution, difficulty)
}
