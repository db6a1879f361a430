package ledger

// SeedBalance is a test helper that seeds the available balance of a wallet
// when using the in-memory ledger. No entry is recorded.
func SeedBalance(l Ledger, walletID string, amount int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		if state, err := mem.state(walletID); err == nil {
			state.mu.Lock()
			defer state.mu.Unlock()
			state.available = amount
			state.total = amount + state.held
		}
	}
}
