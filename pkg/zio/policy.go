package zio

// WithFlags returns z for chaining after setting its failure-policy flags.
// Flags are immutable once the zio has started executing.
func (z *ZIO) WithFlags(f Flag) *ZIO {
	z.Flags |= f
	return z
}

// CanRetry reports whether a failed zio is eligible for a retry issue,
// per §4.2: dont_retry vetoes it outright, and a godfather zio (one that
// must not itself be retried, e.g. a label write already duplicated
// across all four slots) is never retried either.
func (z *ZIO) CanRetry() bool {
	if z.Flags.has(FlagDontRetry) {
		return false
	}
	if z.Flags.has(FlagGodfather) {
		return false
	}
	return true
}

// IsCanFail reports whether a failure of z should be absorbed rather than
// escalated to its parent (§4.2 "canfail" children, e.g. speculative
// prefetch or best-effort scrub reads).
func (z *ZIO) IsCanFail() bool {
	return z.Flags.has(FlagCanFail)
}
