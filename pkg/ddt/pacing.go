package ddt

// PacingController bounds how many flushing-bank entries drain into the
// ZAP store per txg: a simplified proportional stand-in for the real
// PID loop driven by log_ingest_rate, log_flush_rate and
// log_flush_time_rate, plus a hard flush_force_txg override that forces a
// full drain regardless of the computed budget (§4.5).
type PacingController struct {
	IngestRate    float64
	FlushRate     float64
	FlushTimeRate float64
	ForceTxg      uint64
}

// NewPacingController returns a controller with conservative defaults: a
// baseline flush rate low enough not to starve foreground writes, and
// force-flushing disabled.
func NewPacingController() PacingController {
	return PacingController{
		FlushRate:     1000,
		FlushTimeRate: 0.1,
	}
}

// ObserveIngest folds a new per-txg ingest count into the running rate
// estimate (an exponential moving average standing in for the real
// implementation's decayed rate counters).
func (p *PacingController) ObserveIngest(n uint64) {
	p.IngestRate = p.IngestRate*0.5 + float64(n)*0.5
}

// Budget returns how many entries to drain this txg given the current
// backlog. flush_force_txg, when set, forces a full drain every Nth txg so
// a pathologically bursty ingest rate can't grow the backlog without
// bound forever.
func (p *PacingController) Budget(txg uint64, backlog uint64) uint64 {
	if p.ForceTxg != 0 && txg%p.ForceTxg == 0 {
		return backlog
	}
	budget := uint64(p.FlushRate)
	if backlog > budget*4 {
		budget = backlog / 4
	}
	if budget > backlog {
		budget = backlog
	}
	return budget
}
