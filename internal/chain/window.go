package chain

import "fmt"

// DefaultBlockRange is the log window size used when none is configured.
const DefaultBlockRange = 100

// BlockWindow is the inclusive [FromBlock, ToBlock] range scanned for logs.
type BlockWindow struct {
	FromBlock uint64
	ToBlock   uint64
}

// WindowFor returns the window ending at current and spanning rng blocks back,
// clamped at genesis. A non-positive rng uses DefaultBlockRange.
func WindowFor(current uint64, rng int) BlockWindow {
	if rng <= 0 {
		rng = DefaultBlockRange
	}
	span := uint64(rng)
	from := uint64(0)
	if current > span {
		from = current - span
	}
	return BlockWindow{FromBlock: from, ToBlock: current}
}

func (w BlockWindow) String() string {
	return fmt.Sprintf("[%d,%d]", w.FromBlock, w.ToBlock)
}
