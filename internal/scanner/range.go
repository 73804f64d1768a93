package scanner

import "fmt"

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// SplitRange splits [from, to] into consecutive inclusive ranges of at most
// size blocks.
func SplitRange(from, to, size uint64) ([]BlockRange, error) {
	if size == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block %d is before from block %d", to, from)
	}

	ranges := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges, nil
}

// scanWindow returns the inclusive range the next scan covers. ok is false
// when the index is already at or past head.
func scanWindow(head, last uint64, indexed bool, maxBlocks uint64) (BlockRange, bool) {
	var from uint64
	switch {
	case indexed:
		from = last + 1
	case head > maxBlocks:
		from = head - maxBlocks
	}
	if from > head {
		return BlockRange{}, false
	}

	to := head
	if maxBlocks > 0 && head-from >= maxBlocks {
		to = from + maxBlocks - 1
	}
	return BlockRange{From: from, To: to}, true
}
