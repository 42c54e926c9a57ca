package indexer

import "errors"

var (
	ErrZeroBatchSize = errors.New("batch size must be greater than zero")
	ErrInvertedRange = errors.New("to block must be >= from block")
)

// BlockRange is an inclusive block range for one log query.
type BlockRange struct {
	From uint64
	To   uint64
}

// Blocks returns how many blocks the range covers.
func (r BlockRange) Blocks() uint64 {
	return r.To - r.From + 1
}

// SplitRange cuts [from, to] into consecutive ranges of at most batchSize
// blocks, so a single query stays below provider limits.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, ErrZeroBatchSize
	}
	if to < from {
		return nil, ErrInvertedRange
	}

	ranges := make([]BlockRange, 0, (to-from)/batchSize+1)
	for start := from; ; start += batchSize {
		end := to
		if to-start >= batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
	}
	return ranges, nil
}
