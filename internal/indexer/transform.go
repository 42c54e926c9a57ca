package indexer

import (
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"eventcache/internal/model"
)

// decodeLogs keeps the configured events and orders them by block and log
// index. Removed logs and logs that fail to decode are skipped.
func decodeLogs(decoder LogDecoder, logs []types.Log, logger *zap.Logger) []model.RawLogEvent {
	events := make([]model.RawLogEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed || !decoder.CanDecode(log) {
			continue
		}
		event, err := decoder.Decode(log)
		if err != nil {
			logger.Warn("decode log failed",
				zap.Error(err),
				zap.Uint64("block_number", log.BlockNumber),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
			)
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events
}
