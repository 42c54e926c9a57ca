package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// BufferedEvent is a fetched event waiting for its confirmation threshold.
type BufferedEvent struct {
	ID                 int64
	BlockNumber        uint64
	TransactionHash    string
	LogIndex           uint
	TargetConfirmation uint64
	ContractAddress    string
	EventName          string
	Content            []byte
	Emitted            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewBufferedEvent snapshots the confirmation target for a decoded log.
func NewBufferedEvent(event RawLogEvent, contract string, target uint64) (BufferedEvent, error) {
	content, err := json.Marshal(event)
	if err != nil {
		return BufferedEvent{}, fmt.Errorf("marshal event content: %w", err)
	}
	return BufferedEvent{
		BlockNumber:        event.BlockNumber,
		TransactionHash:    event.TransactionHash,
		LogIndex:           event.LogIndex,
		TargetConfirmation: target,
		ContractAddress:    contract,
		EventName:          event.Event,
		Content:            content,
	}, nil
}

// Confirmations returns how many blocks were mined on top of the event's block.
func (b BufferedEvent) Confirmations(currentBlock uint64) uint64 {
	if currentBlock < b.BlockNumber {
		return 0
	}
	return currentBlock - b.BlockNumber
}

// Confirmed reports whether the event reached its snapshotted target.
func (b BufferedEvent) Confirmed(currentBlock uint64) bool {
	return b.Confirmations(currentBlock) >= b.TargetConfirmation
}

// Decode returns the stored log.
func (b BufferedEvent) Decode() (RawLogEvent, error) {
	var event RawLogEvent
	if err := json.Unmarshal(b.Content, &event); err != nil {
		return RawLogEvent{}, fmt.Errorf("decode buffered event %d: %w", b.ID, err)
	}
	return event, nil
}
