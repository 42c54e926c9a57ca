package model

import (
	"encoding/json"
	"fmt"
)

// RawLogEvent is a decoded contract log as delivered by the chain client.
type RawLogEvent struct {
	Event            string         `json:"event"`
	Address          string         `json:"address"`
	BlockNumber      uint64         `json:"block_number"`
	BlockHash        string         `json:"block_hash"`
	TransactionHash  string         `json:"transaction_hash"`
	TransactionIndex uint           `json:"transaction_index"`
	LogIndex         uint           `json:"log_index"`
	ReturnValues     map[string]any `json:"return_values"`
	Raw              *RawLogRef     `json:"raw,omitempty"`
}

// RawLogRef keeps the undecoded topics and data for traceability.
type RawLogRef struct {
	Topics []string `json:"topics"`
	Data   string   `json:"data"`
}

// Key returns the dedup key of the log.
func (e RawLogEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TransactionHash, e.LogIndex)
}

// MarshalJSON ensures RawLogEvent is encoded with stable field names.
func (e RawLogEvent) MarshalJSON() ([]byte, error) {
	type Alias RawLogEvent
	return json.Marshal(Alias(e))
}

// UnmarshalJSON decodes a RawLogEvent from JSON.
func (e *RawLogEvent) UnmarshalJSON(data []byte) error {
	type Alias RawLogEvent
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.ReturnValues == nil {
		a.ReturnValues = map[string]any{}
	}
	*e = RawLogEvent(a)
	return nil
}
