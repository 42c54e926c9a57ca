package decode

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "from", "type": "address"},
      {"indexed": true, "name": "to", "type": "address"},
      {"indexed": false, "name": "value", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "provider", "type": "address"},
      {"indexed": false, "name": "size", "type": "uint64"},
      {"indexed": false, "name": "messages", "type": "bytes32[]"},
      {"indexed": false, "name": "active", "type": "bool"}
    ],
    "name": "OfferUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [],
    "name": "Paused",
    "type": "event"
  }
]`

func newTestDecoder(t *testing.T, names ...string) *Decoder {
	t.Helper()
	parsed, err := ParseABI(testABI)
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder(parsed, names)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return decoder
}

func TestDecodeTransfer(t *testing.T) {
	decoder := newTestDecoder(t, "Transfer")
	event := decoder.contractABI.Events["Transfer"]

	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	value, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

	data, err := event.Inputs.NonIndexed().Pack(value)
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}

	log := types.Log{
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics:      []common.Hash{event.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: 12345,
		BlockHash:   common.HexToHash("0xabc"),
		TxHash:      common.HexToHash("0xdef"),
		TxIndex:     3,
		Index:       1,
	}

	if !decoder.CanDecode(log) {
		t.Fatalf("decoder must accept transfer log")
	}

	decoded, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}

	if decoded.Event != "Transfer" || decoded.BlockNumber != 12345 || decoded.LogIndex != 1 || decoded.TransactionIndex != 3 {
		t.Fatalf("metadata mismatch: %+v", decoded)
	}
	if decoded.TransactionHash != common.HexToHash("0xdef").Hex() {
		t.Fatalf("tx hash mismatch: %s", decoded.TransactionHash)
	}
	if decoded.ReturnValues["from"] != from.Hex() || decoded.ReturnValues["to"] != to.Hex() {
		t.Fatalf("address mismatch: %+v", decoded.ReturnValues)
	}
	if decoded.ReturnValues["value"] != "123456789012345678901234567890" {
		t.Fatalf("value mismatch: %v", decoded.ReturnValues["value"])
	}
	if decoded.Raw == nil || len(decoded.Raw.Topics) != 3 {
		t.Fatalf("raw ref missing: %+v", decoded.Raw)
	}
}

func TestDecodeArraysAndScalars(t *testing.T) {
	decoder := newTestDecoder(t, "OfferUpdated")
	event := decoder.contractABI.Events["OfferUpdated"]

	provider := common.HexToAddress("0x4444444444444444444444444444444444444444")
	messages := [][32]byte{{0x01}, {0x02}}
	data, err := event.Inputs.NonIndexed().Pack(uint64(2048), messages, true)
	if err != nil {
		t.Fatalf("pack offer: %v", err)
	}

	decoded, err := decoder.Decode(types.Log{
		Topics: []common.Hash{event.ID, common.BytesToHash(provider.Bytes())},
		Data:   data,
	})
	if err != nil {
		t.Fatalf("decode offer: %v", err)
	}

	if decoded.ReturnValues["size"] != "2048" {
		t.Fatalf("size mismatch: %v", decoded.ReturnValues["size"])
	}
	if decoded.ReturnValues["active"] != true {
		t.Fatalf("active mismatch: %v", decoded.ReturnValues["active"])
	}
	got, ok := decoded.ReturnValues["messages"].([]any)
	if !ok || len(got) != 2 {
		t.Fatalf("messages mismatch: %#v", decoded.ReturnValues["messages"])
	}
	if got[0] != "0x01"+strings.Repeat("0", 62) {
		t.Fatalf("message encoding mismatch: %v", got[0])
	}
}

func TestDecoderFiltersEvents(t *testing.T) {
	decoder := newTestDecoder(t, "Transfer")
	offer := decoder.contractABI.Events["OfferUpdated"]

	if decoder.CanDecode(types.Log{Topics: []common.Hash{offer.ID}}) {
		t.Fatalf("decoder must skip events that were not configured")
	}
	if decoder.CanDecode(types.Log{}) {
		t.Fatalf("decoder must skip logs without topics")
	}
	if _, err := decoder.Decode(types.Log{Topics: []common.Hash{offer.ID}}); err == nil {
		t.Fatalf("expected error for unsupported topic")
	}
}

func TestNewDecoderDefaultsAndErrors(t *testing.T) {
	decoder := newTestDecoder(t)
	names := decoder.EventNames()
	if len(names) != 3 || names[0] != "OfferUpdated" || names[1] != "Paused" || names[2] != "Transfer" {
		t.Fatalf("unexpected default events: %v", names)
	}
	if len(decoder.Topics()) != 3 {
		t.Fatalf("unexpected topics: %v", decoder.Topics())
	}

	parsed, _ := ParseABI(testABI)
	if _, err := NewDecoder(parsed, []string{"Approval"}); err == nil {
		t.Fatalf("expected error for unknown event")
	}
}

func TestDecodeTopicCountMismatch(t *testing.T) {
	decoder := newTestDecoder(t, "Transfer")
	event := decoder.contractABI.Events["Transfer"]
	if _, err := decoder.Decode(types.Log{Topics: []common.Hash{event.ID}}); err == nil {
		t.Fatalf("expected error for missing indexed topics")
	}
}
