package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"eventcache/internal/events"
	"eventcache/internal/model"
)

func TestJSONLSinkWritesOnlyNewEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "events.jsonl")
	sink := NewJSONLSink(path)
	ctx := context.Background()

	signals := []events.Signal{
		events.NewEvent{Room: "rates", Event: model.RawLogEvent{Event: "Transfer", TransactionHash: "0x01"}},
		events.NewConfirmation{Room: "rates", TransactionHash: "0x02", Confirmations: 1},
		events.NewEvent{Room: "rates", Event: model.RawLogEvent{Event: "Transfer", TransactionHash: "0x03"}},
	}
	for _, s := range signals {
		if err := sink.Handle(ctx, s); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	var hashes []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev model.RawLogEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		hashes = append(hashes, ev.TransactionHash)
	}
	if len(hashes) != 2 || hashes[0] != "0x01" || hashes[1] != "0x03" {
		t.Fatalf("unexpected lines: %v", hashes)
	}
}
