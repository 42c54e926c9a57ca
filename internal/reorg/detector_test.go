package reorg

import (
	"context"
	"testing"

	"eventcache/internal/model"
	"eventcache/internal/storage/memory"
)

const contract = "0x00000000000000000000000000000000000000bb"

func row(hash string, block uint64, logIndex uint) model.BufferedEvent {
	return model.BufferedEvent{
		BlockNumber:     block,
		TransactionHash: hash,
		LogIndex:        logIndex,
		ContractAddress: contract,
		Content:         []byte(`{}`),
	}
}

func TestMissingTransactions(t *testing.T) {
	fresh := []model.RawLogEvent{{TransactionHash: "0x01"}, {TransactionHash: "0x03"}}
	buffered := []model.BufferedEvent{
		row("0x01", 5, 0),
		row("0x02", 5, 1),
		row("0x02", 5, 2),
		row("0x04", 6, 0),
	}

	got := MissingTransactions(fresh, buffered)
	if len(got) != 2 || got[0] != "0x02" || got[1] != "0x04" {
		t.Fatalf("unexpected missing hashes: %v", got)
	}
	if got := MissingTransactions(fresh, nil); len(got) != 0 {
		t.Fatalf("empty buffer must report nothing: %v", got)
	}
}

func TestDetectorCheckWindow(t *testing.T) {
	ctx := context.Background()
	buffer := memory.NewBuffer()
	if err := buffer.InsertBatch(ctx, []model.BufferedEvent{
		row("0xin", 10, 0),
		row("0xgone", 11, 0),
		row("0xoutside", 20, 0),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// emitted rows take part in the check as well
	if err := buffer.MarkEmitted(ctx, []int64{2}); err != nil {
		t.Fatalf("mark emitted: %v", err)
	}

	d := NewDetector(buffer, nil)
	missing, err := d.Check(ctx, contract, 10, 15, []model.RawLogEvent{{TransactionHash: "0xin", BlockNumber: 10}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(missing) != 1 || missing[0] != "0xgone" {
		t.Fatalf("unexpected missing hashes: %v", missing)
	}

	missing, err = d.Check(ctx, contract, 16, 15, nil)
	if err != nil || missing != nil {
		t.Fatalf("empty window: missing=%v err=%v", missing, err)
	}
}
