package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"eventcache/internal/chain"
	"eventcache/internal/checkpoint"
	"eventcache/internal/events"
	"eventcache/internal/model"
	"eventcache/internal/storage/memory"
)

const contract = "0x00000000000000000000000000000000000000aa"

type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[string]chain.Receipt
	errs     map[string]error
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{receipts: map[string]chain.Receipt{}, errs: map[string]error{}}
}

func (f *fakeReceipts) set(hash string, block uint64, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = chain.Receipt{TransactionHash: hash, BlockNumber: block, Success: success}
}

func (f *fakeReceipts) TransactionReceipt(_ context.Context, hash string) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[hash]; ok {
		return chain.Receipt{}, err
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return chain.Receipt{}, chain.ErrNotFound
	}
	return receipt, nil
}

type recorder struct {
	mu      sync.Mutex
	signals []events.Signal
}

func (r *recorder) Publish(_ context.Context, s events.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) named(name string) []events.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Signal
	for _, s := range r.signals {
		if events.Name(s) == name {
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	buffer      *memory.Buffer
	receipts    *fakeReceipts
	checkpoints *checkpoint.Store
	rec         *recorder
	tracker     *Tracker
}

func newFixture(t *testing.T, confirmations uint64) *fixture {
	t.Helper()
	f := &fixture{
		buffer:      memory.NewBuffer(),
		receipts:    newFakeReceipts(),
		checkpoints: checkpoint.NewStore(checkpoint.NewMemoryKV(), "rates"),
		rec:         &recorder{},
	}
	f.tracker = NewTracker(Config{
		Source:        "rates",
		Contract:      contract,
		Confirmations: confirmations,
	}, f.buffer, f.receipts, f.checkpoints, f.rec, nil, nil)
	return f
}

func (f *fixture) add(t *testing.T, hash string, block uint64, logIndex uint, target uint64) {
	t.Helper()
	row, err := model.NewBufferedEvent(model.RawLogEvent{
		Event:           "RateChanged",
		Address:         contract,
		BlockNumber:     block,
		BlockHash:       "0xblock" + hash,
		TransactionHash: hash,
		LogIndex:        logIndex,
	}, contract, target)
	require.NoError(t, err)
	require.NoError(t, f.buffer.InsertBatch(context.Background(), []model.BufferedEvent{row}))
	f.receipts.set(hash, block, true)
}

func TestRunPromotesAtTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.add(t, "0x01", 10, 0, 3)

	res, err := f.tracker.Run(ctx, model.BlockHeader{Number: 12})
	require.NoError(t, err)
	require.Equal(t, 0, res.Emitted)
	require.Equal(t, 1, res.Pending)
	require.Empty(t, f.rec.named("newEvent"))

	progress := f.rec.named("newConfirmation")
	require.Len(t, progress, 1)
	require.Equal(t, uint64(2), progress[0].(events.NewConfirmation).Confirmations)
	require.Equal(t, uint64(3), progress[0].(events.NewConfirmation).TargetConfirmation)

	res, err = f.tracker.Run(ctx, model.BlockHeader{Number: 13})
	require.NoError(t, err)
	require.Equal(t, 1, res.Emitted)

	emitted := f.rec.named("newEvent")
	require.Len(t, emitted, 1)
	require.Equal(t, "0x01", emitted[0].(events.NewEvent).Event.TransactionHash)

	pending, err := f.buffer.ListPending(ctx, contract)
	require.NoError(t, err)
	require.Empty(t, pending)

	processed, ok, err := f.checkpoints.LastProcessed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.BlockRef{Number: 10, Hash: "0xblock0x01"}, processed)
}

func TestRunExampleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.add(t, "0x07", 7, 0, 3)
	f.add(t, "0x08", 8, 0, 4)

	res, err := f.tracker.Run(ctx, model.BlockHeader{Number: 11})
	require.NoError(t, err)

	// 7 is past its target and still gets emitted; 8 reports progress.
	require.Equal(t, 1, res.Emitted)
	require.Equal(t, 1, res.Pending)

	emitted := f.rec.named("newEvent")
	require.Len(t, emitted, 1)
	require.Equal(t, uint64(7), emitted[0].(events.NewEvent).Event.BlockNumber)

	progress := f.rec.named("newConfirmation")
	require.Len(t, progress, 1)
	require.Equal(t, "0x08", progress[0].(events.NewConfirmation).TransactionHash)
	require.Equal(t, uint64(3), progress[0].(events.NewConfirmation).Confirmations)
}

func TestRunRejectsInvalidReceipts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.add(t, "0xreverted", 10, 0, 2)
	f.add(t, "0xmoved", 10, 1, 2)
	f.add(t, "0xdropped", 10, 2, 2)
	f.add(t, "0xok", 10, 3, 2)

	f.receipts.set("0xreverted", 10, false)
	f.receipts.set("0xmoved", 11, true)
	delete(f.receipts.receipts, "0xdropped")

	res, err := f.tracker.Run(ctx, model.BlockHeader{Number: 12})
	require.NoError(t, err)
	require.Equal(t, 3, res.Invalid)
	require.Equal(t, 1, res.Emitted)

	invalid := f.rec.named("invalidConfirmation")
	require.Len(t, invalid, 3)
	var hashes []string
	for _, s := range invalid {
		hashes = append(hashes, s.(events.InvalidConfirmation).TransactionHash)
	}
	require.ElementsMatch(t, []string{"0xreverted", "0xmoved", "0xdropped"}, hashes)

	emitted := f.rec.named("newEvent")
	require.Len(t, emitted, 1)
	require.Equal(t, "0xok", emitted[0].(events.NewEvent).Event.TransactionHash)

	rows := f.buffer.All()
	require.Len(t, rows, 1)
	require.Equal(t, "0xok", rows[0].TransactionHash)
	require.True(t, rows[0].Emitted)
}

func TestRunKeepsRowsOnTransientReceiptError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.add(t, "0x01", 5, 0, 1)
	f.receipts.errs["0x01"] = errors.New("connection reset")

	res, err := f.tracker.Run(ctx, model.BlockHeader{Number: 6})
	require.NoError(t, err)
	require.Equal(t, 1, res.Unverified)
	require.Empty(t, f.rec.named("newEvent"))
	require.Len(t, f.rec.named("error"), 1)

	pending, err := f.buffer.ListPending(ctx, contract)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	delete(f.receipts.errs, "0x01")
	res, err = f.tracker.Run(ctx, model.BlockHeader{Number: 7})
	require.NoError(t, err)
	require.Equal(t, 1, res.Emitted)
}

func TestRunSnapshotsTargetPerRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	// buffered under an older configuration with a larger target
	f.add(t, "0x01", 20, 0, 5)

	res, err := f.tracker.Run(ctx, model.BlockHeader{Number: 22})
	require.NoError(t, err)
	require.Equal(t, 0, res.Emitted)
	require.Equal(t, 1, res.Pending)
}

func TestPurgeRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	require.Equal(t, uint64(6), f.tracker.RetentionBlocks())

	f.add(t, "0xold", 10, 0, 4)
	f.add(t, "0xnew", 11, 0, 4)

	_, err := f.tracker.Run(ctx, model.BlockHeader{Number: 15})
	require.NoError(t, err)
	require.Len(t, f.rec.named("newEvent"), 2)

	// 16 - 6 = 10: the row at 10 goes, the row at 11 stays.
	res, err := f.tracker.Run(ctx, model.BlockHeader{Number: 16})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Purged)

	rows := f.buffer.All()
	require.Len(t, rows, 1)
	require.Equal(t, "0xnew", rows[0].TransactionHash)
}

func TestPurgeLeavesUnemittedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.add(t, "0x01", 3, 0, 100)

	purged, err := f.tracker.Purge(ctx, 1000)
	require.NoError(t, err)
	require.Zero(t, purged)
	require.Len(t, f.buffer.All(), 1)
}

func TestRetentionBlocks(t *testing.T) {
	require.Equal(t, uint64(0), RetentionBlocks(0, 1.5))
	require.Equal(t, uint64(2), RetentionBlocks(1, 1.5))
	require.Equal(t, uint64(18), RetentionBlocks(12, 1.5))
	require.Equal(t, uint64(24), RetentionBlocks(12, 2))
}
