package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/chain"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		BackoffBase:       time.Millisecond,
		BackoffMax:        8 * time.Millisecond,
		MaxBackfillBlocks: 50,
		PollInterval:      5 * time.Millisecond,
		StepBlocks:        10,
	}
}

type fakeSub struct {
	errCh chan error
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errCh }
func (s *fakeSub) fail(err error)    { s.errCh <- err }

// fakeBackend scripts subscription and query behavior for the trackers.
type fakeBackend struct {
	mu          sync.Mutex
	head        uint64
	headErr     error   // when set, BlockNumber fails
	subErrs     []error // consumed per SubscribeFilterLogs call; nil = success
	subCount    int
	sub         *fakeSub
	logCh       chan<- types.Log
	headSubs    bool // allow SubscribeNewHead instead of rejecting it
	headCh      chan<- *types.Header
	filterCalls [][2]uint64
	subscribed  chan struct{}
}

func newFakeBackend(head uint64) *fakeBackend {
	return &fakeBackend{head: head, subscribed: make(chan struct{}, 16)}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.headErr != nil {
		return 0, b.headErr
	}
	return b.head, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("not scripted")
}

func (b *fakeBackend) BlockByNumber(_ context.Context, num *big.Int) (*types.Block, error) {
	header := &types.Header{Number: new(big.Int).Set(num)}
	return types.NewBlockWithHeader(header), nil
}

func (b *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	b.filterCalls = append(b.filterCalls, [2]uint64{from, to})
	// One log per block in range.
	var logs []types.Log
	for n := from; n <= to; n++ {
		logs = append(logs, types.Log{BlockNumber: n})
	}
	return logs, nil
}

func (b *fakeBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, errors.New("not scripted")
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: 1}, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCount++
	if len(b.subErrs) > 0 {
		err := b.subErrs[0]
		b.subErrs = b.subErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	b.sub = newFakeSub()
	b.logCh = ch
	b.subscribed <- struct{}{}
	return b.sub, nil
}

func (b *fakeBackend) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.headSubs {
		return nil, chain.ErrSubscriptionsUnsupported
	}
	b.subCount++
	b.sub = newFakeSub()
	b.headCh = ch
	b.subscribed <- struct{}{}
	return b.sub, nil
}

func (b *fakeBackend) SubscribeFullPendingTransactions(context.Context, chan<- *types.Transaction) (ethereum.Subscription, error) {
	return nil, chain.ErrSubscriptionsUnsupported
}

func (b *fakeBackend) SubscribePendingTransactions(context.Context, chan<- common.Hash) (ethereum.Subscription, error) {
	return nil, chain.ErrSubscriptionsUnsupported
}

func (b *fakeBackend) pushLog(lg types.Log) {
	b.mu.Lock()
	ch := b.logCh
	b.mu.Unlock()
	ch <- lg
}

func (b *fakeBackend) pushHeader(num uint64) {
	b.mu.Lock()
	ch := b.headCh
	b.mu.Unlock()
	ch <- &types.Header{Number: new(big.Int).SetUint64(num)}
}

func (b *fakeBackend) failSub(err error) {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	sub.fail(err)
}

func (b *fakeBackend) calls() [][2]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][2]uint64, len(b.filterCalls))
	copy(out, b.filterCalls)
	return out
}

// blockRecorder notes the block number of every event it sees.
type blockRecorder struct {
	action.BaseAction
	mu     sync.Mutex
	blocks []uint64
}

func newBlockRecorder() *blockRecorder {
	return &blockRecorder{BaseAction: action.NewBaseAction("recorder")}
}

func (a *blockRecorder) OnEvent(_ context.Context, ev *action.EventRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = append(a.blocks, ev.Log.BlockNumber)
	return nil
}

func (a *blockRecorder) seen() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, len(a.blocks))
	copy(out, a.blocks)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEventTrackerBackfillAfterDisconnect(t *testing.T) {
	backend := newFakeBackend(120)
	rec := newBlockRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	tracker := NewEventTracker(testConfig(), backend, sigdb.Store{}, set, testLogger())

	var stateMu sync.Mutex
	var states []State
	tracker.OnState(func(s State) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	<-backend.subscribed
	backend.pushLog(types.Log{BlockNumber: 100})
	waitFor(t, "live dispatch", func() bool { return len(rec.seen()) == 1 })

	// Simulated disconnect after confirming block 100.
	backend.failSub(errors.New("connection reset"))
	<-backend.subscribed

	// The gap [101, 120] is repaired in step-sized pages, then the stream
	// returns to live.
	waitFor(t, "backfill pages", func() bool { return len(backend.calls()) == 2 })
	calls := backend.calls()
	if calls[0] != [2]uint64{101, 110} || calls[1] != [2]uint64{111, 120} {
		t.Fatalf("unexpected backfill ranges: %v", calls)
	}
	waitFor(t, "return to live", func() bool { return tracker.State() == StateLive })

	// Items arrived in confirmed order.
	seen := rec.seen()
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("dispatch order regressed: %v", seen)
		}
	}
	if got := tracker.LastConfirmed(); got != 120 {
		t.Errorf("expected last confirmed 120, got %d", got)
	}

	// The gap was repaired through an explicit backfilling phase.
	stateMu.Lock()
	sawBackfill := false
	for i, s := range states {
		if s == StateBackfilling && i+1 < len(states) && states[i+1] == StateLive {
			sawBackfill = true
		}
	}
	stateMu.Unlock()
	if !sawBackfill {
		t.Errorf("expected Backfilling followed by Live, saw %v", states)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop promptly")
	}
	if tracker.State() != StateStopped {
		t.Errorf("expected Stopped, got %s", tracker.State())
	}
}

func TestEventTrackerDropsBeyondWindow(t *testing.T) {
	backend := newFakeBackend(700)
	cfg := testConfig()
	cfg.MaxBackfillBlocks = 500
	cfg.StepBlocks = 500

	rec := newBlockRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	tracker := NewEventTracker(cfg, backend, sigdb.Store{}, set, testLogger())

	var drops []DropEvent
	var mu sync.Mutex
	tracker.OnDrop(func(d DropEvent) {
		mu.Lock()
		drops = append(drops, d)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	<-backend.subscribed
	backend.pushLog(types.Log{BlockNumber: 100})
	waitFor(t, "live dispatch", func() bool { return len(rec.seen()) == 1 })

	backend.failSub(errors.New("gone"))
	<-backend.subscribed
	waitFor(t, "backfill", func() bool { return len(backend.calls()) >= 1 })

	mu.Lock()
	gotDrops := append([]DropEvent(nil), drops...)
	mu.Unlock()
	if len(gotDrops) != 1 {
		t.Fatalf("expected one drop event, got %d", len(gotDrops))
	}
	// Gap is [101, 700] = 600 blocks; only the newest 500 are fetched.
	if gotDrops[0].From != 101 || gotDrops[0].To != 200 {
		t.Errorf("expected drop [101, 200], got [%d, %d]", gotDrops[0].From, gotDrops[0].To)
	}
	if calls := backend.calls(); calls[0][0] != 201 {
		t.Errorf("backfill should start after the dropped range, started at %d", calls[0][0])
	}

	cancel()
	<-done
}

func TestEventTrackerRetryBound(t *testing.T) {
	backend := newFakeBackend(10)
	backend.subErrs = []error{
		errors.New("refused"), errors.New("refused"),
		errors.New("refused"), errors.New("refused"),
	}
	cfg := testConfig()
	cfg.MaxRetries = 3

	set := action.NewSet(nil, testLogger(), nil)
	tracker := NewEventTracker(cfg, backend, sigdb.Store{}, set, testLogger())

	err := tracker.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if tracker.State() != StateStopped {
		t.Errorf("expected Stopped after fatal error, got %s", tracker.State())
	}
}

func TestEventTrackerPollingFallback(t *testing.T) {
	backend := newFakeBackend(100)
	backend.subErrs = []error{chain.ErrSubscriptionsUnsupported}

	rec := newBlockRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	tracker := NewEventTracker(testConfig(), backend, sigdb.Store{}, set, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	waitFor(t, "polling state", func() bool { return tracker.State() == StatePolling })

	// Advance the head; the poller must fetch the new range.
	backend.mu.Lock()
	backend.head = 105
	backend.mu.Unlock()
	waitFor(t, "poll fetch", func() bool { return len(backend.calls()) >= 1 })

	calls := backend.calls()
	if calls[0][0] != 101 || calls[0][1] != 105 {
		t.Errorf("expected poll range [101, 105], got %v", calls[0])
	}

	cancel()
	<-done
}

func TestEventTrackerPromptCancellation(t *testing.T) {
	backend := newFakeBackend(10)
	// Every subscribe fails, forcing long backoffs.
	backend.subErrs = []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	}
	cfg := testConfig()
	cfg.BackoffBase = 10 * time.Second
	cfg.BackoffMax = 30 * time.Second

	set := action.NewSet(nil, testLogger(), nil)
	tracker := NewEventTracker(cfg, backend, sigdb.Store{}, set, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancellation waited through a backoff interval")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stop took %v, expected prompt", elapsed)
	}
}

// headRecorder notes the number of every block it sees.
type headRecorder struct {
	action.BaseAction
	mu     sync.Mutex
	blocks []uint64
}

func newHeadRecorder() *headRecorder {
	return &headRecorder{BaseAction: action.NewBaseAction("head-recorder")}
}

func (a *headRecorder) OnBlock(_ context.Context, blk *action.BlockRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = append(a.blocks, blk.Block.NumberU64())
	return nil
}

func (a *headRecorder) seen() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, len(a.blocks))
	copy(out, a.blocks)
	return out
}

// A long stall between live headers is repaired through the same bounded
// window as a reconnect: the stale portion of the gap is dropped, not
// fetched.
func TestBlockTrackerLiveGapBounded(t *testing.T) {
	backend := newFakeBackend(100)
	backend.headSubs = true
	cfg := testConfig()
	cfg.MaxBackfillBlocks = 5

	rec := newHeadRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	tracker := NewBlockTracker(cfg, backend, sigdb.Store{}, set, testLogger())

	var drops []DropEvent
	var mu sync.Mutex
	tracker.OnDrop(func(d DropEvent) {
		mu.Lock()
		drops = append(drops, d)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	<-backend.subscribed
	backend.pushHeader(100)
	waitFor(t, "first head", func() bool { return len(rec.seen()) == 1 })

	// 19-block gap against a 5-block window: [101, 114] is abandoned,
	// [115, 119] repaired, then the new head itself.
	backend.pushHeader(120)
	waitFor(t, "gap repair", func() bool { return len(rec.seen()) == 7 })

	mu.Lock()
	gotDrops := append([]DropEvent(nil), drops...)
	mu.Unlock()
	if len(gotDrops) != 1 || gotDrops[0].From != 101 || gotDrops[0].To != 114 {
		t.Fatalf("expected drop [101, 114], got %v", gotDrops)
	}
	seen := rec.seen()
	want := []uint64{100, 115, 116, 117, 118, 119, 120}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("expected blocks %v, got %v", want, seen)
	}

	cancel()
	<-done
}

// A reconnect whose backfill keeps failing must walk the backoff schedule
// and honor the retry bound instead of resubscribing in a hot loop.
func TestEventTrackerBackfillFailureBacksOff(t *testing.T) {
	backend := newFakeBackend(50)
	cfg := testConfig()
	cfg.MaxRetries = 2

	rec := newBlockRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	tracker := NewEventTracker(cfg, backend, sigdb.Store{}, set, testLogger())

	done := make(chan error, 1)
	go func() { done <- tracker.Run(context.Background()) }()

	<-backend.subscribed
	backend.pushLog(types.Log{BlockNumber: 40})
	waitFor(t, "live dispatch", func() bool { return len(rec.seen()) == 1 })

	// Head queries fail from here on, so every reconnect backfill fails.
	backend.mu.Lock()
	backend.headErr = errors.New("head unavailable")
	backend.mu.Unlock()
	backend.failSub(errors.New("connection reset"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("expected ErrRetriesExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tracker kept resubscribing instead of giving up")
	}

	backend.mu.Lock()
	subs := backend.subCount
	backend.mu.Unlock()
	// Initial subscribe plus the bounded reconnect attempts.
	if subs > cfg.MaxRetries+2 {
		t.Errorf("expected at most %d subscribes, got %d", cfg.MaxRetries+2, subs)
	}
}

func TestBlockTrackerPollingFallback(t *testing.T) {
	backend := newFakeBackend(3)

	rec := newHeadRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	tracker := NewBlockTracker(testConfig(), backend, sigdb.Store{}, set, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	waitFor(t, "polling state", func() bool { return tracker.State() == StatePolling })

	backend.mu.Lock()
	backend.head = 5
	backend.mu.Unlock()
	waitFor(t, "new blocks dispatched", func() bool { return len(rec.seen()) == 2 })

	seen := rec.seen()
	if seen[0] != 4 || seen[1] != 5 {
		t.Errorf("expected blocks [4 5], got %v", seen)
	}

	cancel()
	<-done
}

func TestPageRanges(t *testing.T) {
	cases := []struct {
		from, to, step uint64
		want           [][2]uint64
	}{
		{1, 10, 5, [][2]uint64{{1, 5}, {6, 10}}},
		{1, 11, 5, [][2]uint64{{1, 5}, {6, 10}, {11, 11}}},
		{5, 5, 10, [][2]uint64{{5, 5}}},
		{10, 5, 5, nil},
	}
	for _, tc := range cases {
		got := pageRanges(tc.from, tc.to, tc.step)
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Errorf("pageRanges(%d, %d, %d): expected %v, got %v",
				tc.from, tc.to, tc.step, tc.want, got)
		}
	}
}

func TestSortLogs(t *testing.T) {
	logs := []types.Log{
		{BlockNumber: 2, TxIndex: 0, Index: 1},
		{BlockNumber: 1, TxIndex: 3, Index: 0},
		{BlockNumber: 2, TxIndex: 0, Index: 0},
		{BlockNumber: 1, TxIndex: 1, Index: 2},
	}
	sortLogs(logs)
	want := []types.Log{
		{BlockNumber: 1, TxIndex: 1, Index: 2},
		{BlockNumber: 1, TxIndex: 3, Index: 0},
		{BlockNumber: 2, TxIndex: 0, Index: 0},
		{BlockNumber: 2, TxIndex: 0, Index: 1},
	}
	for i := range want {
		if logs[i].BlockNumber != want[i].BlockNumber || logs[i].TxIndex != want[i].TxIndex || logs[i].Index != want[i].Index {
			t.Fatalf("position %d: got %+v", i, logs[i])
		}
	}
}

func TestScannerScanEventsPages(t *testing.T) {
	backend := newFakeBackend(0)
	rec := newBlockRecorder()
	set := action.NewSet([]action.Action{rec}, testLogger(), nil)
	cfg := testConfig()
	cfg.StepBlocks = 100

	s := NewScanner(cfg, backend, sigdb.Store{}, sigdb.Store{}, set, testLogger())
	if err := s.ScanEvents(context.Background(), 1, 250); err != nil {
		t.Fatalf("scan: %v", err)
	}

	calls := backend.calls()
	want := [][2]uint64{{1, 100}, {101, 200}, {201, 250}}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("expected pages %v, got %v", want, calls)
	}
	if n := len(rec.seen()); n != 250 {
		t.Errorf("expected 250 dispatched logs, got %d", n)
	}
}

func TestScannerRejectsInvalidRange(t *testing.T) {
	backend := newFakeBackend(0)
	s := NewScanner(testConfig(), backend, sigdb.Store{}, sigdb.Store{}, action.NewSet(nil, testLogger(), nil), testLogger())
	if err := s.ScanEvents(context.Background(), 100, 50); err == nil {
		t.Error("expected range error")
	}
}
