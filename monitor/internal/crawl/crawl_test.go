package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kibak812/taxupdater/connectivity"
	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/monitor/internal/adapter"
	"github.com/kibak812/taxupdater/monitor/internal/notify"
	"github.com/kibak812/taxupdater/monitor/internal/record"
	"github.com/kibak812/taxupdater/monitor/internal/store"
)

const kf = "문서번호"

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store.NewStore(db, store.WithBackupDir(t.TempDir()))
}

func recs(keys ...string) []record.Record {
	out := make([]record.Record, len(keys))
	for i, k := range keys {
		out[i] = record.Record{kf: k, "제목": "제목 " + k, "세목": "법인세"}
	}
	return out
}

func static(rs []record.Record) adapter.Adapter {
	return adapter.Func(func(context.Context, time.Time) ([]record.Record, error) {
		return rs, nil
	})
}

func source(key string, a adapter.Adapter) *Source {
	return &Source{
		Key:      key,
		Name:     key,
		KeyField: kf,
		Adapter:  a,
		Required: []string{"제목"},
		Display:  Display{Title: "제목", Category: "세목"},
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeNotifier) NotifyNewData(_ context.Context, _ string, n int, _ string) (*notify.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, n)
	f.mu.Unlock()
	return nil, nil
}

// failingStore writes the first limit records of each Append, then fails.
type failingStore struct {
	*store.Store
	limit int
}

func (f *failingStore) Append(ctx context.Context, source, keyField, execID string, rs []record.Record) (store.AppendResult, error) {
	if f.limit <= 0 || f.limit >= len(rs) {
		return f.Store.Append(ctx, source, keyField, execID, rs)
	}
	res, err := f.Store.Append(ctx, source, keyField, execID, rs[:f.limit])
	if err != nil {
		return res, err
	}
	res.Unwritten = record.Keys(rs[f.limit:], keyField)
	return res, errors.New("disk I/O error")
}

func TestRun_PersistsNewRecords(t *testing.T) {
	// WHAT: A run writes only unseen records, logs them and notifies once
	// with the written count.
	st := newStore(t)
	n := &fakeNotifier{}
	snap := recs("A", "B", "C")
	o := New(Config{Store: st, Notifier: n})
	o.Register(source("nts_authority", adapter.Func(func(context.Context, time.Time) ([]record.Record, error) {
		return snap, nil
	})))
	ctx := context.Background()

	rep, err := o.Run(ctx, "nts_authority", TriggerManual, "")
	if err != nil {
		t.Fatal(err)
	}
	r := rep.Results[0]
	if r.Status != store.ExecSuccess || r.New != 3 || r.Written != 3 {
		t.Fatalf("first run: %+v", r)
	}
	if r.BackupPath == "" {
		t.Fatal("expected backup path")
	}

	snap = recs("B", "C", "D", "D")
	rep, err = o.Run(ctx, "nts_authority", TriggerManual, "")
	if err != nil {
		t.Fatal(err)
	}
	r = rep.Results[0]
	if r.New != 1 || r.Existing != 2 || r.Duplicates != 1 || r.SampleKeys[0] != "D" {
		t.Fatalf("second run: %+v", r)
	}

	if cnt, _ := st.Count(ctx, "nts_authority"); cnt != 4 {
		t.Fatalf("count: got %d, want 4", cnt)
	}
	if fmt.Sprint(n.calls) != "[3 1]" {
		t.Fatalf("notifications: got %v", n.calls)
	}
	logged, err := st.RecentNewData(ctx, "nts_authority", 24, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 4 {
		t.Fatalf("new data log: got %d, want 4", len(logged))
	}
	for _, e := range logged {
		if e.Title != "제목 "+e.DataID || e.Category != "법인세" {
			t.Fatalf("entry: %+v", e)
		}
	}

	exec, err := st.GetExecution(ctx, rep.Execution.ID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecSuccess || exec.TotalNew != 1 || exec.ExecutionType != TypeSingle {
		t.Fatalf("execution: %+v", exec)
	}
}

func TestRun_ValidationLeavesStoreUntouched(t *testing.T) {
	// WHAT: Empty snapshots, missing keys and missing required fields fail
	// the run before anything is written.
	// WHY: A broken selector must not be mistaken for "everything is new".
	cases := map[string][]record.Record{
		"empty":       nil,
		"missing key": {{kf: "A", "제목": "x"}, {"제목": "no key"}},
		"no title":    {{kf: "A"}, {kf: "B"}},
	}
	for name, snap := range cases {
		t.Run(name, func(t *testing.T) {
			st := newStore(t)
			o := New(Config{Store: st})
			o.Register(source("moef", static(snap)))
			rep, err := o.Run(context.Background(), "moef", TriggerScheduled, "")
			if err != nil {
				t.Fatal(err)
			}
			r := rep.Results[0]
			var ve *ValidationError
			if r.Status != store.ExecFailed || !errors.As(r.Err, &ve) {
				t.Fatalf("result: %+v", r)
			}
			if cnt, _ := st.Count(context.Background(), "moef"); cnt != 0 {
				t.Fatalf("count: got %d, want 0", cnt)
			}
			if rep.Execution.Status != store.ExecFailed {
				t.Fatalf("execution status: %s", rep.Execution.Status)
			}
		})
	}
}

func TestRun_FetchTimeout(t *testing.T) {
	// WHAT: A hung adapter is cut off by the source timeout and the run fails.
	st := newStore(t)
	o := New(Config{Store: st})
	src := source("bai", adapter.Func(func(ctx context.Context, _ time.Time) ([]record.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	src.Timeout = 20 * time.Millisecond
	o.Register(src)

	rep, err := o.Run(context.Background(), "bai", TriggerManual, "")
	if err != nil {
		t.Fatal(err)
	}
	r := rep.Results[0]
	var fe *FetchError
	if r.Status != store.ExecFailed || !errors.As(r.Err, &fe) || !IsTimeout(r.Err) {
		t.Fatalf("result: %+v (%v)", r, r.Err)
	}
}

func TestRun_TimeoutCoversRetries(t *testing.T) {
	// WHAT: With retries configured, a hung adapter still fails the run once
	// the source timeout has passed, with no further attempts.
	// WHY: A hung portal must not hold the source lock for retries x timeout.
	st := newStore(t)
	o := New(Config{Store: st})
	var calls atomic.Int32
	src := source("bai", adapter.Func(func(ctx context.Context, _ time.Time) ([]record.Record, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	src.Timeout = 100 * time.Millisecond
	src.Retries = 3
	src.RetryDelay = 10 * time.Millisecond
	o.Register(src)

	start := time.Now()
	rep, err := o.Run(context.Background(), "bai", TriggerScheduled, "")
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	r := rep.Results[0]
	if r.Status != store.ExecFailed || !IsTimeout(r.Err) {
		t.Fatalf("result: %+v (%v)", r, r.Err)
	}
	if calls.Load() != 1 {
		t.Fatalf("adapter calls: got %d, want 1", calls.Load())
	}
	if elapsed > 300*time.Millisecond {
		t.Fatalf("elapsed: got %s, want about 100ms", elapsed)
	}
}

func TestRun_StoredScheduleOverridesLimits(t *testing.T) {
	// WHAT: Retry settings committed to the schedule table apply on the next
	// run even though the registered source still carries the old ones.
	st := newStore(t)
	ctx := context.Background()
	var calls atomic.Int32
	src := source("mois", adapter.Func(func(context.Context, time.Time) ([]record.Record, error) {
		if calls.Add(1) < 3 {
			return nil, adapter.ErrFetch
		}
		return recs("M1"), nil
	}))
	o := New(Config{Store: st})
	o.Register(src)

	if err := st.UpsertSchedule(ctx, &store.Schedule{
		SourceKey: "mois", KeyField: kf, CronExpr: "0 */8 * * *", Enabled: true,
		TimeoutMs: 5000, RetryCount: 2, RetryDelayMs: 1, NotificationThreshold: 1,
	}); err != nil {
		t.Fatal(err)
	}

	rep, err := o.Run(ctx, "mois", TriggerManual, "")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Results[0].Status != store.ExecSuccess || calls.Load() != 3 {
		t.Fatalf("status %s after %d calls", rep.Results[0].Status, calls.Load())
	}
}

func TestRun_PartialSuccessThenRetry(t *testing.T) {
	// WHAT: 7 of 10 new records written ⇒ partial_success listing the other
	// 3; the next run writes exactly those 3.
	// WHY: Unwritten records must be surfaced and picked up, never dropped.
	st := newStore(t)
	fs := &failingStore{Store: st, limit: 7}
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("K%02d", i)
	}
	o := New(Config{Store: fs})
	o.Register(source("mois", static(recs(keys...))))
	ctx := context.Background()

	rep, err := o.Run(ctx, "mois", TriggerScheduled, "")
	if err != nil {
		t.Fatal(err)
	}
	r := rep.Results[0]
	var pe *PersistenceError
	if r.Status != store.ExecPartialSuccess || r.Written != 7 || len(r.UnwrittenKeys) != 3 || !errors.As(r.Err, &pe) {
		t.Fatalf("result: %+v", r)
	}
	if r.UnwrittenKeys[0] != "K07" {
		t.Fatalf("unwritten: %v", r.UnwrittenKeys)
	}

	fs.limit = 0
	rep, err = o.Run(ctx, "mois", TriggerScheduled, "")
	if err != nil {
		t.Fatal(err)
	}
	if r := rep.Results[0]; r.Status != store.ExecSuccess || r.New != 3 || r.Written != 3 {
		t.Fatalf("retry: %+v", r)
	}
	if cnt, _ := st.Count(ctx, "mois"); cnt != 10 {
		t.Fatalf("count: got %d, want 10", cnt)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	st := newStore(t)
	var calls atomic.Int32
	src := source("nts_precedent", adapter.Func(func(context.Context, time.Time) ([]record.Record, error) {
		if calls.Add(1) < 3 {
			return nil, adapter.ErrFetch
		}
		return recs("P1"), nil
	}))
	src.Retries = 2
	src.RetryDelay = time.Millisecond
	o := New(Config{Store: st})
	o.Register(src)

	rep, err := o.Run(context.Background(), "nts_precedent", TriggerManual, "")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Results[0].Status != store.ExecSuccess || calls.Load() != 3 {
		t.Fatalf("status %s after %d calls", rep.Results[0].Status, calls.Load())
	}
}

func TestRun_CircuitOpenSkipsAdapter(t *testing.T) {
	st := newStore(t)
	var calls atomic.Int32
	o := New(Config{
		Store:    st,
		Breakers: connectivity.NewBreakers(connectivity.WithBreakerThreshold(1), connectivity.WithBreakerResetTimeout(time.Hour)),
	})
	o.Register(source("tax_tribunal", adapter.Func(func(context.Context, time.Time) ([]record.Record, error) {
		calls.Add(1)
		return nil, adapter.ErrFetch
	})))
	ctx := context.Background()

	o.Run(ctx, "tax_tribunal", TriggerScheduled, "")
	rep, _ := o.Run(ctx, "tax_tribunal", TriggerScheduled, "")
	var open *connectivity.ErrCircuitOpen
	if !errors.As(rep.Results[0].Err, &open) {
		t.Fatalf("got %v, want ErrCircuitOpen", rep.Results[0].Err)
	}
	if calls.Load() != 1 {
		t.Fatalf("adapter calls: got %d, want 1", calls.Load())
	}
}

func TestRun_UnknownSource(t *testing.T) {
	o := New(Config{Store: newStore(t)})
	if _, err := o.Run(context.Background(), "nope", TriggerManual, ""); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("got %v", err)
	}
}

type denyGuard struct {
	deny     string
	mu       sync.Mutex
	released []string
}

func (g *denyGuard) TryAcquire(key string) bool { return key != g.deny }
func (g *denyGuard) Release(key string) {
	g.mu.Lock()
	g.released = append(g.released, key)
	g.mu.Unlock()
}

func TestRunBatch_IndependentSources(t *testing.T) {
	// WHAT: One failing source never aborts its siblings; a busy source is
	// reported skipped; the execution aggregates all of them.
	st := newStore(t)
	o := New(Config{Store: st, Workers: 2})
	o.Register(source("a_src", static(recs("A1", "A2"))))
	o.Register(source("b_src", adapter.Func(func(context.Context, time.Time) ([]record.Record, error) {
		return nil, adapter.ErrFetch
	})))
	o.Register(source("c_src", static(recs("C1"))))
	o.Register(source("d_src", static(recs("D1"))))
	g := &denyGuard{deny: "d_src"}

	rep, err := o.RunBatch(context.Background(), nil, TriggerManual, "api", g)
	if err != nil {
		t.Fatal(err)
	}
	status := map[string]string{}
	for _, r := range rep.Results {
		status[r.SourceKey] = r.Status
	}
	want := map[string]string{
		"a_src": store.ExecSuccess,
		"b_src": store.ExecFailed,
		"c_src": store.ExecSuccess,
		"d_src": store.ExecSkipped,
	}
	for k, v := range want {
		if status[k] != v {
			t.Fatalf("%s: got %s, want %s", k, status[k], v)
		}
	}
	e := rep.Execution
	if e.Status != store.ExecPartialSuccess || e.SuccessSources != 2 || e.FailedSources != 1 || e.TotalNew != 3 {
		t.Fatalf("execution: %+v", e)
	}
	if len(g.released) != 3 {
		t.Fatalf("released: %v", g.released)
	}
}

func TestHub_Progress(t *testing.T) {
	st := newStore(t)
	hub := NewHub()
	events, cancel := hub.Subscribe(32)
	o := New(Config{Store: st, Hub: hub})
	o.Register(source("moef", static(recs("M1"))))

	if _, err := o.Run(context.Background(), "moef", TriggerManual, ""); err != nil {
		t.Fatal(err)
	}
	cancel()

	var stages []string
	for ev := range events {
		stages = append(stages, ev.Stage)
	}
	want := []string{StageFetching, StageValidating, StageDiffing, StagePersisting, StageDone}
	if fmt.Sprint(stages) != fmt.Sprint(want) {
		t.Fatalf("stages: got %v, want %v", stages, want)
	}
	if hub.Subscribers() != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestHub_DropsOnFullBuffer(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(1)
	defer cancel()
	hub.Publish(Event{Stage: StageFetching})
	hub.Publish(Event{Stage: StageDone})
	if hub.Dropped() != 1 {
		t.Fatalf("dropped: got %d, want 1", hub.Dropped())
	}
}
