package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/monitor/internal/crawl"
	"github.com/kibak812/taxupdater/monitor/internal/notify"
	"github.com/kibak812/taxupdater/monitor/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	block  chan struct{}
	status map[string]string
}

func (f *fakeRunner) Run(_ context.Context, key, _, _ string) (*crawl.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	block, st := f.block, f.status[key]
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if st == "" {
		st = store.ExecSuccess
	}
	r := &crawl.SourceResult{SourceKey: key, Status: st, DurationMs: 1000}
	switch st {
	case store.ExecFailed:
		r.Error = "portal unreachable"
	case store.ExecPartialSuccess:
		r.Error = "disk I/O error"
		r.UnwrittenKeys = []string{"K07", "K08", "K09"}
	}
	return &crawl.Report{Execution: &store.Execution{ID: "exec_" + key}, Results: []*crawl.SourceResult{r}}, nil
}

func (f *fakeRunner) RunBatch(ctx context.Context, keys []string, trigger, by string, guard crawl.Guard) (*crawl.Report, error) {
	rep := &crawl.Report{Execution: &store.Execution{ID: "exec_batch"}}
	for _, k := range keys {
		if !guard.TryAcquire(k) {
			rep.Results = append(rep.Results, &crawl.SourceResult{SourceKey: k, Status: store.ExecSkipped})
			continue
		}
		one, _ := f.Run(ctx, k, trigger, by)
		guard.Release(k)
		rep.Results = append(rep.Results, one.Results...)
	}
	return rep, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu       sync.Mutex
	errors   []string
	messages []string
	system   []string
}

func (f *fakeNotifier) NotifyError(_ context.Context, source, msg, _ string) (*notify.Result, error) {
	f.mu.Lock()
	f.errors = append(f.errors, source)
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeNotifier) NotifySystem(_ context.Context, msg, _ string) (*notify.Result, error) {
	f.mu.Lock()
	f.system = append(f.system, msg)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeNotifier) EvictExpired() int { return 0 }

type fixture struct {
	st    *store.Store
	clock *clock
	run   *fakeRunner
	ntf   *fakeNotifier
	s     *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	st := store.NewStore(db, store.WithClock(c.now), store.WithBackupDir(t.TempDir()))
	f := &fixture{st: st, clock: c, run: &fakeRunner{status: map[string]string{}}, ntf: &fakeNotifier{}}
	f.s = New(Config{Store: st, Runner: f.run, Notifier: f.ntf, Now: c.now})
	t.Cleanup(func() { f.s.Close() })
	return f
}

func (f *fixture) seed(t *testing.T, key string, enabled bool) {
	t.Helper()
	err := f.st.UpsertSchedule(context.Background(), &store.Schedule{
		SourceKey:             key,
		DisplayName:           key,
		KeyField:              "문서번호",
		CronExpr:              "0 */6 * * *",
		Timezone:              DefaultTimezone,
		Enabled:               enabled,
		NotificationThreshold: 1,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func TestParse(t *testing.T) {
	if err := Validate("0 */6 * * *", "Asia/Seoul"); err != nil {
		t.Fatalf("valid: %v", err)
	}
	if err := Validate("61 * * * *", ""); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad minute: got %v", err)
	}
	if err := Validate("0 * * * *", "Mars/Olympus"); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad tz: got %v", err)
	}

	// 09:00 UTC is 18:00 KST; the next */6 slot is 00:00 KST = 15:00 UTC.
	from := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	next, err := Next("0 */6 * * *", "Asia/Seoul", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next: got %v, want %v", next.UTC(), want)
	}
}

func TestTrigger_MutualExclusion(t *testing.T) {
	// WHAT: While a source runs, a second trigger and a due cron fire are
	// both refused.
	// WHY: Two concurrent crawls of one source would race on its history.
	f := newFixture(t)
	f.seed(t, "moef", true)
	ctx := context.Background()
	if err := f.s.Reload(); err != nil {
		t.Fatal(err)
	}

	f.run.block = make(chan struct{})
	if err := f.s.Trigger(ctx, "moef", 0, "test"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := f.s.Trigger(ctx, "moef", 0, "test"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second trigger: got %v, want ErrAlreadyRunning", err)
	}

	f.s.mu.Lock()
	f.s.entries["moef"].next = f.clock.now().Add(-time.Second)
	f.s.mu.Unlock()
	f.s.tick(f.clock.now())

	close(f.run.block)
	f.s.Wait()
	if n := f.run.callCount(); n != 1 {
		t.Fatalf("runs: got %d, want 1", n)
	}
	if f.s.Locks().Held("moef") {
		t.Fatal("lock not released")
	}

	f.run.block = nil
	if err := f.s.Trigger(ctx, "moef", 0, "test"); err != nil {
		t.Fatalf("trigger after release: %v", err)
	}
	f.s.Wait()
	if n := f.run.callCount(); n != 2 {
		t.Fatalf("runs: got %d, want 2", n)
	}
}

func TestTrigger_UnknownSource(t *testing.T) {
	f := newFixture(t)
	if err := f.s.Trigger(context.Background(), "ghost", 0, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestTrigger_Delayed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "mois", true)
	if err := f.s.Trigger(context.Background(), "mois", 10*time.Millisecond, ""); err != nil {
		t.Fatal(err)
	}
	f.s.Wait()
	if n := f.run.callCount(); n != 1 {
		t.Fatalf("runs: got %d, want 1", n)
	}
}

func TestTick_MisfireGrace(t *testing.T) {
	// WHAT: A fire time missed by 30m runs once; one missed by 2h is skipped
	// and rescheduled, never backfilled.
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.now()
	f.seed(t, "recent", true)
	f.seed(t, "stale", true)
	recent := now.Add(-30 * time.Minute).UnixMilli()
	stale := now.Add(-2 * time.Hour).UnixMilli()
	f.st.SetNextRun(ctx, "recent", &recent)
	f.st.SetNextRun(ctx, "stale", &stale)

	if err := f.s.Reload(); err != nil {
		t.Fatal(err)
	}
	f.s.tick(now)
	f.s.Wait()
	f.s.tick(now)
	f.s.Wait()

	if len(f.run.calls) != 1 || f.run.calls[0] != "recent" {
		t.Fatalf("runs: got %v, want [recent]", f.run.calls)
	}
	sc, err := f.st.GetSchedule(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if sc.NextRunAt == nil || *sc.NextRunAt <= now.UnixMilli() {
		t.Fatalf("stale next run not moved forward: %v", sc.NextRunAt)
	}
}

func TestHealth_ErrorAlertEveryFailure(t *testing.T) {
	// WHAT: Each failed run raises one error alert while health climbs to
	// error at the third; a success then restores healthy.
	// WHY: Health status escalates, it does not gate alerts.
	f := newFixture(t)
	f.seed(t, "bai", true)
	ctx := context.Background()
	f.run.status["bai"] = store.ExecFailed

	wantStatus := []string{store.StatusHealthy, store.StatusWarning, store.StatusError}
	for i, want := range wantStatus {
		if err := f.s.Trigger(ctx, "bai", 0, ""); err != nil {
			t.Fatal(err)
		}
		f.s.Wait()
		h, _ := f.st.GetHealth(ctx, "bai", store.ComponentCrawler)
		if h.Status != want || h.ConsecutiveErrors != i+1 {
			t.Fatalf("after failure %d: status %s errors %d", i+1, h.Status, h.ConsecutiveErrors)
		}
		if len(f.ntf.errors) != i+1 {
			t.Fatalf("error alerts after failure %d: got %d, want %d", i+1, len(f.ntf.errors), i+1)
		}
	}
	if f.ntf.messages[0] != "portal unreachable" {
		t.Fatalf("alert message: got %q", f.ntf.messages[0])
	}

	f.run.status["bai"] = store.ExecSuccess
	f.s.Trigger(ctx, "bai", 0, "")
	f.s.Wait()
	h, _ := f.st.GetHealth(ctx, "bai", store.ComponentCrawler)
	if h.Status != store.StatusHealthy || h.ConsecutiveErrors != 0 || h.HealthScore != 72 {
		t.Fatalf("after success: %+v", h)
	}
	sc, _ := f.st.GetSchedule(ctx, "bai")
	if sc.SuccessCount != 1 || sc.FailureCount != 3 || sc.AvgDurationMs != 1000 {
		t.Fatalf("counters: %+v", sc)
	}
}

func TestHealth_PartialCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "moef", true)
	f.run.status["moef"] = store.ExecPartialSuccess
	f.s.Trigger(context.Background(), "moef", 0, "")
	f.s.Wait()
	sc, _ := f.st.GetSchedule(context.Background(), "moef")
	if sc.FailureCount != 1 || sc.LastError == "" {
		t.Fatalf("counters: %+v", sc)
	}
	h, _ := f.st.GetHealth(context.Background(), "moef", store.ComponentCrawler)
	if h.Status != store.StatusHealthy {
		t.Fatalf("health after one partial run: got %s, want healthy", h.Status)
	}
	if len(f.ntf.errors) != 1 {
		t.Fatalf("error alerts: got %d, want 1", len(f.ntf.errors))
	}
	if want := "disk I/O error (미저장 3건: K07, K08, K09)"; f.ntf.messages[0] != want {
		t.Fatalf("alert message: got %q, want %q", f.ntf.messages[0], want)
	}
}

func TestAlertMessage_CapsUnwrittenKeys(t *testing.T) {
	keys := make([]string, 12)
	for i := range keys {
		keys[i] = string(rune('A' + i))
	}
	r := &crawl.SourceResult{Status: store.ExecPartialSuccess, UnwrittenKeys: keys}
	got := alertMessage(r, "locked")
	if want := "locked (미저장 12건: A, B, C, D, E, F, G, H, I, J 외 2건)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := alertMessage(&crawl.SourceResult{Status: store.ExecFailed}, "timeout"); got != "timeout" {
		t.Fatalf("failed run: got %q", got)
	}
}

func TestMaintain_SilentDeathAndOffline(t *testing.T) {
	// WHAT: An enabled source with no success for 24h turns warning once;
	// a disabled source turns offline.
	// WHY: A crawler that silently stops finding anything must be noticed.
	f := newFixture(t)
	f.seed(t, "tax_tribunal", true)
	f.seed(t, "nts_precedent", false)
	ctx := context.Background()

	f.clock.advance(25 * time.Hour)
	f.s.maintain(ctx, f.clock.now())
	f.s.maintain(ctx, f.clock.now())

	h, _ := f.st.GetHealth(ctx, "tax_tribunal", store.ComponentCrawler)
	if h.Status != store.StatusWarning {
		t.Fatalf("silent source: got %s, want warning", h.Status)
	}
	if len(f.ntf.system) != 1 {
		t.Fatalf("system alerts: got %d, want 1", len(f.ntf.system))
	}
	h, _ = f.st.GetHealth(ctx, "nts_precedent", store.ComponentCrawler)
	if h.Status != store.StatusOffline {
		t.Fatalf("disabled source: got %s, want offline", h.Status)
	}
}

func TestReload_DisabledSourceUnscheduled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "nts_authority", true)
	f.seed(t, "mois", true)
	ctx := context.Background()
	if err := f.s.Reload(); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SetEnabled(ctx, "mois", false); err != nil {
		t.Fatal(err)
	}
	if err := f.s.Reload(); err != nil {
		t.Fatal(err)
	}

	status, err := f.s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, st := range status {
		got[st.SourceKey] = st.Scheduled
		if st.SourceKey == "mois" && st.NextRunAt != nil {
			t.Fatalf("disabled source keeps next run %d", *st.NextRunAt)
		}
	}
	if !got["nts_authority"] || got["mois"] {
		t.Fatalf("scheduled: %v", got)
	}
}

func TestReload_InvalidCronSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "moef", true)
	f.st.UpsertSchedule(context.Background(), &store.Schedule{
		SourceKey: "broken", KeyField: "k", CronExpr: "every day", Enabled: true,
	})
	if err := f.s.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.s.entries["broken"]; ok {
		t.Fatal("invalid schedule was loaded")
	}
	if _, ok := f.s.entries["moef"]; !ok {
		t.Fatal("valid schedule missing")
	}
}

func TestTriggerAll_SkipsBusy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a_src", true)
	f.seed(t, "b_src", true)
	if !f.s.Locks().TryAcquire("a_src") {
		t.Fatal("acquire")
	}
	if err := f.s.TriggerAll(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	f.s.Wait()
	f.s.Locks().Release("a_src")
	if len(f.run.calls) != 1 || f.run.calls[0] != "b_src" {
		t.Fatalf("runs: got %v, want [b_src]", f.run.calls)
	}
	sc, _ := f.st.GetSchedule(context.Background(), "a_src")
	if sc.SuccessCount != 0 || sc.FailureCount != 0 {
		t.Fatalf("skipped source counters changed: %+v", sc)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.s.cfg.Tick = 5 * time.Millisecond
	f.seed(t, "moef", true)
	ctx := context.Background()

	if err := f.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !f.s.Running() {
		t.Fatal("not running after Start")
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := f.s.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if f.s.Running() {
		t.Fatal("still running after Stop")
	}
	if err := f.s.Stop(stopCtx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second stop: got %v", err)
	}
	h, _ := f.st.GetHealth(ctx, store.SystemKey, store.ComponentScheduler)
	if h.Status != store.StatusOffline {
		t.Fatalf("scheduler status: got %s", h.Status)
	}
}
