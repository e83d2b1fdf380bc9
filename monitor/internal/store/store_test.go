package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	_ "modernc.org/sqlite"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/monitor/internal/record"
)

const (
	src = "nts_authority"
	kf  = "문서번호"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)} }

func rec(key, title string) record.Record { return record.Record{kf: key, record.FieldTitle: title} }

func keysOf(rs []record.Record) []string { return record.Keys(rs, kf) }

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	c := newClock()
	opts = append([]Option{WithClock(c.now), WithBackupDir(t.TempDir())}, opts...)
	return NewStore(db, opts...), c
}

func snapshot(keys ...string) []record.Record {
	out := make([]record.Record, len(keys))
	for i, k := range keys {
		out[i] = rec(k, "title "+k)
	}
	return out
}

func TestAppend_Idempotent(t *testing.T) {
	// WHAT: Appending the same records twice stores each key once.
	// WHY: A retried crawl must never duplicate history.
	s, _ := newTestStore(t)
	ctx := context.Background()

	for range 2 {
		res, err := s.Append(ctx, src, kf, "exec_1", snapshot("A", "B", "C"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(res.Written) != 3 || len(res.Unwritten) != 0 {
			t.Fatalf("result: %+v", res)
		}
	}
	n, err := s.Count(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count: got %d, want 3", n)
	}
}

func TestDiffNew_Basic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.DiffNew(ctx, src, snapshot("A", "B"), kf)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 2 {
		t.Fatalf("empty store: got %d new, want 2", len(fresh))
	}

	if _, err := s.Append(ctx, src, kf, "exec_1", snapshot("A", "B", "C")); err != nil {
		t.Fatal(err)
	}
	fresh, err = s.DiffNew(ctx, src, snapshot("B", "C", "D", "D", ""), kf)
	if err != nil {
		t.Fatal(err)
	}
	if got := keysOf(fresh); len(got) != 1 || got[0] != "D" {
		t.Fatalf("new keys: got %v, want [D]", got)
	}
}

func TestDiffNew_SideTableMatchesFallback(t *testing.T) {
	// WHAT: The TEMP-table anti-join and the in-memory fallback return the
	// same records in the same order.
	// WHY: The fallback only runs when the side table fails, so it must be
	// indistinguishable.
	s, _ := newTestStore(t)
	ctx := context.Background()

	var stored []record.Record
	for i := 0; i < 300; i += 3 {
		stored = append(stored, rec(fmt.Sprintf("K%03d", i), "x"))
	}
	if _, err := s.Append(ctx, src, kf, "exec_1", stored); err != nil {
		t.Fatal(err)
	}

	var snap []record.Record
	for i := 299; i >= 0; i-- {
		snap = append(snap, rec(fmt.Sprintf("K%03d", i), "y"))
		if i%50 == 0 {
			snap = append(snap, rec(fmt.Sprintf("K%03d", i), "dup"), rec(" ", "blank"))
		}
	}

	s.sideTable = true
	a, err := s.DiffNew(ctx, src, snap, kf)
	if err != nil {
		t.Fatal(err)
	}
	s.sideTable = false
	b, err := s.DiffNew(ctx, src, snap, kf)
	if err != nil {
		t.Fatal(err)
	}

	ka, kb := keysOf(a), keysOf(b)
	if len(ka) != 200 {
		t.Fatalf("side table: got %d new, want 200", len(ka))
	}
	if len(ka) != len(kb) {
		t.Fatalf("lengths differ: %d vs %d", len(ka), len(kb))
	}
	for i := range ka {
		if ka[i] != kb[i] {
			t.Fatalf("position %d: %q vs %q", i, ka[i], kb[i])
		}
	}
}

func TestAppend_SchemaEvolution(t *testing.T) {
	// WHAT: A new field adds a column; old rows keep their values with NULL
	// in the new column.
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, src, kf, "e1", snapshot("A")); err != nil {
		t.Fatal(err)
	}
	next := rec("B", "title B")
	next[record.FieldCategory] = "부가가치세"
	if _, err := s.Append(ctx, src, kf, "e2", []record.Record{next}); err != nil {
		t.Fatal(err)
	}

	all, err := s.LoadAll(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("records: got %d, want 2", len(all))
	}
	if all[0][record.FieldTitle] != "title A" {
		t.Fatalf("old row changed: %v", all[0])
	}
	if _, ok := all[0][record.FieldCategory]; ok {
		t.Fatalf("old row should have no category: %v", all[0])
	}
	if all[1][record.FieldCategory] != "부가가치세" {
		t.Fatalf("new row: %v", all[1])
	}
}

func TestAppend_PartialFailureThenRetry(t *testing.T) {
	// WHAT: A write that fails after 7 of 10 rows reports the last 3 keys as
	// unwritten; retrying the same 10 leaves each key stored once.
	s, _ := newTestStore(t, WithChunkSize(1))
	ctx := context.Background()

	var batch []record.Record
	for i := range 10 {
		batch = append(batch, rec(fmt.Sprintf("R%02d", i), "t"))
	}

	s.failAfter = 7
	res, err := s.Append(ctx, src, kf, "e1", batch)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.Written) != 7 || len(res.Unwritten) != 3 {
		t.Fatalf("written=%d unwritten=%d, want 7 and 3", len(res.Written), len(res.Unwritten))
	}
	if res.Unwritten[0] != "R07" || res.Unwritten[2] != "R09" {
		t.Fatalf("unwritten: %v", res.Unwritten)
	}

	s.failAfter = 0
	fresh, err := s.DiffNew(ctx, src, batch, kf)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 3 {
		t.Fatalf("retry diff: got %d new, want 3", len(fresh))
	}
	if _, err := s.Append(ctx, src, kf, "e2", batch); err != nil {
		t.Fatal(err)
	}
	n, _ := s.Count(ctx, src)
	if n != 10 {
		t.Fatalf("count: got %d, want 10", n)
	}
}

func TestNoMissedData(t *testing.T) {
	// WHAT: Across successive crawls every key ever fetched ends up stored,
	// and each is reported new exactly once.
	s, _ := newTestStore(t)
	ctx := context.Background()

	crawls := [][]string{{"A", "B"}, {"B", "C", "D"}, {"A", "E"}, {"E", "F", "F"}}
	reported := map[string]int{}
	for _, keys := range crawls {
		fresh, err := s.DiffNew(ctx, src, snapshot(keys...), kf)
		if err != nil {
			t.Fatal(err)
		}
		for _, k := range keysOf(fresh) {
			reported[k]++
		}
		if _, err := s.Append(ctx, src, kf, "e", fresh); err != nil {
			t.Fatal(err)
		}
	}

	for _, k := range []string{"A", "B", "C", "D", "E", "F"} {
		if reported[k] != 1 {
			t.Fatalf("key %s reported %d times", k, reported[k])
		}
	}
	keys, err := s.LoadKeys(ctx, src, kf)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 6 {
		t.Fatalf("stored keys: got %d, want 6", len(keys))
	}
}

func TestStats(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 0 || st.LastUpdated != nil {
		t.Fatalf("empty stats: %+v", st)
	}

	s.Append(ctx, src, kf, "e1", snapshot("A"))
	c.advance(time.Minute)
	s.Append(ctx, src, kf, "e2", snapshot("B", "C"))

	st, err = s.Stats(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 3 {
		t.Fatalf("count: got %d, want 3", st.Count)
	}
	if st.LastUpdated == nil || *st.LastUpdated != c.t.UnixMilli() {
		t.Fatalf("last updated: got %v, want %d", st.LastUpdated, c.t.UnixMilli())
	}
	if st.SizeBytes <= 0 {
		t.Fatalf("size: got %d", st.SizeBytes)
	}
}

func TestSearchRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, src, kf, "e", []record.Record{
		rec("A", "양도소득세 질의"), rec("B", "부가가치세 질의"), rec("C", "양도소득세 회신"),
	})

	page, err := s.SearchRecords(ctx, src, "양도", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Records) != 1 {
		t.Fatalf("page: total=%d len=%d", page.Total, len(page.Records))
	}
	if page.Records[0][kf] != "C" {
		t.Fatalf("newest first: got %v", page.Records[0])
	}
}

func TestInvalidSourceKey(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Append(context.Background(), `x"; DROP TABLE crawl_schedules; --`, kf, "e", snapshot("A"))
	if !errors.Is(err, ErrInvalidSourceKey) {
		t.Fatalf("got %v, want ErrInvalidSourceKey", err)
	}
}

func TestBackup_WritesOnlyGivenRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	path, err := s.Backup(ctx, src, kf, snapshot("N1", "N2"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(filepath.Dir(path)) != src {
		t.Fatalf("path: %s", path)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(backupSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows: got %d, want header + 2", len(rows))
	}
	if rows[0][0] != kf || rows[1][0] != "N1" {
		t.Fatalf("rows: %v", rows)
	}

	meta, _ := s.GetMeta(ctx, "last_backup_path:"+src)
	if meta != path {
		t.Fatalf("metadata: got %q, want %q", meta, path)
	}
}

func seedSchedule(t *testing.T, s *Store, key string) {
	t.Helper()
	err := s.UpsertSchedule(context.Background(), &Schedule{
		SourceKey: key, DisplayName: key, KeyField: kf, CronExpr: "0 */6 * * *",
		Timezone: "Asia/Seoul", Enabled: true, TimeoutMs: 60_000, NotificationThreshold: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHealth_DecayAndRecovery(t *testing.T) {
	// WHAT: Three failures take a source to error with score 70; one
	// success resets the streak and adds 2.
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, s, src)

	wantStatus := []string{StatusHealthy, StatusWarning, StatusError}
	for i, want := range wantStatus {
		h, err := s.RecordRunFailure(ctx, src, "timeout", 3)
		if err != nil {
			t.Fatal(err)
		}
		if h.Status != want {
			t.Fatalf("failure %d: status %s, want %s", i+1, h.Status, want)
		}
	}
	h, _ := s.GetHealth(ctx, src, ComponentCrawler)
	if h.HealthScore != 70 || h.ConsecutiveErrors != 3 {
		t.Fatalf("after failures: score=%d streak=%d", h.HealthScore, h.ConsecutiveErrors)
	}

	h, err := s.RecordRunSuccess(ctx, src, 1200)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != StatusHealthy || h.ConsecutiveErrors != 0 || h.HealthScore != 72 {
		t.Fatalf("after success: %+v", h)
	}

	sc, _ := s.GetSchedule(ctx, src)
	if sc.FailureCount != 3 || sc.SuccessCount != 1 || sc.ConsecutiveErrors != 0 {
		t.Fatalf("counters: %+v", sc)
	}
	if sc.AvgDurationMs != 1200 {
		t.Fatalf("avg: got %d, want 1200", sc.AvgDurationMs)
	}
	s.RecordRunSuccess(ctx, src, 800)
	sc, _ = s.GetSchedule(ctx, src)
	if sc.AvgDurationMs != 1000 {
		t.Fatalf("avg: got %d, want 1000", sc.AvgDurationMs)
	}
}

func TestHealth_ScoreBounds(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, s, src)

	for range 15 {
		s.RecordRunFailure(ctx, src, "x", 3)
	}
	h, _ := s.GetHealth(ctx, src, ComponentCrawler)
	if h.HealthScore != 0 {
		t.Fatalf("floor: got %d", h.HealthScore)
	}
	for range 60 {
		s.RecordRunSuccess(ctx, src, 10)
	}
	h, _ = s.GetHealth(ctx, src, ComponentCrawler)
	if h.HealthScore != 100 {
		t.Fatalf("cap: got %d", h.HealthScore)
	}
}

func TestFlagSilent(t *testing.T) {
	// WHAT: A source with no success for over 24h becomes warning; a
	// recently successful one stays healthy.
	s, c := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, s, "moef")
	seedSchedule(t, s, "mois")

	c.advance(25 * time.Hour)
	s.RecordRunSuccess(ctx, "mois", 100)

	since := c.t.Add(-24 * time.Hour).UnixMilli()
	flagged, err := s.FlagSilent(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(flagged) != 1 || flagged[0] != "moef" {
		t.Fatalf("flagged: %v", flagged)
	}
	h, _ := s.GetHealth(ctx, "moef", ComponentCrawler)
	if h.Status != StatusWarning {
		t.Fatalf("moef: %s", h.Status)
	}
	if h.LastError != SilentMessage(since) {
		t.Fatalf("moef message: got %q, want %q", h.LastError, SilentMessage(since))
	}
	h, _ = s.GetHealth(ctx, "mois", ComponentCrawler)
	if h.Status != StatusHealthy {
		t.Fatalf("mois: %s", h.Status)
	}
}

func TestFlagSilent_MessageFollowsWindow(t *testing.T) {
	// WHAT: The recorded message names the cutoff actually used, not a fixed 24h.
	s, c := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, s, "bai")
	c.advance(7 * time.Hour)

	since := c.t.Add(-6 * time.Hour).UnixMilli()
	if _, err := s.FlagSilent(ctx, since); err != nil {
		t.Fatal(err)
	}
	h, _ := s.GetHealth(ctx, "bai", ComponentCrawler)
	want := "no successful crawl since " + time.UnixMilli(since).UTC().Format(time.RFC3339)
	if h.Status != StatusWarning || h.LastError != want {
		t.Fatalf("health: status %s message %q, want %q", h.Status, h.LastError, want)
	}
	if strings.Contains(h.LastError, "24h") {
		t.Fatalf("message still names 24h: %q", h.LastError)
	}
}

func TestMarkOffline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, s, "bai")
	if err := s.SetEnabled(ctx, "bai", false); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOffline(ctx); err != nil {
		t.Fatal(err)
	}
	h, _ := s.GetHealth(ctx, "bai", ComponentCrawler)
	if h.Status != StatusOffline {
		t.Fatalf("status: %s", h.Status)
	}
	if err := s.SetEnabled(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing source: %v", err)
	}
}

func TestUpsertSchedule_KeepsCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, s, src)
	s.RecordRunFailure(ctx, src, "boom", 3)

	err := s.UpsertSchedule(ctx, &Schedule{SourceKey: src, KeyField: kf, CronExpr: "0 0 * * *",
		Timezone: "UTC", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	sc, _ := s.GetSchedule(ctx, src)
	if sc.CronExpr != "0 0 * * *" || sc.FailureCount != 1 {
		t.Fatalf("schedule: %+v", sc)
	}

	created, err := s.InsertScheduleIfAbsent(ctx, &Schedule{SourceKey: src, KeyField: kf, CronExpr: "1 1 * * *"})
	if err != nil || created {
		t.Fatalf("insert if absent: created=%v err=%v", created, err)
	}
}

func TestExecutions(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	e := &Execution{ExecutionType: "single", TriggerSource: "manual", SourceKeys: []string{"moef"}}
	if err := s.BeginExecution(ctx, e); err != nil {
		t.Fatal(err)
	}
	c.advance(3 * time.Second)
	e.Status = ExecSuccess
	e.SuccessSources = 1
	e.TotalNew = 4
	if err := s.FinishExecution(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishExecution(ctx, e); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closing twice: %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DurationMs != 3000 || got.Status != ExecSuccess || got.TotalNew != 4 {
		t.Fatalf("execution: %+v", got)
	}

	list, _ := s.ListExecutions(ctx, ExecutionFilter{SourceKey: "moef", Hours: 1})
	if len(list) != 1 {
		t.Fatalf("by source: got %d", len(list))
	}
	list, _ = s.ListExecutions(ctx, ExecutionFilter{SourceKey: "mois"})
	if len(list) != 0 {
		t.Fatalf("other source: got %d", len(list))
	}
}

func TestNewDataLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entries := []*NewDataEntry{
		{ExecutionID: "e1", SourceKey: src, DataID: "A", Title: "a"},
		{ExecutionID: "e1", SourceKey: src, DataID: "B", Title: "b"},
	}
	n, err := s.InsertNewData(ctx, entries)
	if err != nil || n != 2 {
		t.Fatalf("insert: n=%d err=%v", n, err)
	}
	n, _ = s.InsertNewData(ctx, []*NewDataEntry{{ExecutionID: "e2", SourceKey: src, DataID: "A"}})
	if n != 0 {
		t.Fatalf("duplicate data id inserted: %d", n)
	}

	if err := s.MarkNewDataNotified(ctx, src, "e1"); err != nil {
		t.Fatal(err)
	}
	recent, _ := s.RecentNewData(ctx, "", 24, 10)
	if len(recent) != 2 || !recent[0].NotificationSent {
		t.Fatalf("recent: %+v", recent)
	}
}

func TestNotifications_ReadAndCount(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	a := &Notification{SourceKey: src, Type: TypeNewData, Title: "a"}
	b := &Notification{SourceKey: src, Type: TypeError, Title: "b"}
	s.InsertNotification(ctx, a)
	c.advance(time.Second)
	s.InsertNotification(ctx, b)

	status, err := s.UpdateDelivery(ctx, a.ID, []string{"webhook", "email"}, []string{"webhook"})
	if err != nil || status != NotifSent {
		t.Fatalf("delivery: %s %v", status, err)
	}
	status, _ = s.UpdateDelivery(ctx, b.ID, []string{"email"}, nil)
	if status != NotifFailed {
		t.Fatalf("delivery: %s", status)
	}

	if n, _ := s.UnreadCount(ctx); n != 2 {
		t.Fatalf("unread: %d", n)
	}
	if err := s.MarkRead(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	unread, _ := s.ListNotifications(ctx, NotificationFilter{UnreadOnly: true})
	if len(unread) != 1 || unread[0].ID != b.ID {
		t.Fatalf("unread list: %+v", unread)
	}
	if n, _ := s.MarkAllRead(ctx); n != 1 {
		t.Fatalf("mark all: %d", n)
	}
	if n, _ := s.CountNotificationsSince(ctx, src, TypeError, 0); n != 1 {
		t.Fatalf("errors: %d", n)
	}
	got, _ := s.GetNotification(ctx, a.ID)
	if len(got.ChannelsSucceeded) != 1 || got.ChannelsSucceeded[0] != "webhook" {
		t.Fatalf("channels: %+v", got)
	}
}

func TestCleanup(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	old := &Notification{Type: TypeSystem, Title: "old"}
	s.InsertNotification(ctx, old)
	s.MarkRead(ctx, old.ID)
	s.InsertNewData(ctx, []*NewDataEntry{{SourceKey: src, DataID: "A"}})
	e := &Execution{ExecutionType: "single", TriggerSource: "scheduled", SourceKeys: []string{src}}
	s.BeginExecution(ctx, e)
	e.Status = ExecSuccess
	s.FinishExecution(ctx, e)

	c.advance(91 * 24 * time.Hour)
	exp := c.t.Add(-time.Hour).UnixMilli()
	s.InsertNotification(ctx, &Notification{Type: TypeError, Title: "expired", ExpiresAt: &exp})
	keep := &Notification{Type: TypeNewData, Title: "fresh"}
	s.InsertNotification(ctx, keep)

	res, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.ReadNotifications != 1 || res.ExpiredNotifications != 1 || res.NewData != 1 || res.Executions != 1 {
		t.Fatalf("cleanup: %+v", res)
	}
	if _, err := s.GetNotification(ctx, keep.ID); err != nil {
		t.Fatalf("fresh notification removed: %v", err)
	}
}
