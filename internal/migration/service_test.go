package migration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"livemon/internal/config"
	"livemon/internal/livecache"
	"livemon/internal/model"
	"livemon/internal/store"
)

var fixedNow = time.Unix(100000, 0).UTC()

func newTestService(t *testing.T, opts ServiceOptions) (*Service, *livecache.Client, *store.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := livecache.NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("create cache client: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	st, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(cache, st, logger, opts)
	svc.now = func() time.Time { return fixedNow }
	return svc, cache, st
}

func chatRows(t *testing.T, st *store.Store) []model.ChatMessage {
	t.Helper()
	var rows []model.ChatMessage
	if err := st.DB().Find(&rows).Error; err != nil {
		t.Fatalf("list chat rows: %v", err)
	}
	return rows
}

func migrationRuns(t *testing.T, st *store.Store) []model.MigrationRun {
	t.Helper()
	var runs []model.MigrationRun
	if err := st.DB().Find(&runs).Error; err != nil {
		t.Fatalf("list migration runs: %v", err)
	}
	return runs
}

func TestRun_ChatPartialScenario(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	// 一条正常记录，一条坏字节记录
	if err := cache.PushChat(ctx, 555, []byte(`{"username":"alice","message":"hi","uid":1,"timestamp":99000}`)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}
	if err := cache.PushChat(ctx, 555, []byte{0xff, 0xfe, 'n', 'o', 't', 'j', 's', 'o', 'n'}); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{Category: model.CategoryChat, RoomID: 555, BatchSize: 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != model.RunStatusPartial {
		t.Fatalf("expected partial status, got %q", report.Status)
	}
	if report.Total != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rows := chatRows(t, st)
	if len(rows) != 1 {
		t.Fatalf("expected 1 chat row, got %d", len(rows))
	}
	if rows[0].Username != "alice" || rows[0].Message != "hi" || rows[0].UID != 1 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}

	// 从未出现信息哈希的房间也要有占位行，外键才有落点
	room, found, err := st.GetRoom(ctx, 555)
	if err != nil || !found {
		t.Fatalf("expected placeholder room: %v found=%v", err, found)
	}
	if room.Title != "房间 555" || room.Uname != "未知主播" {
		t.Fatalf("unexpected placeholder room: %+v", room)
	}

	runs := migrationRuns(t, st)
	if len(runs) != 1 {
		t.Fatalf("expected 1 migration run, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != model.RunStatusPartial || run.TotalRecords != 2 ||
		run.SuccessRecords != 1 || run.FailedRecords != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.EndTime == nil {
		t.Fatalf("expected run to be finalized")
	}
	if run.SuccessRecords+run.FailedRecords > run.TotalRecords {
		t.Fatalf("accounting invariant violated: %+v", run)
	}
}

func TestRun_Idempotent(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	if err := cache.PushChat(ctx, 555, []byte(`{"username":"alice","message":"hi","uid":1,"timestamp":99000}`)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}

	opts := RunOptions{Category: model.CategoryChat, RoomID: 555, BatchSize: 10}
	for i := 0; i < 2; i++ {
		report, err := svc.Run(ctx, opts)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if report.Status != model.RunStatusCompleted || report.Succeeded != 1 {
			t.Fatalf("run %d: unexpected report %+v", i, report)
		}
	}

	if rows := chatRows(t, st); len(rows) != 1 {
		t.Fatalf("expected exactly 1 row after repeated runs, got %d", len(rows))
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	if err := cache.PushChat(ctx, 555, []byte(`{"username":"alice","message":"hi","uid":1,"timestamp":99000}`)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{
		Category: model.CategoryChat, RoomID: 555, BatchSize: 10,
		DryRun: true, Cleanup: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.DryRun || report.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if rows := chatRows(t, st); len(rows) != 0 {
		t.Fatalf("dry run must not write chat rows, got %d", len(rows))
	}
	if runs := migrationRuns(t, st); len(runs) != 0 {
		t.Fatalf("dry run must not write an audit row, got %d", len(runs))
	}
	var roomCount int64
	if err := st.DB().Model(&model.Room{}).Count(&roomCount).Error; err != nil || roomCount != 0 {
		t.Fatalf("dry run must not create rooms: count=%d err=%v", roomCount, err)
	}
	if n, _ := cache.PendingChat(ctx, 555); n != 1 {
		t.Fatalf("dry run must not mutate the cache, pending=%d", n)
	}
}

func TestRun_AgeCutoffBoundary(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	cutoff := fixedNow.Add(-24 * time.Hour).Unix()
	// 落在门限线上的记录被排除，晚 1 秒的保留
	onTheLine := fmt.Sprintf(`{"uid":1,"message":"on the line","timestamp":%d}`, cutoff)
	justInside := fmt.Sprintf(`{"uid":2,"message":"just inside","timestamp":%d}`, cutoff+1)
	if err := cache.PushChat(ctx, 555, []byte(onTheLine)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}
	if err := cache.PushChat(ctx, 555, []byte(justInside)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{
		Category: model.CategoryChat, RoomID: 555, BatchSize: 10, MaxAgeHours: 24,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != model.RunStatusCompleted {
		t.Fatalf("expected completed, got %q", report.Status)
	}
	// 过老的记录既不算成功也不算失败
	if report.Total != 1 || report.Succeeded != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rows := chatRows(t, st)
	if len(rows) != 1 || rows[0].Message != "just inside" {
		t.Fatalf("expected only the in-window row, got %+v", rows)
	}
}

func TestRun_CleanupTrimsToRetention(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{ChatRetention: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"uid":1,"message":"msg-%d","timestamp":99000}`, i)
		if err := cache.PushChat(ctx, 555, []byte(payload)); err != nil {
			t.Fatalf("PushChat failed: %v", err)
		}
	}

	report, err := svc.Run(ctx, RunOptions{
		Category: model.CategoryChat, RoomID: 555, BatchSize: 10, Cleanup: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != model.RunStatusCompleted || report.Succeeded != 5 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if rows := chatRows(t, st); len(rows) != 5 {
		t.Fatalf("expected 5 rows migrated, got %d", len(rows))
	}
	// 清理是容量上限: 裁到保留条数，不是清空
	if n, _ := cache.PendingChat(ctx, 555); n != 2 {
		t.Fatalf("expected cache trimmed to 2, got %d", n)
	}
}

func TestRun_CleanupSkippedOnFailures(t *testing.T) {
	svc, cache, _ := newTestService(t, ServiceOptions{ChatRetention: 1})
	ctx := context.Background()

	if err := cache.PushChat(ctx, 555, []byte(`{"uid":1,"message":"ok","timestamp":99000}`)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}
	if err := cache.PushChat(ctx, 555, []byte(`not json`)); err != nil {
		t.Fatalf("PushChat failed: %v", err)
	}

	if _, err := svc.Run(ctx, RunOptions{
		Category: model.CategoryChat, RoomID: 555, BatchSize: 10, Cleanup: true,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 有失败的运行不做清理
	if n, _ := cache.PendingChat(ctx, 555); n != 2 {
		t.Fatalf("expected cache untouched after failures, got %d", n)
	}
}

func TestRun_GiftNaturalKeyDedup(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	// 同 (uid, gift_id, send_time) 不同数量: 第二条按重复抑制
	if err := cache.PushGift(ctx, 700, []byte(`{"uid":9,"gift_name":"辣条","gift_id":1,"num":1,"price":"0.1","timestamp":99000}`)); err != nil {
		t.Fatalf("PushGift failed: %v", err)
	}
	if err := cache.PushGift(ctx, 700, []byte(`{"uid":9,"gift_name":"辣条","gift_id":1,"num":99,"price":"0.1","timestamp":99000}`)); err != nil {
		t.Fatalf("PushGift failed: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{Category: model.CategoryGift, RoomID: 700, BatchSize: 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != model.RunStatusCompleted || report.Succeeded != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var gifts []model.GiftEvent
	if err := st.DB().Find(&gifts).Error; err != nil {
		t.Fatalf("list gifts: %v", err)
	}
	if len(gifts) != 1 {
		t.Fatalf("expected 1 gift row, got %d", len(gifts))
	}
}

func TestRun_TaskCategory(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	if err := cache.SaveTaskState(ctx, "夜间巡房", []byte(`{"status":"running","room_ids":[100,200],"danmaku_count":12}`)); err != nil {
		t.Fatalf("SaveTaskState failed: %v", err)
	}
	if err := cache.SaveTaskState(ctx, "坏任务", []byte(`{"room_ids":[-1]}`)); err != nil {
		t.Fatalf("SaveTaskState failed: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{Category: model.CategoryTask})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != model.RunStatusPartial || report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var tasks []model.MonitoringTask
	if err := st.DB().Find(&tasks).Error; err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "夜间巡房" || tasks[0].Status != "running" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestRun_TaskStoreErrorIsFatal(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	if err := cache.SaveTaskState(ctx, "夜间巡房", []byte(`{"status":"running","room_ids":[100]}`)); err != nil {
		t.Fatalf("SaveTaskState failed: %v", err)
	}
	// 模拟库中途不可用：任务表没了，upsert 必然报存储层错误
	if err := st.DB().Exec("DROP TABLE monitoring_tasks").Error; err != nil {
		t.Fatalf("drop table: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{Category: model.CategoryTask})
	if err == nil {
		t.Fatalf("expected fatal error from task upsert failure")
	}
	if report == nil || report.Status != model.RunStatusFailed {
		t.Fatalf("expected failed status, got %+v", report)
	}

	runs := migrationRuns(t, st)
	if len(runs) != 1 || runs[0].Status != model.RunStatusFailed {
		t.Fatalf("expected one failed audit row, got %+v", runs)
	}
	if runs[0].ErrorMessage == "" {
		t.Fatalf("expected error message captured on audit row")
	}
}

func TestRun_RoomStoreErrorIsFatal(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	if err := cache.SaveRoomInfo(ctx, 555, map[string]string{"title": "深夜电台"}); err != nil {
		t.Fatalf("SaveRoomInfo failed: %v", err)
	}
	if err := st.DB().Exec("DROP TABLE rooms").Error; err != nil {
		t.Fatalf("drop table: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{Category: model.CategoryRoom, RoomID: 555})
	if err == nil {
		t.Fatalf("expected fatal error from room upsert failure")
	}
	if report == nil || report.Status != model.RunStatusFailed {
		t.Fatalf("expected failed status, got %+v", report)
	}
	runs := migrationRuns(t, st)
	if len(runs) != 1 || runs[0].Status != model.RunStatusFailed {
		t.Fatalf("expected one failed audit row, got %+v", runs)
	}
}

func TestRun_RoomCategorySyncsInfo(t *testing.T) {
	svc, cache, st := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	info := map[string]string{"title": "深夜电台", "uname": "主播乙", "online": "42", "live_status": "1"}
	if err := cache.SaveRoomInfo(ctx, 555, info); err != nil {
		t.Fatalf("SaveRoomInfo failed: %v", err)
	}

	report, err := svc.Run(ctx, RunOptions{Category: model.CategoryRoom})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != model.RunStatusCompleted || report.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	room, found, err := st.GetRoom(ctx, 555)
	if err != nil || !found {
		t.Fatalf("expected room row: %v found=%v", err, found)
	}
	if room.Title != "深夜电台" || room.Uname != "主播乙" || room.Online != 42 || room.LiveStatus != 1 {
		t.Fatalf("room info not synced: %+v", room)
	}
}

func TestRun_EmptyCacheCompletes(t *testing.T) {
	svc, _, st := newTestService(t, ServiceOptions{})

	report, err := svc.Run(context.Background(), RunOptions{Category: model.CategoryAll})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != model.RunStatusCompleted || report.Total != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Results) != 4 {
		t.Fatalf("expected all four categories, got %d", len(report.Results))
	}

	runs := migrationRuns(t, st)
	if len(runs) != 1 || runs[0].Status != model.RunStatusCompleted {
		t.Fatalf("expected one completed run, got %+v", runs)
	}
}

func TestRun_UnknownCategory(t *testing.T) {
	svc, _, st := newTestService(t, ServiceOptions{})

	if _, err := svc.Run(context.Background(), RunOptions{Category: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown category")
	}
	if runs := migrationRuns(t, st); len(runs) != 0 {
		t.Fatalf("no audit row expected for a rejected invocation, got %d", len(runs))
	}
}
