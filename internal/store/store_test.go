package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"livemon/internal/config"
	"livemon/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return st
}

func TestGetOrCreateRoom_Placeholder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	room, err := st.GetOrCreateRoom(ctx, 555)
	if err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}
	if room.Title != "房间 555" || room.Uname != "未知主播" {
		t.Fatalf("expected placeholder fields, got %+v", room)
	}

	again, err := st.GetOrCreateRoom(ctx, 555)
	if err != nil {
		t.Fatalf("second GetOrCreateRoom failed: %v", err)
	}
	if again.ID != room.ID {
		t.Fatalf("expected same row, got id %d vs %d", again.ID, room.ID)
	}
}

func TestGetOrCreateRoom_InvalidID(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetOrCreateRoom(context.Background(), 0); err == nil {
		t.Fatalf("expected error for room id 0")
	}
}

func TestUpdateRoomFields_DiffOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	room, err := st.GetOrCreateRoom(ctx, 100)
	if err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}

	fresh := &model.Room{RoomID: 100, Title: "新标题", Uname: "主播甲", Online: 42, LiveStatus: 1}
	changed, err := st.UpdateRoomFields(ctx, room, fresh)
	if err != nil {
		t.Fatalf("UpdateRoomFields failed: %v", err)
	}
	if changed == 0 {
		t.Fatalf("expected changed fields")
	}

	got, found, err := st.GetRoom(ctx, 100)
	if err != nil || !found {
		t.Fatalf("GetRoom failed: %v found=%v", err, found)
	}
	if got.Title != "新标题" || got.Online != 42 || got.LiveStatus != 1 {
		t.Fatalf("fields not updated: %+v", got)
	}

	// 新观察值为空的文本字段不覆盖已有值
	changed, err = st.UpdateRoomFields(ctx, got, &model.Room{RoomID: 100, Online: 42, LiveStatus: 1})
	if err != nil {
		t.Fatalf("UpdateRoomFields failed: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected no changes, got %d", changed)
	}
	got, _, _ = st.GetRoom(ctx, 100)
	if got.Title != "新标题" {
		t.Fatalf("empty fresh title must not overwrite, got %q", got.Title)
	}

	// 负值表示未观测的数字字段，同样不覆盖已有值
	changed, err = st.UpdateRoomFields(ctx, got, &model.Room{RoomID: 100, Online: -1, LiveStatus: -1})
	if err != nil {
		t.Fatalf("UpdateRoomFields failed: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected no changes for unobserved numerics, got %d", changed)
	}
	got, _, _ = st.GetRoom(ctx, 100)
	if got.Online != 42 || got.LiveStatus != 1 {
		t.Fatalf("unobserved numerics must not overwrite, got %+v", got)
	}
}

func TestChatExistsAndInsertBatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	room, err := st.GetOrCreateRoom(ctx, 555)
	if err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}

	sendTime := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	msg := model.ChatMessage{RoomID: room.ID, UID: 1, Username: "alice", Message: "hi", SendTime: sendTime}

	dup, err := st.ChatExists(ctx, room.ID, 1, "hi", sendTime)
	if err != nil || dup {
		t.Fatalf("expected no duplicate before insert: dup=%v err=%v", dup, err)
	}

	inserted, err := st.InsertChatBatch(ctx, []model.ChatMessage{msg})
	if err != nil || inserted != 1 {
		t.Fatalf("expected 1 inserted, got %d err=%v", inserted, err)
	}

	dup, err = st.ChatExists(ctx, room.ID, 1, "hi", sendTime)
	if err != nil || !dup {
		t.Fatalf("expected duplicate after insert: dup=%v err=%v", dup, err)
	}
}

func TestInsertChatBatch_SkipsUniqueViolations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	room, _ := st.GetOrCreateRoom(ctx, 555)
	sendTime := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	old := model.ChatMessage{RoomID: room.ID, UID: 1, Username: "alice", Message: "hi", SendTime: sendTime}
	if _, err := st.InsertChatBatch(ctx, []model.ChatMessage{old}); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	// 批里混进一条撞唯一键的记录：只跳过它，其余正常落库
	fresh := model.ChatMessage{RoomID: room.ID, UID: 2, Username: "bob", Message: "yo", SendTime: sendTime}
	dupAgain := model.ChatMessage{RoomID: room.ID, UID: 1, Username: "alice", Message: "hi", SendTime: sendTime}
	inserted, err := st.InsertChatBatch(ctx, []model.ChatMessage{fresh, dupAgain})
	if err != nil {
		t.Fatalf("InsertChatBatch failed: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected 1 inserted (dup skipped), got %d", inserted)
	}

	var count int64
	if err := st.DB().Model(&model.ChatMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows total, got %d", count)
	}
}

func TestGiftExistsAndInsertBatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	room, _ := st.GetOrCreateRoom(ctx, 700)
	sendTime := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	gift := model.GiftEvent{RoomID: room.ID, UID: 9, GiftName: "辣条", GiftID: 1, Num: 3, SendTime: sendTime}

	inserted, err := st.InsertGiftBatch(ctx, []model.GiftEvent{gift})
	if err != nil || inserted != 1 {
		t.Fatalf("expected 1 inserted, got %d err=%v", inserted, err)
	}

	// 同自然键不同数量仍是重复
	dup, err := st.GiftExists(ctx, room.ID, 9, 1, sendTime)
	if err != nil || !dup {
		t.Fatalf("expected duplicate on natural key: dup=%v err=%v", dup, err)
	}
	gift.Num = 99
	inserted, err = st.InsertGiftBatch(ctx, []model.GiftEvent{gift})
	if err != nil || inserted != 0 {
		t.Fatalf("expected dup suppressed, got inserted=%d err=%v", inserted, err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{gorm.ErrDuplicatedKey, true},
		{errors.New("UNIQUE constraint failed: chat_messages.room_id"), true},
	}
	for _, c := range cases {
		if got := IsUniqueViolation(c.err); got != c.want {
			t.Fatalf("IsUniqueViolation(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestUpsertTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &model.MonitoringTask{Name: "夜间巡房", Status: "running", RoomIDs: "[100]", DanmakuCount: 5}
	if err := st.UpsertTask(ctx, task); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	update := &model.MonitoringTask{Name: "夜间巡房", Status: "stopped", RoomIDs: "[100,200]", DanmakuCount: 12}
	if err := st.UpsertTask(ctx, update); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	var tasks []model.MonitoringTask
	if err := st.DB().Find(&tasks).Error; err != nil {
		t.Fatalf("list tasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task row, got %d", len(tasks))
	}
	if tasks[0].Status != "stopped" || tasks[0].DanmakuCount != 12 {
		t.Fatalf("upsert did not update fields: %+v", tasks[0])
	}
}

func TestRunLifecycleAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.CategoryAll)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != model.RunStatusRunning {
		t.Fatalf("expected running status, got %q", run.Status)
	}

	if err := st.FinalizeRun(ctx, run, model.RunStatusPartial, 10, 8, 2, "chat: 8/10"); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if run.EndTime == nil || run.SuccessRecords != 8 {
		t.Fatalf("run struct not updated: %+v", run)
	}

	done, _ := st.CreateRun(ctx, model.CategoryChat)
	if err := st.FinalizeRun(ctx, done, model.RunStatusCompleted, 3, 3, 0, ""); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	stats, err := st.QueryRunStats(ctx, 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("QueryRunStats failed: %v", err)
	}
	if stats.TotalRuns != 2 || stats.Partial != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.RecentRuns) != 2 {
		t.Fatalf("expected 2 recent runs, got %d", len(stats.RecentRuns))
	}
}
