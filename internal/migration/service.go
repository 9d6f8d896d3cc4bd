package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"livemon/internal/livecache"
	"livemon/internal/model"
	"livemon/internal/pkg/metrics"
	"livemon/internal/store"
)

// 缺省参数。清理只是容量上限，不会清空缓存列表。
const (
	DefaultBatchSize     = 100
	DefaultMaxAgeHours   = 24
	DefaultChatRetention = 1000
	DefaultGiftRetention = 500
)

// ServiceOptions 是 Service 的可调参数，零值走缺省。
type ServiceOptions struct {
	ChatRetention int64 // 清理后每房间保留的弹幕条数
	GiftRetention int64 // 清理后每房间保留的礼物条数
}

// Service 驱动缓存到持久库的整轮迁移。
// 单次调用是单线程同步过程，并发安全性由存储层的唯一键兜底保证。
type Service struct {
	cache *livecache.Client
	store *store.Store
	log   *slog.Logger

	chatRetention int64
	giftRetention int64
	now           func() time.Time
}

func NewService(cache *livecache.Client, st *store.Store, log *slog.Logger, opts ServiceOptions) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cache:         cache,
		store:         st,
		log:           log,
		chatRetention: opts.ChatRetention,
		giftRetention: opts.GiftRetention,
		now:           time.Now,
	}
	if s.chatRetention <= 0 {
		s.chatRetention = DefaultChatRetention
	}
	if s.giftRetention <= 0 {
		s.giftRetention = DefaultGiftRetention
	}
	return s
}

// RunOptions 描述一次迁移调用。
type RunOptions struct {
	Category    string // chat/gift/room/task/all，空值按 all
	RoomID      int64  // 大于 0 时只处理该房间
	BatchSize   int
	MaxAgeHours int
	Cleanup     bool // 运行零失败时把缓存列表裁到保留上限
	DryRun      bool // 只统计，不写库、不动缓存
}

// CategoryResult 是单个类别的汇总。
type CategoryResult struct {
	Category  string
	Total     int64
	Succeeded int64
	Failed    int64
	Errors    []string
}

// Report 是一次迁移调用的结构化结果。
type Report struct {
	Category  string
	Status    string
	DryRun    bool
	StartTime time.Time
	EndTime   time.Time
	Total     int64
	Succeeded int64
	Failed    int64
	Results   []CategoryResult
}

// Summary 生成按类别的计数摘要，写进审计行的错误信息字段。
func (r *Report) Summary() string {
	parts := make([]string, 0, len(r.Results))
	for _, cr := range r.Results {
		parts = append(parts, fmt.Sprintf("%s: %d/%d succeeded, %d failed",
			cr.Category, cr.Succeeded, cr.Total, cr.Failed))
	}
	return strings.Join(parts, "; ")
}

// expandCategories 把请求的类别展开成固定顺序的处理列表。
// 房间先行，弹幕/礼物的外键才有落点。
func expandCategories(category string) ([]string, error) {
	switch category {
	case "", model.CategoryAll:
		return []string{model.CategoryRoom, model.CategoryChat, model.CategoryGift, model.CategoryTask}, nil
	case model.CategoryRoom, model.CategoryChat, model.CategoryGift, model.CategoryTask:
		return []string{category}, nil
	default:
		return nil, fmt.Errorf("unknown category %q", category)
	}
}

// Run 执行一次完整迁移，返回结构化报告。
//
// 单条坏记录和弹幕/礼物的批量写失败都计入账目后继续；房间/任务的
// 存储层错误、缓存不可用和 ctx 取消按致命中断处理：返回非 nil error，
// 审计行按 failed 收尾。演练模式不落审计行，也不做任何写操作。
func (s *Service) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAgeHours <= 0 {
		opts.MaxAgeHours = DefaultMaxAgeHours
	}
	if opts.Category == "" {
		opts.Category = model.CategoryAll
	}
	categories, err := expandCategories(opts.Category)
	if err != nil {
		return nil, err
	}

	start := s.now()
	rooms, err := s.resolveRooms(ctx, opts.RoomID)
	if err != nil {
		return nil, fmt.Errorf("resolve rooms: %w", err)
	}
	cutoff := start.Add(-time.Duration(opts.MaxAgeHours) * time.Hour).UTC()

	var run *model.MigrationRun
	if !opts.DryRun {
		run, err = s.store.CreateRun(ctx, opts.Category)
		if err != nil {
			return nil, fmt.Errorf("create migration run: %w", err)
		}
	}

	report := &Report{
		Category:  opts.Category,
		DryRun:    opts.DryRun,
		StartTime: start,
	}

	s.reportPending(ctx, rooms, categories)

	var fatal error
	processed := make(map[string][]int64, 2) // category -> 清理目标房间
	for _, cat := range categories {
		var (
			tally    Tally
			touched  []int64
			catFatal error
		)
		switch cat {
		case model.CategoryRoom:
			tally, catFatal = s.migrateRooms(ctx, rooms, opts.DryRun)
		case model.CategoryChat:
			tally, touched, catFatal = s.migrateChat(ctx, rooms, opts, cutoff)
		case model.CategoryGift:
			tally, touched, catFatal = s.migrateGifts(ctx, rooms, opts, cutoff)
		case model.CategoryTask:
			tally, catFatal = s.migrateTasks(ctx, opts.DryRun)
		}
		report.Results = append(report.Results, CategoryResult{
			Category:  cat,
			Total:     tally.Total,
			Succeeded: tally.Succeeded,
			Failed:    tally.Failed,
			Errors:    tally.Errors,
		})
		report.Total += tally.Total
		report.Succeeded += tally.Succeeded
		report.Failed += tally.Failed
		if len(touched) > 0 {
			processed[cat] = touched
		}
		if catFatal != nil {
			fatal = fmt.Errorf("migrate %s: %w", cat, catFatal)
			break
		}
	}

	end := s.now()
	report.EndTime = end

	if fatal != nil {
		report.Status = model.RunStatusFailed
		s.finalize(ctx, run, report, fatal.Error())
		metrics.MigrationRunsTotal.WithLabelValues(model.RunStatusFailed).Inc()
		metrics.MigrationRunDuration.Observe(end.Sub(start).Seconds())
		s.log.Error("migration run failed",
			slog.String("category", opts.Category),
			slog.String("error", fatal.Error()))
		return report, fatal
	}

	if report.Failed == 0 {
		report.Status = model.RunStatusCompleted
	} else {
		report.Status = model.RunStatusPartial
	}
	s.finalize(ctx, run, report, report.Summary())
	metrics.MigrationRunsTotal.WithLabelValues(report.Status).Inc()
	metrics.MigrationRunDuration.Observe(end.Sub(start).Seconds())

	if opts.Cleanup && !opts.DryRun && report.Failed == 0 {
		s.cleanup(ctx, processed)
	}

	s.log.Info("migration run finished",
		slog.String("category", opts.Category),
		slog.String("status", report.Status),
		slog.Bool("dry_run", opts.DryRun),
		slog.Int64("total", report.Total),
		slog.Int64("succeeded", report.Succeeded),
		slog.Int64("failed", report.Failed),
		slog.Duration("elapsed", end.Sub(start)))
	return report, nil
}

// Stats 查询最近窗口内的迁移运行统计。
func (s *Service) Stats(ctx context.Context, window time.Duration) (*store.RunStats, error) {
	return s.store.QueryRunStats(ctx, window, 10)
}

// resolveRooms 解析目标房间集合：显式单房间，或缓存活跃集与库内已知集的并集。
func (s *Service) resolveRooms(ctx context.Context, roomID int64) ([]int64, error) {
	if roomID > 0 {
		return []int64{roomID}, nil
	}
	cached, err := s.cache.ActiveRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("active rooms: %w", err)
	}
	known, err := s.store.KnownRoomIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("known rooms: %w", err)
	}
	set := make(map[int64]struct{}, len(cached)+len(known))
	for _, id := range cached {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	for _, id := range known {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	rooms := make([]int64, 0, len(set))
	for id := range set {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}

// migrateRooms 同步房间元数据。
// 信息哈希缺失的房间只保证占位行存在；存在时按字段差异更新。
func (s *Service) migrateRooms(ctx context.Context, rooms []int64, dryRun bool) (Tally, error) {
	var tally Tally
	for _, id := range rooms {
		if err := ctx.Err(); err != nil {
			return tally, err
		}
		info, err := s.cache.RoomInfo(ctx, id)
		if err != nil {
			return tally, fmt.Errorf("room info %d: %w", id, err)
		}

		if dryRun {
			tally.Succeed()
			continue
		}

		// 房间 upsert 的存储层错误是致命的：这里失败说明库不可用，
		// 继续跑只会把后续类别的外键也拖垮。
		room, err := s.store.GetOrCreateRoom(ctx, id)
		if err != nil {
			return tally, fmt.Errorf("upsert room %d: %w", id, err)
		}
		if len(info) > 0 {
			fresh := NormalizeRoomInfo(id, info)
			if _, err := s.store.UpdateRoomFields(ctx, room, fresh); err != nil {
				return tally, fmt.Errorf("update room %d: %w", id, err)
			}
		}
		tally.Succeed()
		metrics.MigrationRecordsTotal.WithLabelValues(model.CategoryRoom, "migrated").Inc()
	}
	return tally, nil
}

// migrateChat 同步弹幕：逐房间取批、规整、过老化门限、交给批量写入器。
// 返回实际有缓存记录的房间列表，供清理阶段使用。
func (s *Service) migrateChat(ctx context.Context, rooms []int64, opts RunOptions, cutoff time.Time) (Tally, []int64, error) {
	writer := newRecordWriter(model.CategoryChat, opts.BatchSize, opts.DryRun,
		func(ctx context.Context, m model.ChatMessage) (bool, error) {
			return s.store.ChatExists(ctx, m.RoomID, m.UID, m.Message, m.SendTime)
		},
		s.store.InsertChatBatch,
	)

	var touched []int64
	var dropped int64
	for _, id := range rooms {
		raws, err := s.cache.FetchChat(ctx, id, int64(opts.BatchSize))
		if err != nil {
			return writer.Finish(ctx), touched, fmt.Errorf("fetch chat %d: %w", id, err)
		}
		if len(raws) == 0 {
			continue
		}
		touched = append(touched, id)

		roomPK, err := s.roomPK(ctx, id, opts.DryRun)
		if err != nil {
			return writer.Finish(ctx), touched, err
		}

		now := s.now()
		for _, raw := range raws {
			msg, err := NormalizeChat(raw, roomPK, now)
			if err != nil {
				writer.Reject(err)
				continue
			}
			// 老化判定严格晚于规整：坏时间戳先按解析失败计。
			if !msg.SendTime.After(cutoff) {
				dropped++
				continue
			}
			if err := writer.Add(ctx, *msg); err != nil {
				return writer.Finish(ctx), touched, err
			}
		}
	}
	if dropped > 0 {
		s.log.Debug("chat records dropped by age cutoff", slog.Int64("count", dropped))
	}
	return writer.Finish(ctx), touched, nil
}

// migrateGifts 同步礼物，流程与弹幕一致。
func (s *Service) migrateGifts(ctx context.Context, rooms []int64, opts RunOptions, cutoff time.Time) (Tally, []int64, error) {
	writer := newRecordWriter(model.CategoryGift, opts.BatchSize, opts.DryRun,
		func(ctx context.Context, g model.GiftEvent) (bool, error) {
			return s.store.GiftExists(ctx, g.RoomID, g.UID, g.GiftID, g.SendTime)
		},
		s.store.InsertGiftBatch,
	)

	var touched []int64
	var dropped int64
	for _, id := range rooms {
		raws, err := s.cache.FetchGifts(ctx, id, int64(opts.BatchSize))
		if err != nil {
			return writer.Finish(ctx), touched, fmt.Errorf("fetch gifts %d: %w", id, err)
		}
		if len(raws) == 0 {
			continue
		}
		touched = append(touched, id)

		roomPK, err := s.roomPK(ctx, id, opts.DryRun)
		if err != nil {
			return writer.Finish(ctx), touched, err
		}

		now := s.now()
		for _, raw := range raws {
			gift, err := NormalizeGift(raw, roomPK, now)
			if err != nil {
				writer.Reject(err)
				continue
			}
			if !gift.SendTime.After(cutoff) {
				dropped++
				continue
			}
			if err := writer.Add(ctx, *gift); err != nil {
				return writer.Finish(ctx), touched, err
			}
		}
	}
	if dropped > 0 {
		s.log.Debug("gift records dropped by age cutoff", slog.Int64("count", dropped))
	}
	return writer.Finish(ctx), touched, nil
}

// migrateTasks 同步监控任务状态，按任务名幂等更新。
func (s *Service) migrateTasks(ctx context.Context, dryRun bool) (Tally, error) {
	var tally Tally
	tasks, err := s.cache.Tasks(ctx)
	if err != nil {
		return tally, fmt.Errorf("fetch tasks: %w", err)
	}

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return tally, err
		}
		task, err := NormalizeTask(name, []byte(tasks[name]))
		if err != nil {
			tally.Fail(err)
			metrics.MigrationRecordsTotal.WithLabelValues(model.CategoryTask, "failed").Inc()
			continue
		}
		if dryRun {
			tally.Succeed()
			continue
		}
		// 解析失败按单条坏记录计，存储层 upsert 失败则终止整轮。
		if err := s.store.UpsertTask(ctx, task); err != nil {
			return tally, fmt.Errorf("upsert task %s: %w", name, err)
		}
		tally.Succeed()
		metrics.MigrationRecordsTotal.WithLabelValues(model.CategoryTask, "migrated").Inc()
	}
	return tally, nil
}

// roomPK 取房间行主键。演练模式只查不建，未知房间用 0 占位。
func (s *Service) roomPK(ctx context.Context, roomID int64, dryRun bool) (uint, error) {
	if dryRun {
		room, found, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, nil
		}
		return room.ID, nil
	}
	room, err := s.store.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return room.ID, nil
}

// finalize 把报告写回审计行。演练模式 run 为 nil，直接跳过。
func (s *Service) finalize(ctx context.Context, run *model.MigrationRun, report *Report, errMsg string) {
	if run == nil {
		return
	}
	err := s.store.FinalizeRun(ctx, run, report.Status, report.Total, report.Succeeded, report.Failed, errMsg)
	if err != nil {
		s.log.Error("finalize migration run",
			slog.Uint64("run_id", uint64(run.ID)),
			slog.String("error", err.Error()))
	}
}

// cleanup 把处理过的缓存列表裁剪到保留上限。只在零失败的非演练运行后执行。
func (s *Service) cleanup(ctx context.Context, processed map[string][]int64) {
	for _, id := range processed[model.CategoryChat] {
		if err := s.cache.TrimChat(ctx, id, s.chatRetention); err != nil {
			s.log.Warn("trim chat cache",
				slog.Int64("room_id", id),
				slog.String("error", err.Error()))
		}
	}
	for _, id := range processed[model.CategoryGift] {
		if err := s.cache.TrimGifts(ctx, id, s.giftRetention); err != nil {
			s.log.Warn("trim gift cache",
				slog.Int64("room_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// reportPending 把待迁移积压量写进监控仪表，失败忽略。
func (s *Service) reportPending(ctx context.Context, rooms []int64, categories []string) {
	var wantChat, wantGift bool
	for _, c := range categories {
		switch c {
		case model.CategoryChat:
			wantChat = true
		case model.CategoryGift:
			wantGift = true
		}
	}
	var chatTotal, giftTotal int64
	for _, id := range rooms {
		if wantChat {
			if n, err := s.cache.PendingChat(ctx, id); err == nil {
				chatTotal += n
			}
		}
		if wantGift {
			if n, err := s.cache.PendingGifts(ctx, id); err == nil {
				giftTotal += n
			}
		}
	}
	if wantChat {
		metrics.CachePendingRecords.WithLabelValues(model.CategoryChat).Set(float64(chatTotal))
	}
	if wantGift {
		metrics.CachePendingRecords.WithLabelValues(model.CategoryGift).Set(float64(giftTotal))
	}
}
