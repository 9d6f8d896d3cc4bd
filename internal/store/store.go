package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"livemon/internal/config"
	"livemon/internal/model"
)

// 占位房间的默认字段，与采集器缺失房间信息时的约定一致。
const (
	placeholderUname = "未知主播"
	placeholderTitle = "房间 %d"
)

// Store 是持久化存储的仓储层。
//
// 迁移管道只追加，从不修改或删除历史弹幕/礼物行；
// 去重正确性最终由各表的复合唯一索引兜底。
type Store struct {
	db *gorm.DB
}

// Open 按配置打开数据库连接并自动迁移表结构。
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql", "":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewStore(db)
}

// NewStore 基于已有连接创建仓储层并自动迁移表结构。
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is nil")
	}
	if err := db.AutoMigrate(
		&model.Room{},
		&model.ChatMessage{},
		&model.GiftEvent{},
		&model.MonitoringTask{},
		&model.MigrationRun{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB 暴露底层连接，仅供只读查询（统计 API）使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsUniqueViolation 判断 err 是否是唯一约束冲突。
//
// 批量写入只允许吞掉这一类错误，其余错误类别必须原样上抛。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	// modernc/mattn sqlite 驱动都只给字符串
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetOrCreateRoom 按房间号取房间行，不存在时创建占位行。
//
// 占位行保证即使房间信息哈希从未出现，弹幕/礼物的外键也能落地。
func (s *Store) GetOrCreateRoom(ctx context.Context, roomID int64) (*model.Room, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("invalid room id %d", roomID)
	}
	room := model.Room{RoomID: roomID}
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Attrs(model.Room{
			Title: fmt.Sprintf(placeholderTitle, roomID),
			Uname: placeholderUname,
		}).
		FirstOrCreate(&room).Error
	if err != nil {
		return nil, fmt.Errorf("get or create room %d: %w", roomID, err)
	}
	return &room, nil
}

// GetRoom 按房间号查房间行，不存在时返回 found=false（只读，不创建）。
func (s *Store) GetRoom(ctx context.Context, roomID int64) (*model.Room, bool, error) {
	var room model.Room
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get room %d: %w", roomID, err)
	}
	return &room, true, nil
}

// UpdateRoomFields 按字段比较现有房间行和新观察值，只更新发生变化的字段。
// 返回实际更新的字段数。
func (s *Store) UpdateRoomFields(ctx context.Context, room *model.Room, fresh *model.Room) (int, error) {
	if room == nil || fresh == nil {
		return 0, errors.New("room is nil")
	}

	updates := map[string]interface{}{}
	if fresh.Title != "" && fresh.Title != room.Title {
		updates["title"] = fresh.Title
	}
	if fresh.Uname != "" && fresh.Uname != room.Uname {
		updates["uname"] = fresh.Uname
	}
	if fresh.Face != "" && fresh.Face != room.Face {
		updates["face"] = fresh.Face
	}
	// 数字字段用负值表示来源里未观测到，与空字符串同样跳过。
	if fresh.Online >= 0 && fresh.Online != room.Online {
		updates["online"] = fresh.Online
	}
	if fresh.LiveStatus >= 0 && fresh.LiveStatus != room.LiveStatus {
		updates["live_status"] = fresh.LiveStatus
	}
	if len(updates) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).
		Model(&model.Room{}).
		Where("id = ?", room.ID).
		Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("update room %d: %w", room.RoomID, err)
	}
	return len(updates), nil
}

// KnownRoomIDs 返回持久化存储里已知的全部房间号。
func (s *Store) KnownRoomIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).
		Model(&model.Room{}).
		Pluck("room_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list known rooms: %w", err)
	}
	return ids, nil
}

// ChatExists 按自然键精确匹配检查弹幕是否已入库。
func (s *Store) ChatExists(ctx context.Context, roomPK uint, uid int64, message string, sendTime time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.ChatMessage{}).
		Where("room_id = ? AND uid = ? AND message = ? AND send_time = ?", roomPK, uid, message, sendTime).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("chat exists check: %w", err)
	}
	return count > 0, nil
}

// GiftExists 按自然键精确匹配检查礼物是否已入库。
func (s *Store) GiftExists(ctx context.Context, roomPK uint, uid int64, giftID int64, sendTime time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.GiftEvent{}).
		Where("room_id = ? AND uid = ? AND gift_id = ? AND send_time = ?", roomPK, uid, giftID, sendTime).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gift exists check: %w", err)
	}
	return count > 0, nil
}

// InsertChatBatch 在单个事务里批量写入弹幕，返回实际写入条数。
//
// 先尝试整批插入；命中唯一约束时退化为逐行插入，只跳过唯一冲突的行，
// 其他错误类别终止整批并上抛（整个事务回滚）。
func (s *Store) InsertChatBatch(ctx context.Context, records []model.ChatMessage) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bulk := make([]model.ChatMessage, len(records))
		copy(bulk, records)
		if err := tx.Create(&bulk).Error; err == nil {
			inserted = len(bulk)
			return nil
		} else if !IsUniqueViolation(err) {
			return fmt.Errorf("bulk insert chat: %w", err)
		}

		for i := range records {
			row := records[i]
			if err := tx.Create(&row).Error; err != nil {
				if IsUniqueViolation(err) {
					continue
				}
				return fmt.Errorf("insert chat row: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// InsertGiftBatch 在单个事务里批量写入礼物，语义与 InsertChatBatch 相同。
func (s *Store) InsertGiftBatch(ctx context.Context, records []model.GiftEvent) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bulk := make([]model.GiftEvent, len(records))
		copy(bulk, records)
		if err := tx.Create(&bulk).Error; err == nil {
			inserted = len(bulk)
			return nil
		} else if !IsUniqueViolation(err) {
			return fmt.Errorf("bulk insert gift: %w", err)
		}

		for i := range records {
			row := records[i]
			if err := tx.Create(&row).Error; err != nil {
				if IsUniqueViolation(err) {
					continue
				}
				return fmt.Errorf("insert gift row: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpsertTask 按任务名 upsert 监控任务状态。
func (s *Store) UpsertTask(ctx context.Context, task *model.MonitoringTask) error {
	if task == nil || task.Name == "" {
		return errors.New("task name is empty")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "room_ids", "danmaku_count", "gift_count",
			"error_count", "last_error", "started_at", "stopped_at",
		}),
	}).Create(task).Error
	if err != nil {
		return fmt.Errorf("upsert task %q: %w", task.Name, err)
	}
	return nil
}

// CreateRun 创建一条 running 状态的迁移审计行。
func (s *Store) CreateRun(ctx context.Context, category string) (*model.MigrationRun, error) {
	run := &model.MigrationRun{
		Category:  category,
		Status:    model.RunStatusRunning,
		StartTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("create migration run: %w", err)
	}
	return run, nil
}

// FinalizeRun 终结一条迁移审计行（恰好调用一次）。
func (s *Store) FinalizeRun(ctx context.Context, run *model.MigrationRun, status string, total, success, failed int64, errMsg string) error {
	if run == nil {
		return errors.New("migration run is nil")
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          status,
		"end_time":        now,
		"total_records":   total,
		"success_records": success,
		"failed_records":  failed,
		"error_message":   errMsg,
	}
	if err := s.db.WithContext(ctx).
		Model(&model.MigrationRun{}).
		Where("id = ?", run.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("finalize migration run: %w", err)
	}
	run.Status = status
	run.EndTime = &now
	run.TotalRecords = total
	run.SuccessRecords = success
	run.FailedRecords = failed
	run.ErrorMessage = errMsg
	return nil
}

// RunStats 是一段回溯窗口内迁移运行的汇总。
type RunStats struct {
	Window     time.Duration        `json:"-"`
	TotalRuns  int64                `json:"total_runs"`
	Completed  int64                `json:"completed"`
	Partial    int64                `json:"partial"`
	Failed     int64                `json:"failed"`
	Running    int64                `json:"running"`
	RecentRuns []model.MigrationRun `json:"recent_runs"`
}

// QueryRunStats 统计回溯窗口内各状态的运行次数和最近 limit 条运行摘要。
func (s *Store) QueryRunStats(ctx context.Context, window time.Duration, limit int) (*RunStats, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if limit <= 0 {
		limit = 10
	}
	since := time.Now().UTC().Add(-window)

	stats := &RunStats{Window: window}

	type statusCount struct {
		Status string
		N      int64
	}
	var counts []statusCount
	if err := s.db.WithContext(ctx).
		Model(&model.MigrationRun{}).
		Select("status, count(*) as n").
		Where("start_time >= ?", since).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	for _, c := range counts {
		stats.TotalRuns += c.N
		switch c.Status {
		case model.RunStatusCompleted:
			stats.Completed = c.N
		case model.RunStatusPartial:
			stats.Partial = c.N
		case model.RunStatusFailed:
			stats.Failed = c.N
		case model.RunStatusRunning:
			stats.Running = c.N
		}
	}

	if err := s.db.WithContext(ctx).
		Where("start_time >= ?", since).
		Order("start_time DESC").
		Limit(limit).
		Find(&stats.RecentRuns).Error; err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return stats, nil
}
