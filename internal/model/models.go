package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 直播状态。
const (
	LiveStatusOffline = 0 // 未开播
	LiveStatusLive    = 1 // 直播中
	LiveStatusCycling = 2 // 轮播
)

// Room 表示一个被监控的直播间。
//
// RoomID 是平台侧的房间号（全局唯一，创建后不可变）。
// 房间记录由迁移管道惰性创建：第一条引用该房间的事件出现时写入占位行，
// 之后观察到更新的房间信息时按字段更新。管道永远不会删除房间。
type Room struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	RoomID     int64  `gorm:"uniqueIndex;not null"` // 平台房间号
	Title      string `gorm:"type:varchar(200)"`    // 直播间标题
	Uname      string `gorm:"type:varchar(100)"`    // 主播用户名
	Face       string `gorm:"type:varchar(500)"`    // 主播头像 URL
	Online     int64  `gorm:"default:0"`            // 当前在线人数
	LiveStatus int    `gorm:"default:0"`            // 直播状态 (0:未开播 1:直播中 2:轮播)
}

// ChatMessage 表示一条弹幕。
//
// (room_id, uid, message, send_time) 四元组唯一，是去重的自然键。
// 记录只在迁移时创建一次，之后不再更新。
type ChatMessage struct {
	ID uint `gorm:"primaryKey"`

	RoomID     uint      `gorm:"not null;uniqueIndex:idx_chat_dedup;index:idx_chat_room_time"` // 所属房间（内部 ID）
	Room       Room      `gorm:"foreignKey:RoomID"`
	UID        int64     `gorm:"not null;uniqueIndex:idx_chat_dedup"`                          // 发送者用户 ID
	Username   string    `gorm:"type:varchar(100)"`                                            // 发送者用户名
	Message    string    `gorm:"type:varchar(500);not null;uniqueIndex:idx_chat_dedup"`        // 弹幕内容
	SendTime   time.Time `gorm:"not null;uniqueIndex:idx_chat_dedup;index:idx_chat_room_time"` // 发送时间（事件时间）
	MedalName  string    `gorm:"type:varchar(50)"` // 粉丝牌名称
	MedalLevel int       `gorm:"default:0"`        // 粉丝牌等级
	UserLevel  int       `gorm:"default:0"`        // 用户等级
	IsAdmin    bool      `gorm:"default:false"`    // 房管
	IsVIP      bool      `gorm:"default:false"`    // 老爷
	ReceivedAt time.Time `gorm:"autoCreateTime"`   // 入库时间
}

// GiftEvent 表示一次礼物投喂。
//
// (room_id, uid, gift_id, send_time) 四元组唯一。
// TotalPrice 在写入时重新计算（price * num），不信任上游给出的值。
type GiftEvent struct {
	ID uint `gorm:"primaryKey"`

	RoomID     uint            `gorm:"not null;uniqueIndex:idx_gift_dedup;index:idx_gift_room_time"` // 所属房间（内部 ID）
	Room       Room            `gorm:"foreignKey:RoomID"`
	UID        int64           `gorm:"not null;uniqueIndex:idx_gift_dedup"`                          // 发送者用户 ID
	Username   string          `gorm:"type:varchar(100)"`                                            // 发送者用户名
	GiftName   string          `gorm:"type:varchar(100)"`                                            // 礼物名称
	GiftID     int64           `gorm:"not null;uniqueIndex:idx_gift_dedup"`                          // 礼物 ID
	Num        int             `gorm:"default:1"`                                                    // 数量
	Price      decimal.Decimal `gorm:"type:decimal(10,2)"`                                           // 单价
	TotalPrice decimal.Decimal `gorm:"type:decimal(12,2)"`                                           // 总价 = 单价 * 数量
	SendTime   time.Time       `gorm:"not null;uniqueIndex:idx_gift_dedup;index:idx_gift_room_time"` // 发送时间
	MedalName  string          `gorm:"type:varchar(50)"` // 粉丝牌名称
	MedalLevel int             `gorm:"default:0"`        // 粉丝牌等级
	ReceivedAt time.Time       `gorm:"autoCreateTime"`   // 入库时间
}

// 监控任务状态。
const (
	TaskStatusStopped = "stopped"
	TaskStatusRunning = "running"
	TaskStatusPaused  = "paused"
	TaskStatusError   = "error"
)

// MonitoringTask 表示一次"监控一组房间"的声明。
//
// RoomIDs 以 JSON 列表序列化存储，反序列化后必须是正整数列表。
// 状态流转由外部采集器驱动，迁移管道只负责把缓存里观察到的任务状态同步进来。
type MonitoringTask struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name         string     `gorm:"type:varchar(100);uniqueIndex;not null"` // 任务名
	Status       string     `gorm:"type:varchar(20);default:stopped"`       // stopped / running / paused / error
	RoomIDs      string     `gorm:"type:varchar(1000)"`                     // 目标房间号列表 (JSON)
	DanmakuCount int64      `gorm:"default:0"`                              // 累计弹幕数
	GiftCount    int64      `gorm:"default:0"`                              // 累计礼物数
	ErrorCount   int64      `gorm:"default:0"`                              // 累计错误数
	LastError    string     `gorm:"type:text"`                              // 最近一次错误
	StartedAt    *time.Time // 开始时间
	StoppedAt    *time.Time // 结束时间
}

// DecodeRoomIDs 解析 RoomIDs 字段并校验每一项都是正整数。
func (t *MonitoringTask) DecodeRoomIDs() ([]int64, error) {
	if t.RoomIDs == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(t.RoomIDs), &ids); err != nil {
		return nil, fmt.Errorf("decode room ids: %w", err)
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("invalid room id %d in task %q", id, t.Name)
		}
	}
	return ids, nil
}

// 迁移类别与运行状态。
const (
	CategoryChat = "chat"
	CategoryGift = "gift"
	CategoryRoom = "room"
	CategoryTask = "task"
	CategoryAll  = "all"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

// MigrationRun 是一次迁移执行的审计日志。
//
// 每次编排器被调用（干跑除外）都会先写入一行 running 状态，
// 结束时恰好终结一次：
//   - completed: failed_records == 0
//   - partial:   部分成功部分失败
//   - failed:    顶层异常终止
//
// 不变式: success_records + failed_records <= total_records。
type MigrationRun struct {
	ID uint `gorm:"primaryKey"`

	Category       string     `gorm:"type:varchar(20);not null;index"`           // chat / gift / room / task / all
	Status         string     `gorm:"type:varchar(20);not null;default:running"` // running / completed / partial / failed
	StartTime      time.Time  `gorm:"not null;index"`                            // 开始时间
	EndTime        *time.Time // 结束时间
	TotalRecords   int64      `gorm:"default:0"` // 处理总数
	SuccessRecords int64      `gorm:"default:0"` // 成功数
	FailedRecords  int64      `gorm:"default:0"` // 失败数
	ErrorMessage   string     `gorm:"type:text"` // 错误详情 / 分类别计数摘要
}
