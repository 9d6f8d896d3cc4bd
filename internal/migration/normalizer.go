package migration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"livemon/internal/model"
)

// 字段默认值与长度上限。所有按字段的取默认/截断策略都集中在本文件，
// 下游组件拿到的候选记录永远是完整且带时区的。
const (
	anonymousUser = "匿名用户"
	unknownGift   = "未知礼物"

	maxUsernameLen  = 100
	maxMessageLen   = 500
	maxGiftNameLen  = 100
	maxMedalNameLen = 50

	previewLen = 64
)

// 拒绝原因。
const (
	ReasonBadEncoding  = "invalid encoding"
	ReasonBadJSON      = "invalid json"
	ReasonMissingField = "missing field"
	ReasonBadField     = "invalid field"
)

// ParseError 表示一条原始负载被规整器拒绝。
//
// 单条记录的拒绝永远是可恢复的：调用方计失败数并继续处理批次其余记录。
type ParseError struct {
	Reason  string // 拒绝原因
	Preview string // 原始负载截断预览
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%v): %s", e.Reason, e.Err, e.Preview)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Preview)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(reason string, raw []byte, err error) *ParseError {
	return &ParseError{
		Reason:  reason,
		Preview: truncateRunes(decodeText(raw), previewLen),
		Err:     err,
	}
}

// decodeText 把原始字节解码成字符串。
// 优先按 UTF-8 处理，非法字节序列用替换符容错，绝不报错。
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "�")
}

// truncateRunes 按码点截断字符串（静默，不报错）。
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// parseTimestamp 解析 epoch 秒（可以带小数），空值用 now 代替。
func parseTimestamp(ts json.Number, now time.Time) (time.Time, error) {
	if ts == "" {
		return now.UTC(), nil
	}
	f, err := ts.Float64()
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", ts, err)
	}
	if f <= 0 {
		return now.UTC(), nil
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), nil
}

// chatPayload 是缓存里一条弹幕的原始 JSON 形状。
// username/message 有两套历史键名（user/content），都要兼容。
type chatPayload struct {
	UID        int64       `json:"uid"`
	Username   string      `json:"username"`
	User       string      `json:"user"`
	Message    string      `json:"message"`
	Content    string      `json:"content"`
	Timestamp  json.Number `json:"timestamp"`
	MedalName  string      `json:"medal_name"`
	MedalLevel int         `json:"medal_level"`
	UserLevel  int         `json:"user_level"`
	IsAdmin    bool        `json:"is_admin"`
	IsVIP      bool        `json:"is_vip"`
}

// NormalizeChat 把一条原始弹幕负载转换成候选 ChatMessage。
//
// roomPK 是房间行的内部主键（调用方已完成房间解析）。
// now 是摄入时间，时间戳缺失时作为兜底。纯函数，无副作用。
func NormalizeChat(raw []byte, roomPK uint, now time.Time) (*model.ChatMessage, error) {
	text := decodeText(raw)

	var p chatPayload
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		if !utf8.Valid(raw) {
			return nil, newParseError(ReasonBadEncoding, raw, err)
		}
		return nil, newParseError(ReasonBadJSON, raw, err)
	}

	message := p.Message
	if message == "" {
		message = p.Content
	}
	if strings.TrimSpace(message) == "" {
		return nil, newParseError(ReasonMissingField, raw, fmt.Errorf("message is empty"))
	}

	username := p.Username
	if username == "" {
		username = p.User
	}
	if username == "" {
		username = anonymousUser
	}

	sendTime, err := parseTimestamp(p.Timestamp, now)
	if err != nil {
		return nil, newParseError(ReasonBadField, raw, err)
	}

	return &model.ChatMessage{
		RoomID:     roomPK,
		UID:        p.UID,
		Username:   truncateRunes(username, maxUsernameLen),
		Message:    truncateRunes(message, maxMessageLen),
		SendTime:   sendTime,
		MedalName:  truncateRunes(p.MedalName, maxMedalNameLen),
		MedalLevel: p.MedalLevel,
		UserLevel:  p.UserLevel,
		IsAdmin:    p.IsAdmin,
		IsVIP:      p.IsVIP,
	}, nil
}

// giftPayload 是缓存里一条礼物的原始 JSON 形状。
type giftPayload struct {
	UID        int64       `json:"uid"`
	Username   string      `json:"username"`
	GiftName   string      `json:"gift_name"`
	GiftID     int64       `json:"gift_id"`
	Num        int         `json:"num"`
	Price      json.Number `json:"price"`
	TotalPrice json.Number `json:"total_price"`
	Timestamp  json.Number `json:"timestamp"`
	MedalName  string      `json:"medal_name"`
	MedalLevel int         `json:"medal_level"`
}

// NormalizeGift 把一条原始礼物负载转换成候选 GiftEvent。
//
// 总价永远按 单价*数量 重新计算，上游给出的 total_price 不可信。
func NormalizeGift(raw []byte, roomPK uint, now time.Time) (*model.GiftEvent, error) {
	text := decodeText(raw)

	var p giftPayload
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		if !utf8.Valid(raw) {
			return nil, newParseError(ReasonBadEncoding, raw, err)
		}
		return nil, newParseError(ReasonBadJSON, raw, err)
	}

	username := p.Username
	if username == "" {
		username = anonymousUser
	}
	giftName := p.GiftName
	if giftName == "" {
		giftName = unknownGift
	}

	num := p.Num
	if num <= 0 {
		num = 1
	}

	price := decimal.Zero
	if p.Price != "" {
		parsed, err := decimal.NewFromString(p.Price.String())
		if err != nil {
			return nil, newParseError(ReasonBadField, raw, fmt.Errorf("price %q: %w", p.Price, err))
		}
		if parsed.IsNegative() {
			parsed = decimal.Zero
		}
		price = parsed
	}

	sendTime, err := parseTimestamp(p.Timestamp, now)
	if err != nil {
		return nil, newParseError(ReasonBadField, raw, err)
	}

	return &model.GiftEvent{
		RoomID:     roomPK,
		UID:        p.UID,
		Username:   truncateRunes(username, maxUsernameLen),
		GiftName:   truncateRunes(giftName, maxGiftNameLen),
		GiftID:     p.GiftID,
		Num:        num,
		Price:      price,
		TotalPrice: price.Mul(decimal.NewFromInt(int64(num))),
		SendTime:   sendTime,
		MedalName:  truncateRunes(p.MedalName, maxMedalNameLen),
		MedalLevel: p.MedalLevel,
	}, nil
}

// NormalizeRoomInfo 把房间信息哈希转换成候选 Room。
// 哈希字段全部可选：缺失的数字字段置为 -1，表示"未观测"，差异更新时跳过；
// 字段存在但解析失败按 0 处理（信息哈希由采集器维护，个别脏字段不应该让
// 整个房间同步失败）。
func NormalizeRoomInfo(roomID int64, info map[string]string) *model.Room {
	room := &model.Room{RoomID: roomID, Online: -1, LiveStatus: -1}
	room.Title = truncateRunes(info["title"], 200)
	room.Uname = truncateRunes(firstNonEmpty(info["uname"], info["username"]), maxUsernameLen)
	room.Face = truncateRunes(firstNonEmpty(info["face"], info["cover"]), 500)

	if _, ok := info["online"]; ok {
		room.Online = parseInt64(info["online"])
	} else if _, ok := info["popularity"]; ok {
		room.Online = parseInt64(info["popularity"])
	}
	if room.Online < -1 {
		room.Online = 0
	}

	if _, ok := info["live_status"]; ok {
		room.LiveStatus = 0
		status := int(parseInt64(info["live_status"]))
		if status >= model.LiveStatusOffline && status <= model.LiveStatusCycling {
			room.LiveStatus = status
		}
	}
	return room
}

// taskPayload 是缓存任务哈希里一条状态的原始 JSON 形状。
type taskPayload struct {
	Status       string      `json:"status"`
	RoomIDs      []int64     `json:"room_ids"`
	DanmakuCount int64       `json:"danmaku_count"`
	GiftCount    int64       `json:"gift_count"`
	ErrorCount   int64       `json:"error_count"`
	LastError    string      `json:"last_error"`
	StartedAt    json.Number `json:"started_at"`
	StoppedAt    json.Number `json:"stopped_at"`
}

// NormalizeTask 把一条任务状态 JSON 转换成候选 MonitoringTask。
//
// 房间号列表必须全为正整数，否则整条任务按坏记录拒绝（不中断任务类别同步）。
func NormalizeTask(name string, raw []byte) (*model.MonitoringTask, error) {
	if strings.TrimSpace(name) == "" {
		return nil, newParseError(ReasonMissingField, raw, fmt.Errorf("task name is empty"))
	}

	text := decodeText(raw)
	var p taskPayload
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		if !utf8.Valid(raw) {
			return nil, newParseError(ReasonBadEncoding, raw, err)
		}
		return nil, newParseError(ReasonBadJSON, raw, err)
	}

	for _, id := range p.RoomIDs {
		if id <= 0 {
			return nil, newParseError(ReasonBadField, raw, fmt.Errorf("room id %d is not positive", id))
		}
	}
	encoded, err := json.Marshal(p.RoomIDs)
	if err != nil {
		return nil, newParseError(ReasonBadField, raw, err)
	}

	status := p.Status
	if status == "" {
		status = model.TaskStatusStopped
	}

	task := &model.MonitoringTask{
		Name:         truncateRunes(name, 100),
		Status:       status,
		RoomIDs:      string(encoded),
		DanmakuCount: max64(p.DanmakuCount, 0),
		GiftCount:    max64(p.GiftCount, 0),
		ErrorCount:   max64(p.ErrorCount, 0),
		LastError:    p.LastError,
	}
	if t, err := parseOptionalTime(p.StartedAt); err == nil && t != nil {
		task.StartedAt = t
	}
	if t, err := parseOptionalTime(p.StoppedAt); err == nil && t != nil {
		task.StoppedAt = t
	}
	return task, nil
}

// parseOptionalTime 解析可选的 epoch 秒字段，空值返回 nil。
func parseOptionalTime(ts json.Number) (*time.Time, error) {
	if ts == "" {
		return nil, nil
	}
	f, err := ts.Float64()
	if err != nil || f <= 0 {
		return nil, err
	}
	t := time.Unix(int64(f), 0).UTC()
	return &t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
