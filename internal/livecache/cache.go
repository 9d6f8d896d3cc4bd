package livecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis 键名模式，与采集器约定一致。
const (
	KeyActiveRooms = "monitor:active_rooms" // 活跃房间集合
	KeyTasks       = "monitor:tasks"        // 任务状态哈希 (name -> JSON)
)

// 类别对应的列表键后缀。
const (
	suffixChat = "danmaku"
	suffixGift = "gifts"
)

var ErrNotInitialized = errors.New("redis client is not initialized")

// ChatKey 返回房间弹幕列表的键名。
func ChatKey(roomID int64) string {
	return fmt.Sprintf("room:%d:%s", roomID, suffixChat)
}

// GiftKey 返回房间礼物列表的键名。
func GiftKey(roomID int64) string {
	return fmt.Sprintf("room:%d:%s", roomID, suffixGift)
}

// InfoKey 返回房间信息哈希的键名。
func InfoKey(roomID int64) string {
	return fmt.Sprintf("room:%d:info", roomID)
}

// Client 封装迁移管道对临时事件存储的读写操作。
//
// 读侧: 每房间的弹幕/礼物列表（LPUSH 写入，所以 LRANGE 自头部读出即最新优先）、
// 房间信息哈希、活跃房间集合、任务状态哈希。
// 写侧: 仅用于采集器边界和迁移后的保留裁剪（LTRIM，是容量上限而非清空）。
type Client struct {
	rdb *redis.Client
}

// NewClient 以地址/密码创建缓存客户端。
func NewClient(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewClientWithRedis 从已有的 redis.Client 创建缓存客户端。
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// Ping 探测连接。
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return ErrNotInitialized
	}
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// PendingChat 返回房间待迁移的弹幕条数。
func (c *Client) PendingChat(ctx context.Context, roomID int64) (int64, error) {
	return c.llen(ctx, ChatKey(roomID))
}

// PendingGifts 返回房间待迁移的礼物条数。
func (c *Client) PendingGifts(ctx context.Context, roomID int64) (int64, error) {
	return c.llen(ctx, GiftKey(roomID))
}

func (c *Client) llen(ctx context.Context, key string) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, ErrNotInitialized
	}
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// FetchChat 读取房间最新的 limit 条弹幕原始负载（最新优先）。
// limit <= 0 时读取整个列表。
func (c *Client) FetchChat(ctx context.Context, roomID int64, limit int64) ([][]byte, error) {
	return c.fetchList(ctx, ChatKey(roomID), limit)
}

// FetchGifts 读取房间最新的 limit 条礼物原始负载（最新优先）。
func (c *Client) FetchGifts(ctx context.Context, roomID int64, limit int64) ([][]byte, error) {
	return c.fetchList(ctx, GiftKey(roomID), limit)
}

func (c *Client) fetchList(ctx context.Context, key string, limit int64) ([][]byte, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrNotInitialized
	}
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raw, err := c.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([][]byte, len(raw))
	for i, s := range raw {
		out[i] = []byte(s)
	}
	return out, nil
}

// RoomInfo 读取房间信息哈希，键不存在时返回空 map。
func (c *Client) RoomInfo(ctx context.Context, roomID int64) (map[string]string, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrNotInitialized
	}
	info, err := c.rdb.HGetAll(ctx, InfoKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall room info: %w", err)
	}
	return info, nil
}

// ActiveRooms 返回缓存中有近期活动的房间号集合。
//
// 结果是活跃房间集合与实际存在弹幕/礼物列表键的房间的并集：
// 采集器崩溃时集合可能缺失条目，而数据列表仍在，这些房间同样需要迁移。
func (c *Client) ActiveRooms(ctx context.Context) ([]int64, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrNotInitialized
	}

	seen := make(map[int64]struct{})

	members, err := c.rdb.SMembers(ctx, KeyActiveRooms).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers active rooms: %w", err)
	}
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil && id > 0 {
			seen[id] = struct{}{}
		}
	}

	for _, suffix := range []string{suffixChat, suffixGift} {
		ids, err := c.scanRoomKeys(ctx, suffix)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// scanRoomKeys 用 SCAN 遍历 room:*:<suffix> 键并解析房间号。
func (c *Client) scanRoomKeys(ctx context.Context, suffix string) ([]int64, error) {
	var (
		ids    []int64
		cursor uint64
	)
	pattern := "room:*:" + suffix
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) != 3 {
				continue
			}
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

// Tasks 读取任务状态哈希 (任务名 -> 原始 JSON)。
func (c *Client) Tasks(ctx context.Context) (map[string]string, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrNotInitialized
	}
	tasks, err := c.rdb.HGetAll(ctx, KeyTasks).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall tasks: %w", err)
	}
	return tasks, nil
}

// TrimChat 把房间弹幕列表裁剪到最新 keep 条。
func (c *Client) TrimChat(ctx context.Context, roomID int64, keep int64) error {
	return c.trim(ctx, ChatKey(roomID), keep)
}

// TrimGifts 把房间礼物列表裁剪到最新 keep 条。
func (c *Client) TrimGifts(ctx context.Context, roomID int64, keep int64) error {
	return c.trim(ctx, GiftKey(roomID), keep)
}

func (c *Client) trim(ctx context.Context, key string, keep int64) error {
	if c == nil || c.rdb == nil {
		return ErrNotInitialized
	}
	if keep <= 0 {
		return nil
	}
	if err := c.rdb.LTrim(ctx, key, 0, keep-1).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

// PushChat 写入一条弹幕原始负载并把房间登记为活跃（采集器边界）。
func (c *Client) PushChat(ctx context.Context, roomID int64, payload []byte) error {
	return c.push(ctx, ChatKey(roomID), roomID, payload)
}

// PushGift 写入一条礼物原始负载并把房间登记为活跃。
func (c *Client) PushGift(ctx context.Context, roomID int64, payload []byte) error {
	return c.push(ctx, GiftKey(roomID), roomID, payload)
}

func (c *Client) push(ctx context.Context, key string, roomID int64, payload []byte) error {
	if c == nil || c.rdb == nil {
		return ErrNotInitialized
	}
	if err := c.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	if err := c.rdb.SAdd(ctx, KeyActiveRooms, roomID).Err(); err != nil {
		return fmt.Errorf("sadd active room: %w", err)
	}
	return nil
}

// SaveRoomInfo 保存房间信息哈希并把房间登记为活跃。
func (c *Client) SaveRoomInfo(ctx context.Context, roomID int64, info map[string]string) error {
	if c == nil || c.rdb == nil {
		return ErrNotInitialized
	}
	if len(info) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(info))
	for k, v := range info {
		fields[k] = v
	}
	if err := c.rdb.HSet(ctx, InfoKey(roomID), fields).Err(); err != nil {
		return fmt.Errorf("hset room info: %w", err)
	}
	if err := c.rdb.SAdd(ctx, KeyActiveRooms, roomID).Err(); err != nil {
		return fmt.Errorf("sadd active room: %w", err)
	}
	return nil
}

// SaveTaskState 保存一条任务状态 (任务名 -> JSON)。
func (c *Client) SaveTaskState(ctx context.Context, name string, payload []byte) error {
	if c == nil || c.rdb == nil {
		return ErrNotInitialized
	}
	if name == "" {
		return errors.New("task name is empty")
	}
	if err := c.rdb.HSet(ctx, KeyTasks, name, payload).Err(); err != nil {
		return fmt.Errorf("hset task state: %w", err)
	}
	return nil
}
