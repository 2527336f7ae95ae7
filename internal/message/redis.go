package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "chat:"

func seqKey(channelID string) string    { return channelPrefix + channelID + ":seq" }
func lastTSKey(channelID string) string { return channelPrefix + channelID + ":last_ts" }
func logKey(channelID string) string    { return channelPrefix + channelID + ":log" }
func msgKeyPrefix(channelID string) string {
	return channelPrefix + channelID + ":msg:"
}
func msgKey(channelID string, id int64) string {
	return msgKeyPrefix(channelID) + strconv.FormatInt(id, 10)
}

// RedisStore keeps each channel as a sorted set of ids plus one hash per
// message. Appends and read updates run as Lua scripts so ids, timestamps
// and read sets are changed atomically.
type RedisStore struct {
	rdb            *redis.Client
	appendScript   *redis.Script
	markReadScript *redis.Script
}

// NewRedisStore creates a new message store backed by Redis.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:            rdb,
		appendScript:   redis.NewScript(appendLua),
		markReadScript: redis.NewScript(markReadLua),
	}
}

func (s *RedisStore) Append(ctx context.Context, channelID, senderID, text string) (Message, error) {
	text, err := Normalize(text)
	if err != nil {
		return Message{}, err
	}

	keys := []string{seqKey(channelID), lastTSKey(channelID), logKey(channelID)}
	res, err := s.appendScript.Run(ctx, s.rdb, keys, msgKeyPrefix(channelID), text, senderID).Slice()
	if err != nil {
		return Message{}, fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return Message{}, fmt.Errorf("%w: append: unexpected reply %v", ErrStoreUnavailable, res)
	}

	id, ok := res[0].(int64)
	if !ok {
		return Message{}, fmt.Errorf("%w: append: bad id %v", ErrStoreUnavailable, res[0])
	}
	micros, err := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("%w: append: bad timestamp: %v", ErrStoreUnavailable, err)
	}

	return Message{
		ID:        id,
		Text:      text,
		SenderID:  senderID,
		CreatedAt: time.UnixMicro(micros).UTC(),
		ReadBy:    []string{senderID},
	}, nil
}

func (s *RedisStore) ListDescending(ctx context.Context, channelID string) ([]Message, error) {
	ids, err := s.rdb.ZRevRange(ctx, logKey(channelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, msgKeyPrefix(channelID)+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}

	msgs := make([]Message, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		m, err := decodeMessage(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
		}
		msgs = append(msgs, m)
	}
	SortDescending(msgs)
	return msgs, nil
}

func (s *RedisStore) MarkRead(ctx context.Context, channelID string, messageID int64, readerID string) error {
	return s.MarkReadBatch(ctx, channelID, []int64{messageID}, readerID)
}

func (s *RedisStore) MarkReadBatch(ctx context.Context, channelID string, messageIDs []int64, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = msgKey(channelID, id)
	}

	n, err := s.markReadScript.Run(ctx, s.rdb, keys, readerID).Int()
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStoreUnavailable, err)
	}
	if n < 0 {
		return ErrMessageNotFound
	}
	return nil
}

func decodeMessage(fields map[string]string) (Message, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("bad id %q", fields["id"])
	}
	micros, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("bad created_at %q", fields["created_at"])
	}
	var readBy []string
	if raw := fields["read_by"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &readBy); err != nil {
			return Message{}, fmt.Errorf("bad read_by: %w", err)
		}
	}
	return Message{
		ID:        id,
		Text:      fields["text"],
		SenderID:  fields["sender_id"],
		CreatedAt: time.UnixMicro(micros).UTC(),
		ReadBy:    readBy,
	}, nil
}

// appendLua assigns the next id, a server timestamp in microseconds that is
// strictly greater than the previous one for the channel, and stores the
// message hash with the sender as its first reader.
//
//	KEYS: seq, last_ts, log   ARGV: msg key prefix, text, sender
const appendLua = `
local id = redis.call('INCR', KEYS[1])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if now <= last then now = last + 1 end
local ts = string.format('%.0f', now)
redis.call('SET', KEYS[2], ts)

local key = ARGV[1] .. id
redis.call('HSET', key,
    'id', id,
    'text', ARGV[2],
    'sender_id', ARGV[3],
    'created_at', ts,
    'read_by', cjson.encode({ARGV[3]}))
redis.call('ZADD', KEYS[3], id, id)
return {id, ts}
`

// markReadLua adds ARGV[1] to the read set of every message key. Returns -1
// without writing anything if any key is missing, otherwise the number of
// messages that changed.
const markReadLua = `
for _, key in ipairs(KEYS) do
    if redis.call('EXISTS', key) == 0 then return -1 end
end

local reader = ARGV[1]
local changed = 0
for _, key in ipairs(KEYS) do
    local readers = cjson.decode(redis.call('HGET', key, 'read_by') or '[]')
    local seen = false
    for _, r in ipairs(readers) do
        if r == reader then seen = true break end
    end
    if not seen then
        table.insert(readers, reader)
        redis.call('HSET', key, 'read_by', cjson.encode(readers))
        changed = changed + 1
    end
end
return changed
`
