package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConversationStore keeps one conversation in three keys:
//
//	<prefix><user>:<session>:meta     hash   status, language, created_at, last_activity
//	<prefix><user>:<session>:turns    list   JSON turns, append-only
//	<prefix><user>:<session>:sections set    referenced section numbers
//
// Writes go through WATCH/MULTI so an append is all-or-nothing.
type RedisConversationStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var errSessionExists = errors.New("session exists")

func NewRedisConversationStore(redisURL string, ttl time.Duration) (*RedisConversationStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisConversationStore{rdb: redis.NewClient(opt), prefix: "conv:", ttl: ttl}, nil
}

func (s *RedisConversationStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisConversationStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisConversationStore) metaKey(k SessionKey) string {
	return s.prefix + k.UserID + ":" + k.SessionID + ":meta"
}

func (s *RedisConversationStore) turnsKey(k SessionKey) string {
	return s.prefix + k.UserID + ":" + k.SessionID + ":turns"
}

func (s *RedisConversationStore) sectionsKey(k SessionKey) string {
	return s.prefix + k.UserID + ":" + k.SessionID + ":sections"
}

func (s *RedisConversationStore) GetSession(ctx context.Context, key SessionKey) (*Session, error) {
	pipe := s.rdb.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.metaKey(key))
	turnsCmd := pipe.LRange(ctx, s.turnsKey(key), 0, -1)
	sectionsCmd := pipe.SMembers(ctx, s.sectionsKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, ErrSessionNotFound
	}
	sess := &Session{
		UserID:             key.UserID,
		SessionID:          key.SessionID,
		Status:             SessionStatus(meta["status"]),
		Language:           meta["language"],
		Turns:              []Turn{},
		ReferencedSections: []int{},
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta["created_at"])
	sess.LastActivity, _ = time.Parse(time.RFC3339Nano, meta["last_activity"])

	for _, raw := range turnsCmd.Val() {
		var t Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		sess.Turns = append(sess.Turns, t)
	}
	for _, raw := range sectionsCmd.Val() {
		if n, err := strconv.Atoi(raw); err == nil {
			sess.ReferencedSections = append(sess.ReferencedSections, n)
		}
	}
	slices.Sort(sess.ReferencedSections)
	return sess, nil
}

func (s *RedisConversationStore) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	key := sess.Key()
	turns, err := encodeTurns(sess.Turns)
	if err != nil {
		return nil, err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.metaKey(key)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.metaKey(key),
				"status", string(sess.Status),
				"language", sess.Language,
				"created_at", sess.CreatedAt.UTC().Format(time.RFC3339Nano),
				"last_activity", sess.LastActivity.UTC().Format(time.RFC3339Nano),
			)
			if len(turns) > 0 {
				pipe.RPush(ctx, s.turnsKey(key), turns...)
			}
			if len(sess.ReferencedSections) > 0 {
				pipe.SAdd(ctx, s.sectionsKey(key), intsToArgs(sess.ReferencedSections)...)
			}
			s.expireAll(ctx, pipe, key)
			return nil
		})
		return err
	}, s.metaKey(key))

	if errors.Is(err, errSessionExists) {
		return s.GetSession(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *RedisConversationStore) AppendTurns(ctx context.Context, key SessionKey, turns []Turn, sections []int) error {
	if len(turns) == 0 {
		return nil
	}
	encoded, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	last := turns[len(turns)-1].Timestamp.UTC().Format(time.RFC3339Nano)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.metaKey(key)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.turnsKey(key), encoded...)
			pipe.HSet(ctx, s.metaKey(key), "last_activity", last)
			if len(sections) > 0 {
				pipe.SAdd(ctx, s.sectionsKey(key), intsToArgs(sections)...)
			}
			s.expireAll(ctx, pipe, key)
			return nil
		})
		return err
	}, s.metaKey(key))
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to append turns: %w", err)
	}
	return nil
}

func (s *RedisConversationStore) SetStatus(ctx context.Context, key SessionKey, status SessionStatus) error {
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.metaKey(key)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.metaKey(key), "status", string(status))
			return nil
		})
		return err
	}, s.metaKey(key))
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

func (s *RedisConversationStore) expireAll(ctx context.Context, pipe redis.Pipeliner, key SessionKey) {
	pipe.Expire(ctx, s.metaKey(key), s.ttl)
	pipe.Expire(ctx, s.turnsKey(key), s.ttl)
	pipe.Expire(ctx, s.sectionsKey(key), s.ttl)
}

func encodeTurns(turns []Turn) ([]any, error) {
	out := make([]any, 0, len(turns))
	for i := range turns {
		t := &turns[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		if t.CitedPassages == nil {
			t.CitedPassages = []PassageRef{}
		}
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal turn: %w", err)
		}
		out = append(out, string(b))
	}
	return out, nil
}

func intsToArgs(a []int) []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = v
	}
	return out
}
