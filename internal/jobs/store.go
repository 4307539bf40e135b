package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

// Store はジョブ記録を Redis に保存します。
// レジストリ本体はメモリで重複排除と配信を行い、Store はその写しとして
// 再起動をまたいだ状態プローブと運用時の調査に使われます。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ記録を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, key Key) (*Record, error) {
	if key.Kind == "" {
		return nil, fmt.Errorf("kind is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ記録を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(Key{Kind: record.Kind, ScopeKey: record.ScopeKey}), payload, s.ttl).Err()
}

func jobKey(key Key) string {
	return jobKeyPrefix + key.String()
}
