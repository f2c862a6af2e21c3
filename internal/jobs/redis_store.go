package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix      = "subpage:job:"
	maxUpdateAttempts = 16
)

// redisRecord は Redis に保存する JSON ドキュメントです。
type redisRecord struct {
	Job    Job          `json:"job"`
	Cities []CityRecord `json:"cities"`
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合、キーは期限切れになりません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

func (s *RedisStore) CreateJob(ctx context.Context, job Job, cities []CityRecord) error {
	if job.JobID == "" {
		return validationError("job_id is required")
	}
	if len(cities) == 0 {
		return validationError("job %s has no city records", job.JobID)
	}
	payload, err := json.Marshal(&redisRecord{Job: job, Cities: cities})
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return DuplicateJob(job.JobID)
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	snap, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &snap.Job, nil
}

func (s *RedisStore) GetStatus(ctx context.Context, jobID string) (*Snapshot, error) {
	record, err := s.load(ctx, s.rdb, jobID)
	if err != nil {
		return nil, err
	}
	record.Job.Status = DeriveStatus(record.Cities)
	return &Snapshot{Job: record.Job, Cities: record.Cities}, nil
}

// UpdateCityContent は WATCH による楽観ロックで1件の都市レコードを更新します。
func (s *RedisStore) UpdateCityContent(ctx context.Context, jobID string, key CityKey, update CityUpdate) (*CityRecord, error) {
	redisKey := jobKey(jobID)
	var updated CityRecord

	txf := func(tx *redis.Tx) error {
		record, err := s.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		idx := FindCity(record.Cities, key)
		if idx < 0 {
			return CityNotFound(jobID, key)
		}
		if err := ApplyCityUpdate(record.Cities, idx, update, s.now().UTC()); err != nil {
			return err
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = record.Cities[idx]
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", jobID)
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, jobID string) (*redisRecord, error) {
	if jobID == "" {
		return nil, validationError("job_id is required")
	}
	data, err := c.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, JobNotFound(jobID)
		}
		return nil, err
	}
	var record redisRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
