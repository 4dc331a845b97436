package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// NewRedisStore keeps read models in redis hashes, one hash per model, rows as JSON
// fields. Checkpoints live under their own keys. Everything is disposable, rebuilds
// recreate it from the event log.
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

type redisStore struct {
	client redis.UniversalClient
}

func modelKey(model string) string {
	return fmt.Sprintf("readmodel:%s", model)
}

func checkpointKey(projectionName string) string {
	return fmt.Sprintf("projection:checkpoint:%s", projectionName)
}

func (s *redisStore) Upsert(ctx context.Context, model, key string, row Row) error {
	body, err := json.Marshal(row)

	if err != nil {
		return errors.Wrapf(err, "marshaling row '%s' of read model '%s'", key, model)
	}

	if err := s.client.HSet(ctx, modelKey(model), key, body).Err(); err != nil {
		return errors.Wrapf(err, "upserting row '%s' into read model '%s'", key, model)
	}

	return nil
}

func (s *redisStore) Get(ctx context.Context, model, key string) (Row, error) {
	body, err := s.client.HGet(ctx, modelKey(model), key).Result()

	if err == redis.Nil {
		return nil, RowNotFoundError{Model: model, Key: key}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "reading row '%s' of read model '%s'", key, model)
	}

	var row Row

	if err := json.Unmarshal([]byte(body), &row); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling row '%s' of read model '%s'", key, model)
	}

	return row, nil
}

func (s *redisStore) List(ctx context.Context, model string) (map[string]Row, error) {
	fields, err := s.client.HGetAll(ctx, modelKey(model)).Result()

	if err != nil {
		return nil, errors.Wrapf(err, "listing read model '%s'", model)
	}

	rows := make(map[string]Row, len(fields))

	for key, body := range fields {
		var row Row

		if err := json.Unmarshal([]byte(body), &row); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling row '%s' of read model '%s'", key, model)
		}

		rows[key] = row
	}

	return rows, nil
}

func (s *redisStore) Delete(ctx context.Context, model, key string) error {
	if err := s.client.HDel(ctx, modelKey(model), key).Err(); err != nil {
		return errors.Wrapf(err, "deleting row '%s' of read model '%s'", key, model)
	}

	return nil
}

func (s *redisStore) Truncate(ctx context.Context, model string) error {
	if err := s.client.Del(ctx, modelKey(model)).Err(); err != nil {
		return errors.Wrapf(err, "truncating read model '%s'", model)
	}

	return nil
}

func (s *redisStore) Checkpoint(ctx context.Context, projectionName string) (uint64, error) {
	seq, err := s.client.Get(ctx, checkpointKey(projectionName)).Uint64()

	if err == redis.Nil {
		return 0, nil
	}

	if err != nil {
		return 0, errors.Wrapf(err, "reading checkpoint of projection '%s'", projectionName)
	}

	return seq, nil
}

func (s *redisStore) SaveCheckpoint(ctx context.Context, projectionName string, seq uint64) error {
	if err := s.client.Set(ctx, checkpointKey(projectionName), seq, 0).Err(); err != nil {
		return errors.Wrapf(err, "saving checkpoint of projection '%s'", projectionName)
	}

	return nil
}
