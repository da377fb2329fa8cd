package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fleet/internal/instance"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ instance.Repository = (*Repository)(nil)

type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

// Migrate 建表（幂等），启动时调用
func Migrate(db *pg.DB) error {
	return db.Model(&InstanceModel{}).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (r *Repository) Create(ctx context.Context, inst *instance.Instance) error {
	_, err := r.db.Model(toModel(inst)).Insert()
	if err != nil {
		return err
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*instance.Instance, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, instanceCacheKey(id)).Result()
		if err == nil {
			var cached InstanceModel
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return toDomain(&cached), nil
			}
		}
	}

	model := &InstanceModel{ID: id}
	err := r.db.Model(model).WherePK().Select()
	if err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, instance.ErrNotFound
		}
		return nil, err
	}

	if r.redis != nil {
		if b, err := json.Marshal(model); err == nil {
			_ = r.redis.Set(ctx, instanceCacheKey(id), b, instanceCacheTTL).Err()
		}
	}

	return toDomain(model), nil
}

func (r *Repository) ListByNode(ctx context.Context, nodeID string) ([]*instance.Instance, error) {
	var models []InstanceModel
	err := r.db.Model(&models).
		Where("node_id = ?", nodeID).
		Order("created_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	instances := make([]*instance.Instance, 0, len(models))
	for i := range models {
		instances = append(instances, toDomain(&models[i]))
	}
	return instances, nil
}

func (r *Repository) ListAll(ctx context.Context) ([]*instance.Instance, error) {
	var models []InstanceModel
	err := r.db.Model(&models).
		Order("created_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	instances := make([]*instance.Instance, 0, len(models))
	for i := range models {
		instances = append(instances, toDomain(&models[i]))
	}
	return instances, nil
}

func (r *Repository) UpdateStates(ctx context.Context, id string, desired instance.DesiredState, observed instance.ObservedState) error {
	res, err := r.db.Model(&InstanceModel{}).
		Set("desired_state = ?, observed_state = ?", desired, observed).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return instance.ErrNotFound
	}

	r.invalidate(ctx, id)
	return nil
}

func (r *Repository) UpdateContainerID(ctx context.Context, id string, containerID string) error {
	res, err := r.db.Model(&InstanceModel{}).
		Set("container_id = ?", containerID).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return instance.ErrNotFound
	}

	r.invalidate(ctx, id)
	return nil
}

func (r *Repository) UpdateHealth(ctx context.Context, id string, failureCount int) error {
	res, err := r.db.Model(&InstanceModel{}).
		Set("failure_count = ?, last_health_check_at = ?", failureCount, time.Now()).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return instance.ErrNotFound
	}

	r.invalidate(ctx, id)
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.Model(&InstanceModel{ID: id}).WherePK().Delete()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return instance.ErrNotFound
	}

	r.invalidate(ctx, id)
	return nil
}

// 缓存失效
func (r *Repository) invalidate(ctx context.Context, id string) {
	if r.redis != nil {
		_ = r.redis.Del(ctx, instanceCacheKey(id)).Err()
	}
}
