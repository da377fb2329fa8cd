package repo

import (
	"time"

	"fleet/internal/instance"
)

const instanceCacheTTL = time.Minute * 5

type InstanceModel struct {
	ID                string                 `json:"id" pg:"id,pk"`
	TenantID          string                 `json:"tenant_id" pg:"tenant_id,notnull"`
	NodeID            string                 `json:"node_id" pg:"node_id,notnull"`
	ContainerID       string                 `json:"container_id" pg:"container_id"`
	Image             string                 `json:"image" pg:"image,notnull"`
	EnvVars           []string               `json:"env_vars" pg:"env_vars,array"`
	DesiredState      instance.DesiredState  `json:"desired_state" pg:"desired_state,notnull"`
	ObservedState     instance.ObservedState `json:"observed_state" pg:"observed_state,notnull"`
	CPULimit          float64                `json:"cpu_limit" pg:"cpu_limit,use_zero"`
	MemoryLimitMB     int64                  `json:"memory_limit_mb" pg:"memory_limit_mb,use_zero"`
	FailureCount      int                    `json:"failure_count" pg:"failure_count,use_zero"`
	LastHealthCheckAt time.Time              `json:"last_health_check_at" pg:"last_health_check_at"`
	CreatedAt         time.Time              `json:"created_at" pg:"created_at,notnull"`
}

func toDomain(m *InstanceModel) *instance.Instance {
	return &instance.Instance{
		ID:                m.ID,
		TenantID:          m.TenantID,
		NodeID:            m.NodeID,
		ContainerID:       m.ContainerID,
		Image:             m.Image,
		EnvVars:           m.EnvVars,
		DesiredState:      m.DesiredState,
		ObservedState:     m.ObservedState,
		CPULimit:          m.CPULimit,
		MemoryLimitMB:     m.MemoryLimitMB,
		FailureCount:      m.FailureCount,
		LastHealthCheckAt: m.LastHealthCheckAt,
		CreatedAt:         m.CreatedAt,
	}
}

func toModel(inst *instance.Instance) *InstanceModel {
	return &InstanceModel{
		ID:                inst.ID,
		TenantID:          inst.TenantID,
		NodeID:            inst.NodeID,
		ContainerID:       inst.ContainerID,
		Image:             inst.Image,
		EnvVars:           inst.EnvVars,
		DesiredState:      inst.DesiredState,
		ObservedState:     inst.ObservedState,
		CPULimit:          inst.CPULimit,
		MemoryLimitMB:     inst.MemoryLimitMB,
		FailureCount:      inst.FailureCount,
		LastHealthCheckAt: inst.LastHealthCheckAt,
		CreatedAt:         inst.CreatedAt,
	}
}

func instanceCacheKey(id string) string {
	return "instance:" + id + ":record"
}
