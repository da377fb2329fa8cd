package controller

import "context"

// QuotaChecker 租户配额校验，外部协作者。创建前置条件，本核心不实现计费逻辑。
type QuotaChecker interface {
	Check(ctx context.Context, tenantID string, cpu float64, memoryMB int64) error
}

// AllowAllQuota 默认放行实现
type AllowAllQuota struct{}

func (AllowAllQuota) Check(ctx context.Context, tenantID string, cpu float64, memoryMB int64) error {
	return nil
}

const TaskInstanceTeardown = "instance:teardown"

type TeardownPayload struct {
	InstanceID  string `json:"instance_id"`
	NodeID      string `json:"node_id"`
	ContainerID string `json:"container_id"`
}

// 停止容器时给予的宽限秒数
const stopTimeoutSeconds = 10
