// Package billing 返回当前部署的订阅信息。
package billing

import "strings"

// 支持的套餐。
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// StatusActive 是默认的订阅状态。
const StatusActive = "active"

// Subscription 描述订阅状态。
type Subscription struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
}

// ValidPlan 判断套餐名称是否受支持。
func ValidPlan(plan string) bool {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	default:
		return false
	}
}

// Service 提供订阅查询。
type Service struct {
	subscription Subscription
}

// NewService 以配置中的套餐与状态创建服务，空值回退到 free / active。
func NewService(plan, status string) *Service {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if plan == "" {
		plan = PlanFree
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = StatusActive
	}
	return &Service{subscription: Subscription{Plan: plan, Status: status}}
}

// Subscription 返回当前订阅。
func (s *Service) Subscription() Subscription {
	if s == nil {
		return Subscription{Plan: PlanFree, Status: StatusActive}
	}
	return s.subscription
}
