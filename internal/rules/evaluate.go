package rules

import (
	"strings"

	"github.com/submail/submail/internal/storage"
)

// Action 路由动作
type Action int

const (
	ActionForward Action = iota // 转发
	ActionBlock                 // 拦截
)

// String 返回动作的字符串表示
func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "block"
	default:
		return "forward"
	}
}

// Decision 路由决策
type Decision struct {
	Action      Action
	Destination string // 仅 ActionForward 有效，为空表示找不到目标地址
}

// Blocked 是否拦截
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// HasDestination 转发决策是否带有可用目标地址
func (d Decision) HasDestination() bool {
	return d.Action == ActionForward && d.Destination != ""
}

// Evaluate 根据别名规则计算路由决策
// BLOCK 规则优先于任何 FORWARD 规则，与规则顺序无关
func Evaluate(alias *storage.Alias) Decision {
	if alias == nil {
		return Decision{Action: ActionForward}
	}

	var forward *storage.Rule
	for i := range alias.Rules {
		switch alias.Rules[i].Kind {
		case storage.RuleBlock:
			return Decision{Action: ActionBlock}
		case storage.RuleForward:
			if forward == nil {
				forward = &alias.Rules[i]
			}
		}
	}

	if forward != nil {
		if dest := strings.TrimSpace(forward.Destination); dest != "" {
			return Decision{Action: ActionForward, Destination: dest}
		}
	}

	if alias.Owner != nil {
		return Decision{Action: ActionForward, Destination: strings.TrimSpace(alias.Owner.RealEmail)}
	}

	return Decision{Action: ActionForward}
}
