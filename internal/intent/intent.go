// Package intent recognises the handful of member-directory requests that are
// common enough to be executed without asking the planner model.
package intent

import (
	"regexp"
	"strings"
)

type Action string

const (
	RegisterIfMissing Action = "register_if_missing"
	Delete            Action = "delete_member"
	Get               Action = "get_member"
	Update            Action = "update_member"
)

// ForcedAction is a classified request plus the arguments extracted from it.
type ForcedAction struct {
	Action Action
	Args   map[string]string
}

var (
	yearRe      = regexp.MustCompile(`(19\d{2}|20\d{2})`)
	directionRe = regexp.MustCompile(`(动画系|动画|三维|3D|特效|剪辑|后期|配音|美术)`)
	remarkRe    = regexp.MustCompile(`备注\s*(?:为|是)?\s*[:：]?\s*([^。\n]+)`)
	newRemarkRe = regexp.MustCompile(`备注\s*(?:更新为|修改为|改为|更新|修改|为)\s*[:：]?\s*(.+)$`)
)

// Classify applies the ordered rules; the first matching rule wins. ok is
// false when the question should go to the planner.
func Classify(question string) (ForcedAction, bool) {
	q := strings.TrimSpace(question)
	if q == "" {
		return ForcedAction{}, false
	}

	switch {
	case strings.Contains(q, "注册") && strings.Contains(q, "不存在"):
		return ForcedAction{Action: RegisterIfMissing, Args: registrationArgs(q)}, true

	case strings.Contains(q, "删除") && containsAny(q, "成员", "我的"):
		return ForcedAction{Action: Delete, Args: map[string]string{}}, true

	case containsAny(q, "查询", "检查") && containsAny(q, "成员", "是否存在", "存在", "我的"):
		return ForcedAction{Action: Get, Args: map[string]string{}}, true

	case containsAny(q, "更新", "修改") && strings.Contains(q, "备注"):
		args := map[string]string{}
		if m := newRemarkRe.FindStringSubmatch(q); m != nil {
			if remark := strings.Trim(strings.TrimSpace(m[1]), "。."); remark != "" {
				args["remark"] = remark
			}
		}
		return ForcedAction{Action: Update, Args: args}, true
	}
	return ForcedAction{}, false
}

func registrationArgs(q string) map[string]string {
	args := map[string]string{}
	if m := yearRe.FindString(q); m != "" {
		args["year"] = m
	}
	switch {
	case strings.Contains(q, "女"):
		args["sex"] = "女"
	case strings.Contains(q, "男"):
		args["sex"] = "男"
	}
	if m := directionRe.FindString(q); m != "" {
		args["direction"] = m
	}
	if m := remarkRe.FindStringSubmatch(q); m != nil {
		if remark := strings.TrimSpace(m[1]); remark != "" {
			args["remark"] = remark
		}
	}
	return args
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
