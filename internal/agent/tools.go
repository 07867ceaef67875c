package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"club-assistant/internal/directory"
)

const (
	ToolRegister = "register_member"
	ToolGet      = "get_member"
	ToolUpdate   = "update_member"
	ToolDelete   = "delete_member"
)

// Directory is the member directory the tools act on.
type Directory interface {
	Register(ctx context.Context, auth string, reg directory.Registration) directory.Result
	Get(ctx context.Context, auth, cn string) directory.Result
	Update(ctx context.Context, auth, cn string, p directory.Profile) directory.Result
	Delete(ctx context.Context, auth, cn string) directory.Result
}

// ToolCall is one proposed invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any

	rawArgs string
	argErr  error
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func profileProps() map[string]any {
	return map[string]any{
		"sex":       stringProp("性别：男 / 女"),
		"position":  stringProp("职位，默认 成员"),
		"year":      stringProp("入社年份，如 2023"),
		"direction": stringProp("方向：动画系 / 三维 / 特效 / 剪辑 / 后期 / 配音 / 美术"),
		"status":    stringProp("状态，默认 在役"),
		"remark":    stringProp("备注"),
	}
}

// toolDefinitions describes the four directory tools to the planner.
func toolDefinitions() []llms.Tool {
	cnOnly := map[string]any{
		"type":       "object",
		"properties": map[string]any{"cn": stringProp("成员 cn")},
		"required":   []string{"cn"},
	}

	register := profileProps()
	register["cn"] = stringProp("用户名/唯一标识")
	register["password"] = stringProp("密码（至少 6 位）；不提供则使用默认值")

	update := profileProps()
	update["cn"] = stringProp("成员 cn（必须与当前登录用户一致）")
	update["is_member"] = map[string]any{"type": "boolean"}

	return []llms.Tool{
		{Type: "function", Function: &llms.FunctionDefinition{
			Name:        ToolRegister,
			Description: "注册新成员：POST /members。",
			Parameters:  map[string]any{"type": "object", "properties": register, "required": []string{"cn"}},
		}},
		{Type: "function", Function: &llms.FunctionDefinition{
			Name:        ToolGet,
			Description: "查询成员信息：GET /members/{cn}。查询不限制 cn。",
			Parameters:  cnOnly,
		}},
		{Type: "function", Function: &llms.FunctionDefinition{
			Name:        ToolUpdate,
			Description: "更新本人成员信息（不含密码）：PUT /members/{cn}。",
			Parameters:  map[string]any{"type": "object", "properties": update, "required": []string{"cn"}},
		}},
		{Type: "function", Function: &llms.FunctionDefinition{
			Name:        ToolDelete,
			Description: "删除本人成员信息：DELETE /members/{cn}。",
			Parameters:  cnOnly,
		}},
	}
}

type toolOutcome struct {
	result directory.Result
	json   string
	// known is false when no directory call was made
	known bool
}

// execute runs one planned call. Mutations by non-admins are redirected to
// the caller's own record.
func execute(ctx context.Context, dir Directory, caller Caller, call ToolCall) toolOutcome {
	logger := zerolog.Ctx(ctx)
	if call.argErr != nil {
		msg, _ := json.Marshal(map[string]any{"ok": false, "error": "invalid arguments: " + call.argErr.Error()})
		return toolOutcome{json: string(msg)}
	}

	var res directory.Result
	switch call.Name {
	case ToolRegister:
		res = dir.Register(ctx, caller.Authorization, directory.Registration{
			CN:        caller.Coerce(argString(call.Arguments, "cn")),
			Password:  argString(call.Arguments, "password"),
			Sex:       argString(call.Arguments, "sex"),
			Position:  argString(call.Arguments, "position"),
			Year:      argString(call.Arguments, "year"),
			Direction: argString(call.Arguments, "direction"),
			Status:    argString(call.Arguments, "status"),
			Remark:    argString(call.Arguments, "remark"),
		})
	case ToolGet:
		res = dir.Get(ctx, caller.Authorization, argString(call.Arguments, "cn"))
	case ToolUpdate:
		cn := caller.Coerce(argString(call.Arguments, "cn"))
		res = dir.Update(ctx, caller.Authorization, cn, profileFrom(call.Arguments))
	case ToolDelete:
		cn := caller.Coerce(argString(call.Arguments, "cn"))
		res = dir.Delete(ctx, caller.Authorization, cn)
	default:
		logger.Warn().Str("tool", call.Name).Msg("planner proposed unknown tool")
		msg, _ := json.Marshal(map[string]any{"ok": false, "error": "unknown tool: " + call.Name})
		return toolOutcome{json: string(msg)}
	}

	logger.Info().Str("tool", call.Name).Str("cn", res.CN).Bool("ok", res.OK).Int("status", res.StatusCode).Msg("tool executed")
	return toolOutcome{result: res, json: res.JSON(), known: true}
}

// profileFrom copies the fields present in args; absent ones stay nil.
func profileFrom(args map[string]any) directory.Profile {
	var p directory.Profile
	set := func(key string) *string {
		if _, ok := args[key]; !ok || args[key] == nil {
			return nil
		}
		v := argString(args, key)
		return &v
	}
	p.Sex = set("sex")
	p.Position = set("position")
	p.Year = set("year")
	p.Direction = set("direction")
	p.Status = set("status")
	p.Remark = set("remark")
	if v, ok := args["is_member"]; ok && v != nil {
		var b bool
		switch t := v.(type) {
		case bool:
			b = t
		case string:
			b, _ = strconv.ParseBool(t)
		}
		p.IsMember = &b
	}
	return p
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
