package agent

import "fmt"

const (
	noticeGet      = "正在查询成员信息...\n"
	noticeRegister = "正在调用注册接口...\n"
	noticeVerify   = "正在查询校验注册信息...\n"
	noticeUpdate   = "正在更新成员信息...\n"
	noticeDelete   = "正在删除成员信息...\n"

	permissionNote = "【权限提示】普通成员只能为自己注册；当前登录用户与目标 cn 不一致，已跳过注册步骤。"

	unclearTargetNote = "【目标不明确】问题提到了成员，但无法确定是哪一位，已跳过修改/删除操作。请向用户确认要操作的成员 cn。"

	followUp = "请输出最终结论与下一步建议；不要重复无关背景。\n若注册失败：给出原因与如何修正。"

	phaseRegisterFlow = "注册流程结束后"
	phaseRegistered   = "注册完成后"
	phaseUpdated      = "更新完成后"
	phaseDeleted      = "删除完成后"
)

func toolResultNote(name, resultJSON string) string {
	return fmt.Sprintf("【工具结果:%s】\n%s", name, resultJSON)
}

func verificationNote(phase, resultJSON string) string {
	return fmt.Sprintf("【系统校验】%s已自动调用查询接口进行核对。\n查询结果(JSON)：\n%s", phase, resultJSON)
}

func responderPrompt(defaultPassword string) string {
	return "你是代理执行结果的解释器。根据对话中工具返回的 JSON 结果，用简洁中文告诉用户执行是否成功。" +
		"注册场景必须明确：注册是否成功、用户名(cn)、默认密码为 " + defaultPassword + "（如果用户未自定义），" +
		"并引用【系统校验】中的查询结果来确认信息存在且字段正确。" +
		"如果出现权限错误（403），解释这是为了防止篡改他人信息。"
}
