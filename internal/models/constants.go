package models

const (
	ThinkTag         = `(?s)<think>.*?</think>`
	ContextSeparator = "\n\n"

	// ReferenceTemplate formats one context chunk: index, title, content.
	ReferenceTemplate = "【参考资料%d - %s】\n%s"
	NoContext         = "（知识库中没有找到相关资料）"
)
