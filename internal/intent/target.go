package intent

import (
	"regexp"
	"strings"
)

// A name never starts with 的, so "成员的备注" names nobody.
const cnPattern = `([^\s，。,的][^\s，。,]{0,19}?)`

// Ordered most specific first.
var targetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`成员\s*` + cnPattern + `\s*是否存在`),
	regexp.MustCompile(`检查\s*成员\s*` + cnPattern + `\s*是否`),
	regexp.MustCompile(`查询\s*` + cnPattern + `\s*是否`),
	regexp.MustCompile(`(?:如果|若|假如)\s*(?:成员)?\s*` + cnPattern + `\s*不存在`),
	regexp.MustCompile(`(?:删除|更新|修改|查询|检查)\s*成员\s*` + cnPattern + `(?:的|备注|信息|资料|[，。,\s]|$)`),
	regexp.MustCompile(`成员\s*` + cnPattern + `\s*的`),
}

var selfWords = map[string]bool{"我": true, "我自己": true, "自己": true, "本人": true}

// Words that follow 成员 without naming anyone.
var genericWords = map[string]bool{"信息": true, "资料": true, "备注": true, "账号": true, "记录": true}

// ExtractTarget returns the identity explicitly named in the question, or ""
// when none is named or the question refers to the asker.
func ExtractTarget(question string) string {
	q := strings.TrimSpace(question)
	if q == "" {
		return ""
	}
	for _, re := range targetPatterns {
		m := re.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		cn := strings.TrimSpace(strings.TrimPrefix(m[1], "成员"))
		if cn == "" || selfWords[cn] {
			return ""
		}
		if genericWords[cn] {
			continue
		}
		return cn
	}
	return ""
}

// UnclearTarget reports whether the question is about some member other than
// the asker but ExtractTarget cannot tell which one.
func UnclearTarget(question string) bool {
	q := strings.TrimSpace(question)
	if !strings.Contains(q, "成员") || ExtractTarget(q) != "" {
		return false
	}
	for w := range selfWords {
		if strings.Contains(q, w) {
			return false
		}
	}
	return true
}
