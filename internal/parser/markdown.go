package parser

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

const maxHeadingLevel = 3

type frontMatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

type headingMark struct {
	offset int
	level  int
	title  string
}

// SplitMarkdown splits a markdown document at its level 1-3 headings. Each
// section keeps its heading line and is titled with the heading path, e.g.
// "社团介绍 / 部门". Text before the first heading becomes an untitled
// section (titled from YAML front matter when present).
func SplitMarkdown(src []byte) []Section {
	body, meta := stripFrontMatter(src)

	doc := goldmark.New().Parser().Parse(text.NewReader(body))

	var marks []headingMark
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if n.Kind() != ast.KindHeading {
			continue
		}
		h := n.(*ast.Heading)
		if h.Level > maxHeadingLevel || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		marks = append(marks, headingMark{
			offset: bytes.LastIndexByte(body[:seg.Start], '\n') + 1,
			level:  h.Level,
			title:  strings.TrimSpace(string(seg.Value(body))),
		})
	}

	var sections []Section
	add := func(title string, content []byte) {
		if len(bytes.TrimSpace(content)) == 0 {
			return
		}
		sections = append(sections, Section{Title: title, Content: string(content), Page: defaultPageNumber})
	}

	if len(marks) == 0 {
		add(meta.Title, body)
		return sections
	}
	add(meta.Title, body[:marks[0].offset])

	var path [maxHeadingLevel]string
	for i, m := range marks {
		path[m.level-1] = m.title
		for j := m.level; j < maxHeadingLevel; j++ {
			path[j] = ""
		}
		end := len(body)
		if i+1 < len(marks) {
			end = marks[i+1].offset
		}
		add(joinPath(path[:m.level]), body[m.offset:end])
	}
	return sections
}

func joinPath(parts []string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " / ")
}

// stripFrontMatter removes a leading "---" delimited YAML block.
func stripFrontMatter(src []byte) ([]byte, frontMatter) {
	var meta frontMatter

	line, rest := nextLine(src)
	if strings.TrimSpace(string(line)) != "---" {
		return src, meta
	}

	var block [][]byte
	for len(rest) > 0 {
		line, rest = nextLine(rest)
		if strings.TrimSpace(string(line)) == "---" {
			if err := yaml.Unmarshal(bytes.Join(block, []byte("\n")), &meta); err != nil {
				log.Debug().Err(err).Msg("ignoring malformed front matter")
				return src, frontMatter{}
			}
			return rest, meta
		}
		block = append(block, line)
	}
	return src, meta
}

func nextLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b, nil
	}
	return b[:i], b[i+1:]
}
