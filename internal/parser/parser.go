package parser

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"club-assistant/internal/models"
)

// Section is a titled span of a source document, before windowing.
type Section struct {
	Title   string
	Content string
	Page    int
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

const (
	defaultChunkSize    = 1000 // runes
	defaultChunkOverlap = 200  // runes
	defaultPageNumber   = 1
)

// SupportedExtensions lists every extension LoadFile understands.
var SupportedExtensions = []string{".md", ".markdown", ".txt", ".pdf", ".docx", ".pptx", ".xlsx", ".ods"}

func Supported(ext string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(ext))
}

// ParseFile loads filePath and windows it into chunks labelled with relName.
func ParseFile(filePath, relName string, opts Options) ([]models.Chunk, error) {
	sections, err := LoadFile(filePath)
	if err != nil {
		return nil, err
	}
	return Split(relName, sections, opts), nil
}

// LoadFile reads a document into sections according to its extension.
func LoadFile(filePath string) ([]Section, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".md", ".markdown":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		return SplitMarkdown(data), nil
	case ".txt":
		return parseText(filePath)
	case ".pdf":
		return parsePDF(filePath)
	case ".docx":
		return parseDOCX(filePath)
	case ".pptx":
		return parsePPTX(filePath)
	case ".xlsx":
		return parseXLSX(filePath)
	case ".ods":
		return parseODS(filePath)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

// Split windows every section into chunks. Chunk ids are 1-based and unique per source.
func Split(source string, sections []Section, opts Options) []models.Chunk {
	size, overlap := opts.ChunkSize, opts.ChunkOverlap
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap <= 0 {
		overlap = defaultChunkOverlap
	}

	var chunks []models.Chunk
	for _, s := range sections {
		for _, text := range chunkContent(s.Content, size, overlap) {
			chunks = append(chunks, models.Chunk{
				Content:        text,
				SourceFilename: source,
				Section:        s.Title,
				ChunkID:        len(chunks) + 1,
			})
		}
	}
	return chunks
}

func parseText(filePath string) ([]Section, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	return []Section{{Content: string(data), Page: defaultPageNumber}}, nil
}

func parsePDF(filePath string) ([]Section, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf %s: %w", filePath, err)
	}

	var sections []Section
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d of %s: %w", i, filePath, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		sections = append(sections, Section{Title: fmt.Sprintf("p.%d", i), Content: text, Page: i})
	}
	return sections, nil
}

func parseDOCX(filePath string) ([]Section, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// GetContent returns the raw document xml; keep only the text runs.
	content := extractTextFromXML(r.Editable().GetContent(), "<w:t", "</w:t>")
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []Section{{Content: content, Page: defaultPageNumber}}, nil
}

func parsePPTX(filePath string) ([]Section, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections []Section
	for _, file := range f.File {
		if !strings.HasPrefix(file.Name, "ppt/slides/slide") || !strings.HasSuffix(file.Name, ".xml") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		text := extractTextFromXML(string(data), "<a:t", "</a:t>")
		if strings.TrimSpace(text) == "" {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(file.Name, "ppt/slides/"), ".xml")
		sections = append(sections, Section{Title: name, Content: text, Page: len(sections) + 1})
	}
	return sections, nil
}

func parseXLSX(filePath string) ([]Section, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var sections []Section
	for i, sheet := range f.Sheets {
		var text strings.Builder
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
		if strings.TrimSpace(text.String()) == "" {
			continue
		}
		sections = append(sections, Section{Title: sheet.Name, Content: text.String(), Page: i + 1})
	}
	return sections, nil
}

func parseODS(filePath string) ([]Section, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections []Section
	for i, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		var text strings.Builder
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		if strings.TrimSpace(text.String()) == "" {
			continue
		}
		sections = append(sections, Section{Title: sheetName, Content: text.String(), Page: i + 1})
	}
	return sections, nil
}

// extractTextFromXML concatenates the bodies of every open...close element.
func extractTextFromXML(xmlContent, open, close string) string {
	var text strings.Builder
	parts := strings.Split(xmlContent, open)
	for i, part := range parts {
		if i == 0 {
			continue
		}
		// skip attributes and the end of the opening tag; <a:tbl> etc. are not text runs
		gt := strings.IndexByte(part, '>')
		if gt < 0 || (gt > 0 && part[0] != ' ' && part[0] != '>') {
			continue
		}
		body := part[gt+1:]
		if end := strings.Index(body, close); end >= 0 {
			text.WriteString(body[:end])
			text.WriteString(" ")
		}
	}
	return strings.TrimSpace(text.String())
}

func isBreak(r rune) bool {
	switch r {
	case ' ', '\n', '.', '。', '！', '？', '；', ';', '，':
		return true
	}
	return false
}

// chunkContent splits content into windows of at most maxChars runes. Each
// window after the first starts exactly overlapChars runes before the end of
// the previous one, so every rune of content lands in some chunk.
func chunkContent(content string, maxChars, overlapChars int) []string {
	if maxChars <= 0 {
		return nil
	}
	if overlapChars < 0 {
		overlapChars = 0
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 2
	}

	runes := []rune(strings.TrimSpace(content))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= maxChars {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < n {
		end := min(start+maxChars, n)

		// prefer a clean break within the last 10% of the window
		if end < n {
			lookBack := maxChars / 10
			for i := end - 1; i >= end-lookBack && i > start+overlapChars; i-- {
				if isBreak(runes[i]) {
					end = i + 1
					break
				}
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}
		start = end - overlapChars
	}
	return chunks
}
