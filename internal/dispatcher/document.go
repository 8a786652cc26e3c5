package dispatcher

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/storage/objectstore"
)

// summaryLimit — максимальная длина автоматического резюме.
const summaryLimit = 300

// Подтипы документов.
const (
	docPlain    = "plain"
	docJSON     = "json"
	docCSV      = "csv"
	docMarkdown = "markdown"
	docXML      = "xml"
)

var (
	mdHeadingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*#*\s*$`)
	mdLinkRe    = regexp.MustCompile(`\[[^\]]*\]\([^)\s]+[^)]*\)`)
	mdListRe    = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+\S`)
	sentenceRe  = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

var errNotText = errors.New("содержимое не является текстом UTF-8")

// documentPipeline — подконвейер текстовых документов.
type documentPipeline struct {
	run *run
}

// subtype определяет подтип по MIME и расширению имени файла.
func (p *documentPipeline) subtype() string {
	mt := strings.ToLower(p.run.file.MimeType)
	ext := strings.ToLower(path.Ext(p.run.file.OriginalFilename))
	switch {
	case strings.Contains(mt, "json") || ext == ".json":
		return docJSON
	case strings.Contains(mt, "csv") || ext == ".csv":
		return docCSV
	case strings.Contains(mt, "markdown") || ext == ".md" || ext == ".markdown":
		return docMarkdown
	case strings.Contains(mt, "xml") || ext == ".xml":
		return docXML
	default:
		return docPlain
	}
}

// metadata — счётчики, язык, резюме и структура по подтипу.
func (p *documentPipeline) metadata() error {
	data := p.run.data
	if !utf8.Valid(data) {
		return errNotText
	}
	text := string(data)
	sub := p.subtype()

	bag := map[string]any{
		"subtype":         sub,
		"word_count":      len(words(text)),
		"line_count":      lineCount(text),
		"character_count": utf8.RuneCountInString(text),
		"language":        DetectLanguage(text),
	}
	if sub == docPlain || sub == docMarkdown {
		if summary := Summarize(text, summaryLimit); summary != "" {
			bag["summary"] = summary
		}
	}

	var structure map[string]any
	switch sub {
	case docJSON:
		structure = jsonStructure(data)
	case docCSV:
		structure = csvStructure(data)
	case docMarkdown:
		structure = markdownStructure(text)
	case docXML:
		structure = xmlStructure(data)
	}
	if structure != nil {
		bag["structure"] = structure
	}

	p.run.result.SetMetadata(string(model.CategoryDocument), bag)
	return nil
}

// thumbnail сохраняет текстовое превью начала документа.
func (p *documentPipeline) thumbnail() error {
	if !utf8.Valid(p.run.data) {
		return errNotText
	}
	preview := truncateRunes(strings.Join(strings.Fields(string(p.run.data)), " "), previewLimit)
	if preview == "" {
		return errors.New("пустой документ")
	}

	key := objectstore.PreviewKey(p.run.file.ID)
	if err := p.run.upload(key, []byte(preview), "text/plain; charset=utf-8"); err != nil {
		return err
	}
	p.run.result.ThumbnailKey = key
	return nil
}

// optimize минифицирует JSON или убирает лишние пробелы.
// Результат сохраняется только если он меньше исходного.
func (p *documentPipeline) optimize() error {
	data := p.run.data
	if !utf8.Valid(data) {
		return errNotText
	}

	sub := p.subtype()
	var out []byte
	var technique string
	switch sub {
	case docJSON:
		if !gjson.ValidBytes(data) {
			return errors.New("некорректный JSON")
		}
		out = []byte(gjson.GetBytes(data, "@ugly").Raw)
		technique = "json-minify"
	case docMarkdown:
		// Хвостовые пробелы в Markdown значимы (перенос строки)
		out = blankRunRe.ReplaceAll(data, []byte("\n\n"))
		technique = "collapse-blank-lines"
	default:
		out = blankRunRe.ReplaceAll(trimLines(data), []byte("\n\n"))
		technique = "trim-whitespace"
	}

	original := int64(len(data))
	if int64(len(out)) >= original {
		p.run.result.Optimization = model.NewOptimizationStats(original, original, []string{"already-optimal"}, "")
		return nil
	}

	ext := path.Ext(p.run.file.OriginalFilename)
	if ext == "" {
		ext = "txt"
	}
	key := objectstore.OptimizedKey(p.run.file.ID, ext)
	if err := p.run.upload(key, out, p.run.file.MimeType); err != nil {
		return err
	}
	p.run.result.Optimization = model.NewOptimizationStats(original, int64(len(out)), []string{technique}, key)
	return nil
}

// jsonStructure описывает корень JSON-документа.
func jsonStructure(data []byte) map[string]any {
	if !gjson.ValidBytes(data) {
		return map[string]any{"valid": false}
	}
	root := gjson.ParseBytes(data)
	s := map[string]any{"valid": true, "depth": jsonDepth(root)}

	switch {
	case root.IsObject():
		var keys []string
		root.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		s["root_type"] = "object"
		s["key_count"] = len(keys)
		if len(keys) > 20 {
			keys = keys[:20]
		}
		s["keys"] = keys
	case root.IsArray():
		s["root_type"] = "array"
		s["array_length"] = len(root.Array())
	default:
		s["root_type"] = strings.ToLower(root.Type.String())
	}
	return s
}

func jsonDepth(r gjson.Result) int {
	if !r.IsObject() && !r.IsArray() {
		return 0
	}
	deepest := 0
	r.ForEach(func(_, v gjson.Result) bool {
		deepest = max(deepest, jsonDepth(v))
		return true
	})
	return deepest + 1
}

// csvStructure — строки, столбцы и заголовок CSV.
func csvStructure(data []byte) map[string]any {
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	delimiter := ','
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		delimiter = ';'
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return map[string]any{"valid": false, "error": err.Error()}
	}
	if len(records) == 0 {
		return map[string]any{"valid": true, "rows": 0, "columns": 0}
	}
	return map[string]any{
		"valid":     true,
		"delimiter": string(delimiter),
		"header":    records[0],
		"columns":   len(records[0]),
		"rows":      len(records) - 1,
	}
}

// markdownStructure — заголовки, ссылки, блоки кода, элементы списков.
func markdownStructure(text string) map[string]any {
	headings := mdHeadingRe.FindAllStringSubmatch(text, -1)
	levels := make(map[string]int)
	for _, h := range headings {
		levels[fmt.Sprintf("h%d", len(h[1]))]++
	}

	s := map[string]any{
		"headings":    len(headings),
		"by_level":    levels,
		"links":       len(mdLinkRe.FindAllString(text, -1)),
		"code_blocks": strings.Count(text, "```") / 2,
		"list_items":  len(mdListRe.FindAllString(text, -1)),
	}
	if len(headings) > 0 {
		s["title"] = headings[0][2]
	}
	return s
}

// xmlStructure — корневой элемент, число элементов и глубина.
func xmlStructure(data []byte) map[string]any {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var root string
	elements, depth, maxDepth := 0, 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return map[string]any{"valid": false, "error": err.Error()}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root == "" {
				root = t.Name.Local
			}
			elements++
			depth++
			maxDepth = max(maxDepth, depth)
		case xml.EndElement:
			depth--
		}
	}
	if root == "" {
		return map[string]any{"valid": false, "error": "нет корневого элемента"}
	}
	return map[string]any{
		"valid":         true,
		"root_element":  root,
		"element_count": elements,
		"max_depth":     maxDepth,
	}
}

// words разбивает текст на слова в нижнем регистре.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

// trimLines убирает хвостовые пробелы каждой строки.
func trimLines(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimRight(l, " \t\r")
	}
	return bytes.Join(lines, []byte("\n"))
}

// Summarize собирает первые предложения текста, пока они помещаются в limit.
// Если не помещается и первое, оно обрезается с многоточием.
func Summarize(text string, limit int) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return ""
	}

	var sb strings.Builder
	for _, s := range sentenceRe.FindAllString(normalized, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		next := utf8.RuneCountInString(s)
		if sb.Len() > 0 {
			next++
		}
		if utf8.RuneCountInString(sb.String())+next > limit {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s)
	}

	if sb.Len() == 0 {
		return truncateRunes(normalized, limit-3) + "..."
	}
	return sb.String()
}
