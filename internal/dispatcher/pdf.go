package dispatcher

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/storage/objectstore"
)

// previewLimit — максимальная длина текстового превью.
const previewLimit = 500

var (
	pdfHeaderRe  = regexp.MustCompile(`^%PDF-(\d+\.\d+)`)
	pdfPageRe    = regexp.MustCompile(`/Type\s*/Page\b`)
	pdfCountRe   = regexp.MustCompile(`/Type\s*/Pages\b[^>]*?/Count\s+(\d+)|/Count\s+(\d+)[^>]*?/Type\s*/Pages\b`)
	pdfTjRe      = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)\s*Tj`)
	pdfTJArrayRe = regexp.MustCompile(`\[((?:[^\]\\]|\\.)*)\]\s*TJ`)
	pdfStringRe  = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
	pdfObjRe     = regexp.MustCompile(`(?m)^(\d+)\s+(\d+)\s+obj\b`)
	pdfSizeRe    = regexp.MustCompile(`/Size\s+\d+`)
)

// pdfInfoKeys — поля словаря Info, попадающие в метаданные.
var pdfInfoKeys = []string{"Title", "Author", "Subject", "Producer", "Creator", "CreationDate"}

// pdfInfoRes — выражения /Key (value) для каждого из pdfInfoKeys.
var pdfInfoRes = func() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(pdfInfoKeys))
	for _, key := range pdfInfoKeys {
		res[key] = regexp.MustCompile(`/` + key + `\s*\(((?:\\.|[^\\)])*)\)`)
	}
	return res
}()

var errNotPDF = errors.New("содержимое не является PDF")

// pdfPipeline — подконвейер PDF. Разбор ограничен несжатыми объектами.
type pdfPipeline struct {
	run *run
}

// metadata — версия, количество страниц, поля Info, признак шифрования.
func (p *pdfPipeline) metadata() error {
	data := p.run.data
	m := pdfHeaderRe.FindSubmatch(data)
	if m == nil {
		return errNotPDF
	}

	bag := map[string]any{
		"version":   string(m[1]),
		"pages":     pdfPageCount(data),
		"encrypted": bytes.Contains(data, []byte("/Encrypt")),
		"size":      len(data),
	}
	for _, key := range pdfInfoKeys {
		if v, ok := pdfInfoValue(data, key); ok {
			bag[strings.ToLower(key)] = v
		}
	}
	if preview := pdfTextPreview(data, previewLimit); preview != "" {
		bag["text_preview"] = preview
	}

	p.run.result.SetMetadata(string(model.CategoryPDF), bag)
	return nil
}

// thumbnail сохраняет текстовое превью первых страниц.
func (p *pdfPipeline) thumbnail() error {
	if !pdfHeaderRe.Match(p.run.data) {
		return errNotPDF
	}
	preview := pdfTextPreview(p.run.data, previewLimit)
	if preview == "" {
		return errors.New("в PDF нет несжатого текстового слоя")
	}

	key := objectstore.PreviewKey(p.run.file.ID)
	if err := p.run.upload(key, []byte(preview), "text/plain; charset=utf-8"); err != nil {
		return err
	}
	p.run.result.ThumbnailKey = key
	return nil
}

// optimize удаляет комментарии и хвостовые пробелы вне потоков
// и перестраивает таблицу xref. Файлы с xref-потоками и
// инкрементальными обновлениями не изменяются.
func (p *pdfPipeline) optimize() error {
	data := p.run.data
	if !pdfHeaderRe.Match(data) {
		return errNotPDF
	}

	original := int64(len(data))
	if bytes.Contains(data, []byte("/XRef")) || bytes.Count(data, []byte("startxref")) != 1 {
		p.run.result.Optimization = model.NewOptimizationStats(original, original, []string{"unsupported-xref"}, "")
		return nil
	}

	stripped := stripPDF(data)
	rebuilt, err := rebuildXref(stripped)
	if err != nil {
		return err
	}

	if int64(len(rebuilt)) >= original {
		p.run.result.Optimization = model.NewOptimizationStats(original, original, []string{"already-optimal"}, "")
		return nil
	}

	key := objectstore.OptimizedKey(p.run.file.ID, "pdf")
	if err := p.run.upload(key, rebuilt, "application/pdf"); err != nil {
		return err
	}
	p.run.result.Optimization = model.NewOptimizationStats(original, int64(len(rebuilt)),
		[]string{"strip-comments", "trim-whitespace", "rebuild-xref"}, key)
	return nil
}

// pdfPageCount считает объекты /Type /Page, либо берёт /Count корня /Pages.
func pdfPageCount(data []byte) int {
	if n := len(pdfPageRe.FindAll(data, -1)); n > 0 {
		return n
	}
	m := pdfCountRe.FindSubmatch(data)
	if m == nil {
		return 0
	}
	for _, g := range m[1:] {
		if len(g) > 0 {
			n, _ := strconv.Atoi(string(g))
			return n
		}
	}
	return 0
}

// pdfInfoValue извлекает литеральную строку поля Info (/Key (value)).
// Ключ вне pdfInfoKeys не ищется.
func pdfInfoValue(data []byte, key string) (string, bool) {
	re, ok := pdfInfoRes[key]
	if !ok {
		return "", false
	}
	m := re.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(unescapePDFString(m[1]))
	return v, v != ""
}

// pdfTextPreview собирает текст операторов Tj/TJ до limit символов.
func pdfTextPreview(data []byte, limit int) string {
	type hit struct {
		pos  int
		text string
	}
	var hits []hit
	for _, m := range pdfTjRe.FindAllSubmatchIndex(data, -1) {
		hits = append(hits, hit{m[0], unescapePDFString(data[m[2]:m[3]])})
	}
	for _, m := range pdfTJArrayRe.FindAllSubmatchIndex(data, -1) {
		var sb strings.Builder
		for _, s := range pdfStringRe.FindAllSubmatch(data[m[2]:m[3]], -1) {
			sb.WriteString(unescapePDFString(s[1]))
		}
		hits = append(hits, hit{m[0], sb.String()})
	}
	if len(hits) == 0 {
		return ""
	}

	// Порядок появления в файле
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	var parts []string
	for _, h := range hits {
		if t := strings.TrimSpace(h.text); t != "" {
			parts = append(parts, t)
		}
	}
	return truncateRunes(strings.Join(strings.Fields(strings.Join(parts, " ")), " "), limit)
}

// unescapePDFString раскрывает escape-последовательности литеральной строки PDF.
func unescapePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'b', 'f':
		case '(', ')', '\\':
			sb.WriteByte(raw[i])
		default:
			// Восьмеричный код \ddd
			j := i
			for j < len(raw) && j < i+3 && raw[j] >= '0' && raw[j] <= '7' {
				j++
			}
			if j > i {
				v, _ := strconv.ParseUint(string(raw[i:j]), 8, 8)
				sb.WriteByte(byte(v))
				i = j - 1
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// stripPDF удаляет строки-комментарии и хвостовые пробелы вне потоков.
// Заголовок, бинарный маркер второй строки и %%EOF сохраняются.
func stripPDF(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	out := make([]byte, 0, len(data))
	inStream := false

	for i, line := range lines {
		last := i == len(lines)-1
		if inStream {
			out = append(out, line...)
			if !last {
				out = append(out, '\n')
			}
			if bytes.HasPrefix(bytes.TrimSpace(line), []byte("endstream")) {
				inStream = false
			}
			continue
		}

		trimmed := bytes.TrimRight(line, " \t\r")
		keep := true
		if bytes.HasPrefix(trimmed, []byte("%")) {
			keep = i == 0 || bytes.HasPrefix(trimmed, []byte("%%EOF")) || (i == 1 && hasBinary(trimmed))
		}
		if !keep {
			continue
		}
		if len(trimmed) == 0 && !last {
			continue
		}

		out = append(out, trimmed...)
		if !last {
			out = append(out, '\n')
		}
		if bytes.HasSuffix(trimmed, []byte("stream")) && !bytes.HasSuffix(trimmed, []byte("endstream")) {
			inStream = true
		}
	}
	return out
}

func hasBinary(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return true
		}
	}
	return false
}

// rebuildXref пересчитывает смещения объектов в классической таблице xref.
func rebuildXref(data []byte) ([]byte, error) {
	xrefPos := bytes.LastIndex(data, []byte("\nxref"))
	trailerPos := bytes.LastIndex(data, []byte("trailer"))
	startPos := bytes.LastIndex(data, []byte("startxref"))
	if xrefPos < 0 || trailerPos < xrefPos || startPos < trailerPos {
		return nil, errors.New("таблица xref не найдена")
	}

	body := data[:xrefPos+1]
	offsets := make(map[int]int)
	maxObj := 0
	for _, m := range pdfObjRe.FindAllSubmatchIndex(body, -1) {
		num, err := strconv.Atoi(string(body[m[2]:m[3]]))
		if err != nil {
			continue
		}
		offsets[num] = m[0]
		maxObj = max(maxObj, num)
	}
	if len(offsets) == 0 {
		return nil, errors.New("объекты PDF не найдены")
	}

	size := maxObj + 1
	var sb strings.Builder
	fmt.Fprintf(&sb, "xref\n0 %d\n0000000000 65535 f \n", size)
	for i := 1; i < size; i++ {
		if off, ok := offsets[i]; ok {
			fmt.Fprintf(&sb, "%010d 00000 n \n", off)
		} else {
			sb.WriteString("0000000000 65535 f \n")
		}
	}

	trailer := pdfSizeRe.ReplaceAll(bytes.TrimRight(data[trailerPos:startPos], " \t\r\n"),
		[]byte("/Size "+strconv.Itoa(size)))

	out := make([]byte, 0, len(data))
	out = append(out, body...)
	out = append(out, sb.String()...)
	out = append(out, trailer...)
	out = append(out, fmt.Sprintf("\nstartxref\n%d\n%%%%EOF\n", len(body))...)
	return out, nil
}

// truncateRunes обрезает строку до limit символов.
func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
