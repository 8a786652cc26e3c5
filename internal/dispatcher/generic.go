package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path"
	"strings"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// genericPipeline — запасной подконвейер: только базовые метаданные.
type genericPipeline struct {
	run *run
}

// optimize и thumbnail для произвольных двоичных данных не выполняются.
func (p *genericPipeline) optimize() error  { return nil }
func (p *genericPipeline) thumbnail() error { return nil }

// metadata — размер, расширение, тип по сигнатуре, сверка контрольной суммы.
func (p *genericPipeline) metadata() error {
	data := p.run.data
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	bag := map[string]any{
		"size":          len(data),
		"declared_mime": p.run.file.MimeType,
		"detected_mime": http.DetectContentType(data),
		"extension":     strings.ToLower(strings.TrimPrefix(path.Ext(p.run.file.OriginalFilename), ".")),
		"sha256":        checksum,
	}
	if p.run.file.ChecksumSHA256 != "" {
		bag["checksum_match"] = strings.EqualFold(p.run.file.ChecksumSHA256, checksum)
	}

	p.run.result.SetMetadata(string(model.CategoryGeneric), bag)
	return nil
}
