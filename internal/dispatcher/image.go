package dispatcher

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"

	// Дополнительные декодеры для image.Decode
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/storage/objectstore"
)

// Поддерживаемые целевые форматы конвертации.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
)

// thumbnailQuality — качество JPEG миниатюр.
const thumbnailQuality = 85

// imagePipeline — подконвейер изображений.
type imagePipeline struct {
	run *run

	decoded image.Image
	format  string
}

// decode декодирует изображение один раз на выполнение.
func (p *imagePipeline) decode() (image.Image, string, error) {
	if p.decoded != nil {
		return p.decoded, p.format, nil
	}
	img, format, err := image.Decode(bytes.NewReader(p.run.data))
	if err != nil {
		return nil, "", fmt.Errorf("ошибка декодирования изображения: %w", err)
	}
	p.decoded, p.format = img, format
	return img, format, nil
}

// metadata — размеры, формат, цветовая модель.
// Декодируется только заголовок.
func (p *imagePipeline) metadata() error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(p.run.data))
	if err != nil {
		return fmt.Errorf("ошибка чтения заголовка изображения: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("некорректные размеры изображения %dx%d", cfg.Width, cfg.Height)
	}

	orientation := "square"
	switch {
	case cfg.Width > cfg.Height:
		orientation = "landscape"
	case cfg.Width < cfg.Height:
		orientation = "portrait"
	}

	p.run.result.SetMetadata(string(model.CategoryImage), map[string]any{
		"width":        cfg.Width,
		"height":       cfg.Height,
		"format":       format,
		"color_model":  colorModelName(cfg.ColorModel),
		"megapixels":   round2(float64(cfg.Width*cfg.Height) / 1e6),
		"aspect_ratio": round2(float64(cfg.Width) / float64(cfg.Height)),
		"orientation":  orientation,
		"size":         len(p.run.data),
	})
	return nil
}

// thumbnail вписывает изображение в рамку миниатюры и сохраняет как JPEG.
func (p *imagePipeline) thumbnail() error {
	img, _, err := p.decode()
	if err != nil {
		return err
	}

	cfg := p.run.d.cfg
	thumb := scaleToFit(img, cfg.ThumbnailWidth, cfg.ThumbnailHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(thumb), &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return fmt.Errorf("ошибка кодирования миниатюры: %w", err)
	}

	key := objectstore.ThumbnailKey(p.run.file.ID)
	if err := p.run.upload(key, buf.Bytes(), "image/jpeg"); err != nil {
		return err
	}
	p.run.result.ThumbnailKey = key
	return nil
}

// optimize уменьшает изображение до MaxWebEdge и перекодирует.
// Результат сохраняется только если он меньше исходного.
func (p *imagePipeline) optimize() error {
	img, format, err := p.decode()
	if err != nil {
		return err
	}

	var techniques []string
	maxEdge := p.run.d.cfg.MaxWebEdge
	b := img.Bounds()
	if b.Dx() > maxEdge || b.Dy() > maxEdge {
		img = scaleToFit(img, maxEdge, maxEdge)
		techniques = append(techniques, fmt.Sprintf("resize-%dpx", maxEdge))
	}

	var buf bytes.Buffer
	ext := "jpg"
	contentType := "image/jpeg"
	switch format {
	case "png", "gif":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return fmt.Errorf("ошибка кодирования PNG: %w", err)
		}
		ext, contentType = "png", "image/png"
		techniques = append(techniques, "png-best-compression")
	default:
		quality := p.jpegQuality()
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("ошибка кодирования JPEG: %w", err)
		}
		techniques = append(techniques, fmt.Sprintf("jpeg-q%d", quality))
	}

	original := int64(len(p.run.data))
	optimized := int64(buf.Len())
	if optimized >= original {
		p.run.result.Optimization = model.NewOptimizationStats(original, original, []string{"already-optimal"}, "")
		return nil
	}

	key := objectstore.OptimizedKey(p.run.file.ID, ext)
	if err := p.run.upload(key, buf.Bytes(), contentType); err != nil {
		return err
	}
	p.run.result.Optimization = model.NewOptimizationStats(original, optimized, techniques, key)
	return nil
}

// convert перекодирует изображение в целевой формат.
func (p *imagePipeline) convert(format string) error {
	img, _, err := p.decode()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	var ext, contentType string
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: p.jpegQuality()})
		ext, contentType = "jpg", "image/jpeg"
	case FormatPNG:
		err = png.Encode(&buf, img)
		ext, contentType = "png", "image/png"
	case FormatGIF:
		err = gif.Encode(&buf, img, nil)
		ext, contentType = "gif", "image/gif"
	}
	if err != nil {
		return fmt.Errorf("ошибка кодирования %s: %w", format, err)
	}

	key := objectstore.ConvertedKey(p.run.file.ID, ext)
	if err := p.run.upload(key, buf.Bytes(), contentType); err != nil {
		return err
	}
	p.run.result.Conversion = &model.ConversionResult{Format: format, Key: key, Size: int64(buf.Len())}
	return nil
}

func (p *imagePipeline) jpegQuality() int {
	q := p.run.opts.ImageQuality
	if q < 1 || q > 100 {
		return p.run.d.cfg.DefaultJPEGQuality
	}
	return q
}

// normalizeFormat приводит целевой формат к jpeg/png/gif.
func normalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	default:
		return "", model.NewProcessingError(model.CodeNotApplicable,
			fmt.Sprintf("неподдерживаемый целевой формат %q", format), false, model.ErrInvalidInput)
	}
}

// scaleToFit масштабирует изображение с сохранением пропорций, чтобы оно
// поместилось в w×h. Изображения меньше рамки не увеличиваются.
func scaleToFit(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw <= w && sh <= h {
		return src
	}

	scale := math.Min(float64(w)/float64(sw), float64(h)/float64(sh))
	dw := max(1, int(math.Round(float64(sw)*scale)))
	dh := max(1, int(math.Round(float64(sh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// flatten накладывает изображение на белый фон (JPEG не поддерживает прозрачность).
func flatten(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func colorModelName(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return "paletted"
	}
	switch m {
	case color.RGBAModel:
		return "rgba"
	case color.RGBA64Model:
		return "rgba64"
	case color.NRGBAModel:
		return "nrgba"
	case color.NRGBA64Model:
		return "nrgba64"
	case color.GrayModel:
		return "gray"
	case color.Gray16Model:
		return "gray16"
	case color.YCbCrModel:
		return "ycbcr"
	case color.CMYKModel:
		return "cmyk"
	default:
		return "other"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
