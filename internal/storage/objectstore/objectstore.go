// Пакет objectstore — объектное хранилище содержимого файлов.
// Объекты адресуются непрозрачным ключом (storage key), не совпадающим
// с идентификатором файла. Реализации: S3 (aws-sdk-go-v2) и локальный диск.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound — объект не найден.
var ErrNotFound = errors.New("объект не найден")

// ErrInvalidKey — недопустимый ключ объекта.
var ErrInvalidKey = errors.New("недопустимый ключ объекта")

// ObjectInfo — метаданные объекта.
type ObjectInfo struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	// Checksum — SHA-256 (локальное хранилище) или ETag (S3)
	Checksum     string            `json:"checksum"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Object — содержимое объекта с метаданными.
type Object struct {
	Data []byte
	Info ObjectInfo
}

// Storage — операции объектного хранилища.
type Storage interface {
	// Download читает объект целиком.
	Download(ctx context.Context, key string) (*Object, error)
	// Upload записывает объект (перезаписывая существующий).
	Upload(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (*ObjectInfo, error)
	// Copy копирует объект src в dst.
	Copy(ctx context.Context, src, dst string) error
	// Info возвращает метаданные объекта без содержимого.
	Info(ctx context.Context, key string) (*ObjectInfo, error)
	// Delete удаляет объект. Отсутствующий объект — не ошибка.
	Delete(ctx context.Context, key string) error
}

// Префиксы производных объектов.
const (
	ThumbnailPrefix = "thumbnails"
	OptimizedPrefix = "optimized"
	ConvertedPrefix = "converted"
	PreviewPrefix   = "previews"
)

// ThumbnailKey возвращает ключ миниатюры файла.
func ThumbnailKey(fileID string) string {
	return path.Join(ThumbnailPrefix, fileID+".jpg")
}

// OptimizedKey возвращает ключ оптимизированной копии файла.
func OptimizedKey(fileID, ext string) string {
	return path.Join(OptimizedPrefix, fileID+normalizeExt(ext))
}

// ConvertedKey возвращает ключ сконвертированной копии файла.
func ConvertedKey(fileID, format string) string {
	return path.Join(ConvertedPrefix, fileID+normalizeExt(format))
}

// PreviewKey возвращает ключ текстового превью документа.
func PreviewKey(fileID string) string {
	return path.Join(PreviewPrefix, fileID+".txt")
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}

// validateKey отклоняет пустые ключи и выход за пределы корня.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: пустой ключ", ErrInvalidKey)
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
