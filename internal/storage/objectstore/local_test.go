package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("ошибка создания LocalStore: %v", err)
	}
	return s
}

// TestLocalStore_UploadDownload проверяет запись с checksum и чтение.
func TestLocalStore_UploadDownload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := []byte("Тестовые данные объекта")

	info, err := s.Upload(ctx, "uploads/a/b.txt", content, "text/plain", map[string]string{"owner": "u1"})
	if err != nil {
		t.Fatalf("Upload() ошибка: %v", err)
	}

	sum := sha256.Sum256(content)
	if info.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s", info.Checksum)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("size = %d, ожидалось %d", info.Size, len(content))
	}

	obj, err := s.Download(ctx, "uploads/a/b.txt")
	if err != nil {
		t.Fatalf("Download() ошибка: %v", err)
	}
	if string(obj.Data) != string(content) {
		t.Errorf("содержимое не совпадает: %q", obj.Data)
	}
	if obj.Info.ContentType != "text/plain" || obj.Info.Metadata["owner"] != "u1" {
		t.Errorf("метаданные не сохранены: %+v", obj.Info)
	}

	// Временных файлов не остаётся
	matches, _ := filepath.Glob(filepath.Join(s.RootDir(), "uploads", "a", "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("остались временные файлы: %v", matches)
	}
}

func TestLocalStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Download(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Download(missing): ожидался ErrNotFound, получено %v", err)
	}
	if _, err := s.Info(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Info(missing): ожидался ErrNotFound, получено %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) должен быть no-op, получено %v", err)
	}
}

func TestLocalStore_CopyDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "src.bin", []byte{1, 2, 3}, "application/octet-stream", nil); err != nil {
		t.Fatalf("Upload() ошибка: %v", err)
	}
	if err := s.Copy(ctx, "src.bin", "copies/dst.bin"); err != nil {
		t.Fatalf("Copy() ошибка: %v", err)
	}
	info, err := s.Info(ctx, "copies/dst.bin")
	if err != nil {
		t.Fatalf("Info() ошибка: %v", err)
	}
	if info.Size != 3 {
		t.Errorf("размер копии = %d, ожидалось 3", info.Size)
	}

	if err := s.Delete(ctx, "src.bin"); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.RootDir(), "src.bin"+metaSuffix)); !os.IsNotExist(err) {
		t.Error("sidecar метаданных не удалён")
	}
}

// TestLocalStore_InfoWithoutSidecar проверяет объект, положенный в каталог извне.
func TestLocalStore_InfoWithoutSidecar(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.RootDir(), "external.dat"), []byte("abc"), 0o640); err != nil {
		t.Fatal(err)
	}

	info, err := s.Info(context.Background(), "external.dat")
	if err != nil {
		t.Fatalf("Info() ошибка: %v", err)
	}
	if info.Size != 3 || info.Checksum == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", "../etc/passwd", "a/../../b", "dir/"} {
		if err := validateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("validateKey(%q): ожидался ErrInvalidKey, получено %v", key, err)
		}
	}
	for _, key := range []string{"a", "thumbnails/f.jpg", "uploads/2026/10/x.pdf"} {
		if err := validateKey(key); err != nil {
			t.Errorf("validateKey(%q): неожиданная ошибка %v", key, err)
		}
	}
}

func TestDerivedKeys(t *testing.T) {
	if got := ThumbnailKey("f1"); got != "thumbnails/f1.jpg" {
		t.Errorf("ThumbnailKey = %q", got)
	}
	if got := OptimizedKey("f1", "pdf"); got != "optimized/f1.pdf" {
		t.Errorf("OptimizedKey = %q", got)
	}
	if got := ConvertedKey("f1", ".png"); got != "converted/f1.png" {
		t.Errorf("ConvertedKey = %q", got)
	}
	if got := PreviewKey("f1"); got != "previews/f1.txt" {
		t.Errorf("PreviewKey = %q", got)
	}
}

func TestLocalStore_CheckReady(t *testing.T) {
	s := newTestStore(t)
	if status, msg := s.CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %q, %q", status, msg)
	}
}
