package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// metaSuffix — суффикс sidecar-файла метаданных объекта.
const metaSuffix = ".meta.json"

// LocalStore — хранилище объектов на локальном диске.
// Каждый объект сопровождается {key}.meta.json с ObjectInfo.
// Запись атомарна: temp → fsync → rename.
type LocalStore struct {
	// rootDir — корневая директория хранения (PM_LOCAL_STORAGE_DIR)
	rootDir string
}

// NewLocalStore создаёт LocalStore, при необходимости создавая директорию.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", rootDir, err)
	}
	return &LocalStore{rootDir: rootDir}, nil
}

// RootDir возвращает корневую директорию.
func (s *LocalStore) RootDir() string {
	return s.rootDir
}

func (s *LocalStore) fullPath(key string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(key))
}

func (s *LocalStore) Download(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("ошибка чтения объекта %s: %w", key, err)
	}

	info, err := s.Info(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Object{Data: data, Info: *info}, nil
}

func (s *LocalStore) Upload(
	ctx context.Context, key string, data []byte, contentType string, meta map[string]string,
) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := s.fullPath(key)
	checksum, size, err := writeAtomic(full, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	info := &ObjectInfo{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		Checksum:     checksum,
		Metadata:     meta,
		LastModified: time.Now().UTC(),
	}
	if err := writeMeta(full+metaSuffix, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	obj, err := s.Download(ctx, src)
	if err != nil {
		return err
	}
	_, err = s.Upload(ctx, dst, obj.Data, obj.Info.ContentType, obj.Info.Metadata)
	return err
}

func (s *LocalStore) Info(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := s.fullPath(key)
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("ошибка получения информации об объекте %s: %w", key, err)
	}

	info, err := readMeta(full + metaSuffix)
	if err != nil {
		// Объект без sidecar (положен извне) — метаданные из файловой системы
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		checksum, err := fileChecksum(full)
		if err != nil {
			return nil, err
		}
		info = &ObjectInfo{
			Key:          key,
			ContentType:  "application/octet-stream",
			Checksum:     checksum,
			LastModified: st.ModTime().UTC(),
		}
	}
	info.Size = st.Size()
	return info, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	full := s.fullPath(key)
	for _, p := range []string{full, full + metaSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ошибка удаления %s: %w", p, err)
		}
	}
	return nil
}

// CheckReady реализует handlers.ReadinessChecker: корень доступен на запись.
func (s *LocalStore) CheckReady() (status string, message string) {
	probe, err := os.CreateTemp(s.rootDir, ".ready-*")
	if err != nil {
		return "fail", fmt.Sprintf("директория хранилища недоступна: %v", err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return "ok", "локальное хранилище доступно"
}

// writeAtomic записывает данные с подсчётом SHA-256 на лету.
// Паттерн: temp файл → запись → fsync → atomic rename.
func writeAtomic(fullPath string, r io.Reader) (checksum string, size int64, err error) {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", 0, fmt.Errorf("не удалось создать директорию: %w", err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	size, err = io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func writeMeta(path string, info *ObjectInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных объекта: %w", err)
	}
	if _, _, err := writeAtomic(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ошибка записи метаданных объекта: %w", err)
	}
	return nil
}

func readMeta(path string) (*ObjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}
	return &info, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
