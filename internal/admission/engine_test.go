package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
)

// fakeFiles — in-memory FileReader для тестов.
type fakeFiles struct {
	files map[string]*model.FileRecord
	err   error
}

func (f *fakeFiles) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestComputePriority_Cases проверяет эталонные значения приоритета.
func TestComputePriority_Cases(t *testing.T) {
	two := 2
	tests := []struct {
		name  string
		class model.DocumentClass
		size  int64
		opts  model.ProcessingOptions
		want  int
	}{
		{"confidential обычный размер", model.ClassConfidential, 1 * model.MiB, model.ProcessingOptions{}, 9},
		{"document 100 MiB", model.ClassDocument, 100 * model.MiB, model.ProcessingOptions{}, 3},
		{"document срочный", model.ClassDocument, 1 * model.MiB, model.ProcessingOptions{Urgent: true}, 8},
		{"confidential явный 2", model.ClassConfidential, 1 * model.MiB, model.ProcessingOptions{Priority: &two}, 2},
		{"confidential срочный → clamp 12", model.ClassConfidential, 1 * model.MiB, model.ProcessingOptions{Urgent: true}, 10},
		{"archive 100 MiB → clamp 0", model.ClassArchive, 100 * model.MiB, model.ProcessingOptions{}, 1},
		{"явный приоритет отменяет штраф", model.ClassDocument, 100 * model.MiB, model.ProcessingOptions{Priority: &two}, 2},
		{"явный 2 + срочность → 8", model.ClassDocument, 1 * model.MiB, model.ProcessingOptions{Priority: &two, Urgent: true}, 8},
		{"неизвестный класс → база", model.DocumentClass("other"), 1 * model.MiB, model.ProcessingOptions{}, 5},
		{"ровно 50 MiB без штрафа", model.ClassTemplate, 50 * model.MiB, model.ProcessingOptions{}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &model.FileRecord{Class: tt.class, Size: tt.size}
			if got := ComputePriority(f, tt.opts); got != tt.want {
				t.Errorf("ComputePriority() = %d, ожидалось %d", got, tt.want)
			}
		})
	}
}

// TestComputePriority_Bounds перебирает все комбинации класса, размера,
// явного приоритета и срочности.
func TestComputePriority_Bounds(t *testing.T) {
	classes := []model.DocumentClass{
		model.ClassDocument, model.ClassTemplate, model.ClassProjectDocument,
		model.ClassConfidential, model.ClassTemporary, model.ClassArchive,
	}
	sizes := []int64{0, 1, 50 * model.MiB, 50*model.MiB + 1, 2048 * model.MiB}
	overrides := []*int{nil}
	for _, v := range []int{-5, 0, 1, 5, 10, 15} {
		overrides = append(overrides, &v)
	}

	for _, c := range classes {
		for _, s := range sizes {
			for _, o := range overrides {
				for _, urgent := range []bool{false, true} {
					p := ComputePriority(&model.FileRecord{Class: c, Size: s},
						model.ProcessingOptions{Priority: o, Urgent: urgent})
					if p < MinPriority || p > MaxPriority {
						t.Fatalf("приоритет %d вне [1,10]: class=%s size=%d urgent=%v", p, c, s, urgent)
					}
					if urgent && p < UrgentFloor {
						t.Fatalf("срочная задача с приоритетом %d < 8", p)
					}
				}
			}
		}
	}
}

func TestEstimateDuration_Formula(t *testing.T) {
	f := &model.FileRecord{Size: 3 * model.MiB, MimeType: "image/png"}
	// 5000 + ceil(3/2)*1000 = 7000
	if got := EstimateDuration(f, model.ProcessingOptions{}); got != 7000*time.Millisecond {
		t.Errorf("EstimateDuration() = %v, ожидалось 7s", got)
	}
	// + 2000 + 3000 + 1000
	if got := EstimateDuration(f, model.DefaultProcessingOptions()); got != 13000*time.Millisecond {
		t.Errorf("EstimateDuration(все шаги) = %v, ожидалось 13s", got)
	}

	pdf := &model.FileRecord{Size: 3 * model.MiB, MimeType: "application/pdf"}
	if got := EstimateDuration(pdf, model.ProcessingOptions{}); got != 10500*time.Millisecond {
		t.Errorf("EstimateDuration(pdf) = %v, ожидалось 10.5s", got)
	}
	video := &model.FileRecord{Size: 3 * model.MiB, MimeType: "video/mp4"}
	if got := EstimateDuration(video, model.ProcessingOptions{}); got != 21000*time.Millisecond {
		t.Errorf("EstimateDuration(video) = %v, ожидалось 21s", got)
	}
}

// TestEstimateDuration_Monotonic проверяет рост оценки с размером
// и порядок PDF > текст при одинаковом размере.
func TestEstimateDuration_Monotonic(t *testing.T) {
	opts := model.DefaultProcessingOptions()
	for _, mime := range []string{"text/plain", "application/pdf", "video/mp4"} {
		prev := time.Duration(0)
		for _, size := range []int64{1, 2*model.MiB + 1, 4*model.MiB + 1, 64 * model.MiB, 1024 * model.MiB} {
			d := EstimateDuration(&model.FileRecord{Size: size, MimeType: mime}, opts)
			if d <= prev {
				t.Errorf("%s: оценка для %d байт (%v) не больше предыдущей (%v)", mime, size, d, prev)
			}
			prev = d
		}
	}

	for _, size := range []int64{1, 10 * model.MiB, 500 * model.MiB} {
		pdf := EstimateDuration(&model.FileRecord{Size: size, MimeType: "application/pdf"}, opts)
		text := EstimateDuration(&model.FileRecord{Size: size, MimeType: "text/plain"}, opts)
		video := EstimateDuration(&model.FileRecord{Size: size, MimeType: "video/mp4"}, opts)
		if pdf <= text {
			t.Errorf("size=%d: pdf (%v) должен быть больше text (%v)", size, pdf, text)
		}
		if video <= text {
			t.Errorf("size=%d: video (%v) должен быть больше text (%v)", size, video, text)
		}
	}
}

func TestEstimateTimeout(t *testing.T) {
	tests := []struct {
		name string
		f    *model.FileRecord
		want time.Duration
	}{
		{"нет сведений", &model.FileRecord{}, 60 * time.Second},
		{"nil", nil, 60 * time.Second},
		{"10 MiB текст", &model.FileRecord{Size: 10 * model.MiB, MimeType: "text/plain"}, 40 * time.Second},
		{"10 MiB pdf", &model.FileRecord{Size: 10 * model.MiB, MimeType: "application/pdf"}, 60 * time.Second},
		{"10 MiB video", &model.FileRecord{Size: 10 * model.MiB, MimeType: "video/webm"}, 80 * time.Second},
		{"1 GiB → cap", &model.FileRecord{Size: 1024 * model.MiB, MimeType: "video/mp4"}, 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTimeout(tt.f); got != tt.want {
				t.Errorf("EstimateTimeout() = %v, ожидалось %v", got, tt.want)
			}
		})
	}
}

func TestEstimateQueuePosition(t *testing.T) {
	tests := []struct {
		priority int
		waiting  int64
		want     int
	}{
		{10, 100, 10},
		{1, 100, 100},
		{5, 15, 9},
		{10, 0, 1},
		{10, 1, 1},
		{5, -3, 1},
	}
	for _, tt := range tests {
		if got := EstimateQueuePosition(tt.priority, tt.waiting); got != tt.want {
			t.Errorf("EstimateQueuePosition(%d, %d) = %d, ожидалось %d", tt.priority, tt.waiting, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	deletedAt := time.Now()
	files := &fakeFiles{files: map[string]*model.FileRecord{
		"ok":      {ID: "ok", ProcessingState: model.ProcessingPending},
		"deleted": {ID: "deleted", DeletedAt: &deletedAt},
	}}
	e := NewEngine(files, testLogger())
	ctx := context.Background()

	if f, err := e.Validate(ctx, "ok"); err != nil || f.ID != "ok" {
		t.Errorf("Validate(ok) = %v, %v", f, err)
	}
	for _, id := range []string{"deleted", "missing", ""} {
		if _, err := e.Validate(ctx, id); !errors.Is(err, model.ErrFileNotFound) {
			t.Errorf("Validate(%q): ожидался ErrFileNotFound, получено %v", id, err)
		}
	}

	// Инфраструктурная ошибка не маскируется под NotFound
	files.err = errors.New("connection refused")
	if _, err := e.Validate(ctx, "ok"); err == nil || errors.Is(err, model.ErrFileNotFound) {
		t.Errorf("Validate при ошибке БД: получено %v", err)
	}
}

func TestCheckEligibility(t *testing.T) {
	e := NewEngine(&fakeFiles{}, testLogger())

	for _, s := range []model.ProcessingState{model.ProcessingPending, model.ProcessingFailed, model.ProcessingSkipped} {
		if err := e.CheckEligibility(&model.FileRecord{ID: "f", ProcessingState: s}); err != nil {
			t.Errorf("состояние %s: неожиданная ошибка %v", s, err)
		}
	}
	for _, s := range []model.ProcessingState{model.ProcessingInProgress, model.ProcessingCompleted} {
		err := e.CheckEligibility(&model.FileRecord{ID: "f", ProcessingState: s})
		if !errors.Is(err, model.ErrInvalidProcessingState) {
			t.Errorf("состояние %s: ожидался ErrInvalidProcessingState, получено %v", s, err)
		}
	}

	// Заражённый файл отклоняется даже в допустимом состоянии
	err := e.CheckEligibility(&model.FileRecord{
		ID: "f", ProcessingState: model.ProcessingPending, ScanState: model.ScanInfected,
	})
	if !errors.Is(err, model.ErrSecurityThreat) {
		t.Errorf("заражённый файл: ожидался ErrSecurityThreat, получено %v", err)
	}
}

func TestEligibleStates_Copy(t *testing.T) {
	s := EligibleStates()
	s[0] = model.ProcessingCompleted
	if EligibleStates()[0] != model.ProcessingPending {
		t.Error("EligibleStates() должен возвращать копию")
	}
}
