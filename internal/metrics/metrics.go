// Пакет metrics — приёмник метрик конвейера обработки.
// Реализации: Prometheus (собственный Registerer) и Noop.
// Вызовы не блокируют конвейер и не возвращают ошибок.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// Sink — приёмник метрик конвейера.
type Sink interface {
	JobSubmitted(jobType model.JobType, priority int)
	AdmissionRejected(reason string)
	JobStarted(jobType model.JobType)
	JobFinished(jobType model.JobType, outcome string, duration time.Duration)
	JobFailed(jobType model.JobType, code string, willRetry bool)
	JobCancelled(jobType model.JobType)
	JobRetried(jobType model.JobType)
	JobStalled()
	ScanCompleted(classification model.ScanClassification, duration time.Duration)
	Quarantined()
	StepFailed(step string)
	SetQueueDepth(state string, n int64)
	StatusCacheLookup(hit bool)
}

// Исходы выполнения задачи.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Prometheus — реализация Sink поверх client_golang.
type Prometheus struct {
	submitted   *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	started     *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	failed      *prometheus.CounterVec
	cancelled   *prometheus.CounterVec
	retried     *prometheus.CounterVec
	stalled     prometheus.Counter
	scans       *prometheus.CounterVec
	scanTime    prometheus.Histogram
	quarantined prometheus.Counter
	stepFailed  *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	cacheLookup *prometheus.CounterVec
}

// NewPrometheus регистрирует метрики в reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_jobs_submitted_total",
			Help: "Количество поставленных в очередь задач",
		}, []string{"job_type", "priority"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_admission_rejected_total",
			Help: "Количество отказов при допуске файла к обработке",
		}, []string{"reason"}),
		started: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_jobs_started_total",
			Help: "Количество начатых попыток выполнения задач",
		}, []string{"job_type"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pm_jobs_in_flight",
			Help: "Количество выполняющихся задач",
		}, []string{"job_type"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pm_job_duration_seconds",
			Help:    "Длительность выполнения попытки задачи в секундах",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"job_type", "outcome"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_jobs_failed_total",
			Help: "Количество неудачных попыток выполнения задач",
		}, []string{"job_type", "code", "will_retry"}),
		cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_jobs_cancelled_total",
			Help: "Количество отменённых задач",
		}, []string{"job_type"}),
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_jobs_retried_total",
			Help: "Количество ручных повторов задач",
		}, []string{"job_type"}),
		stalled: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_jobs_stalled_total",
			Help: "Количество зависших задач",
		}),
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_scans_total",
			Help: "Количество проверок безопасности по классификации",
		}, []string{"classification"}),
		scanTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pm_scan_duration_seconds",
			Help:    "Длительность проверки безопасности в секундах",
			Buckets: prometheus.DefBuckets,
		}),
		quarantined: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_files_quarantined_total",
			Help: "Количество файлов, помещённых в карантин",
		}),
		stepFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_pipeline_step_failures_total",
			Help: "Количество частичных ошибок шагов подконвейеров",
		}, []string{"step"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pm_queue_jobs",
			Help: "Количество задач в очереди по состояниям",
		}, []string{"state"}),
		cacheLookup: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_status_cache_lookups_total",
			Help: "Обращения к кэшу статусов задач",
		}, []string{"result"}),
	}
}

func (p *Prometheus) JobSubmitted(jobType model.JobType, priority int) {
	p.submitted.WithLabelValues(string(jobType), strconv.Itoa(priority)).Inc()
}

func (p *Prometheus) AdmissionRejected(reason string) {
	p.rejected.WithLabelValues(reason).Inc()
}

func (p *Prometheus) JobStarted(jobType model.JobType) {
	p.started.WithLabelValues(string(jobType)).Inc()
	p.inFlight.WithLabelValues(string(jobType)).Inc()
}

// JobFinished фиксирует завершение попытки и уменьшает in-flight.
func (p *Prometheus) JobFinished(jobType model.JobType, outcome string, duration time.Duration) {
	p.inFlight.WithLabelValues(string(jobType)).Dec()
	p.duration.WithLabelValues(string(jobType), outcome).Observe(duration.Seconds())
}

func (p *Prometheus) JobFailed(jobType model.JobType, code string, willRetry bool) {
	p.failed.WithLabelValues(string(jobType), code, strconv.FormatBool(willRetry)).Inc()
}

func (p *Prometheus) JobCancelled(jobType model.JobType) {
	p.cancelled.WithLabelValues(string(jobType)).Inc()
}

func (p *Prometheus) JobRetried(jobType model.JobType) {
	p.retried.WithLabelValues(string(jobType)).Inc()
}

func (p *Prometheus) JobStalled() { p.stalled.Inc() }

func (p *Prometheus) ScanCompleted(classification model.ScanClassification, duration time.Duration) {
	p.scans.WithLabelValues(string(classification)).Inc()
	p.scanTime.Observe(duration.Seconds())
}

func (p *Prometheus) Quarantined() { p.quarantined.Inc() }

func (p *Prometheus) StepFailed(step string) {
	p.stepFailed.WithLabelValues(step).Inc()
}

func (p *Prometheus) SetQueueDepth(state string, n int64) {
	p.queueDepth.WithLabelValues(state).Set(float64(n))
}

func (p *Prometheus) StatusCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookup.WithLabelValues(result).Inc()
}

// Noop — приёмник, отбрасывающий все метрики.
type Noop struct{}

func (Noop) JobSubmitted(model.JobType, int)                       {}
func (Noop) AdmissionRejected(string)                              {}
func (Noop) JobStarted(model.JobType)                              {}
func (Noop) JobFinished(model.JobType, string, time.Duration)      {}
func (Noop) JobFailed(model.JobType, string, bool)                 {}
func (Noop) JobCancelled(model.JobType)                            {}
func (Noop) JobRetried(model.JobType)                              {}
func (Noop) JobStalled()                                           {}
func (Noop) ScanCompleted(model.ScanClassification, time.Duration) {}
func (Noop) Quarantined()                                          {}
func (Noop) StepFailed(string)                                     {}
func (Noop) SetQueueDepth(string, int64)                           {}
func (Noop) StatusCacheLookup(bool)                                {}

var (
	_ Sink = (*Prometheus)(nil)
	_ Sink = Noop{}
)
