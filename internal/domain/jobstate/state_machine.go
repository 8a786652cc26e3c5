// Пакет jobstate — конечный автомат жизненного цикла задачи обработки.
//
// Публичные статусы: queued → running → completed | failed, плюс cancelled.
// Нативные состояния движка очереди отображаются так:
//   - waiting, delayed → queued
//   - active → running
//   - completed → completed
//   - failed → failed
//
// Терминальные статусы: completed, cancelled. failed терминален, пока задача
// не повторена вручную (failed → queued).
//
// Machine потокобезопасен через sync.RWMutex.
package jobstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// NativeState — состояние задачи в движке очереди.
type NativeState string

const (
	NativeWaiting   NativeState = "waiting"
	NativeDelayed   NativeState = "delayed"
	NativeActive    NativeState = "active"
	NativeCompleted NativeState = "completed"
	NativeFailed    NativeState = "failed"
)

// Operation — операция жизненного цикла над задачей.
type Operation string

const (
	OpCancel Operation = "cancel"
	OpRetry  Operation = "retry"
)

// CodeInvalidJobState — машиночитаемый код ошибки состояния.
const CodeInvalidJobState = "INVALID_JOB_STATE"

// FromNative отображает нативное состояние очереди в публичный статус.
func FromNative(state NativeState) (model.JobStatus, error) {
	switch state {
	case NativeWaiting, NativeDelayed:
		return model.JobQueued, nil
	case NativeActive:
		return model.JobRunning, nil
	case NativeCompleted:
		return model.JobCompleted, nil
	case NativeFailed:
		return model.JobFailed, nil
	default:
		return "", fmt.Errorf("неизвестное нативное состояние: %q", state)
	}
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[model.JobStatus]map[model.JobStatus]bool{
	model.JobQueued: {model.JobRunning: true, model.JobCancelled: true},
	// running → queued — повтор после ошибки (backoff) или зависшая задача
	model.JobRunning: {
		model.JobCompleted: true,
		model.JobFailed:    true,
		model.JobQueued:    true,
		model.JobCancelled: true,
	},
	// failed → queued — только ручной повтор
	model.JobFailed:    {model.JobQueued: true},
	model.JobCompleted: {},
	model.JobCancelled: {},
}

// allowedOperations — матрица допустимых операций для каждого статуса.
var allowedOperations = map[model.JobStatus]map[Operation]bool{
	model.JobQueued:    {OpCancel: true},
	model.JobRunning:   {OpCancel: true},
	model.JobFailed:    {OpRetry: true},
	model.JobCompleted: {},
	model.JobCancelled: {},
}

// IsTerminal проверяет, является ли статус конечным для автоматических переходов.
func IsTerminal(status model.JobStatus) bool {
	return status == model.JobCompleted || status == model.JobCancelled || status == model.JobFailed
}

// CanPerform проверяет, допустима ли операция в статусе.
func CanPerform(status model.JobStatus, op Operation) bool {
	ops, ok := allowedOperations[status]
	if !ok {
		return false
	}
	return ops[op]
}

// Guard возвращает *StateError, если операция недопустима в статусе.
func Guard(status model.JobStatus, op Operation) error {
	if CanPerform(status, op) {
		return nil
	}
	return &StateError{
		Code:    CodeInvalidJobState,
		Message: fmt.Sprintf("операция %s недопустима в статусе %s", op, status),
	}
}

// TransitionRecord — запись о переходе задачи между статусами.
type TransitionRecord struct {
	From      model.JobStatus `json:"from"`
	To        model.JobStatus `json:"to"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Machine — автомат статуса одной задачи с историей переходов.
type Machine struct {
	mu      sync.RWMutex
	current model.JobStatus
	history []TransitionRecord
}

// NewMachine создаёт автомат в статусе queued — начальном для любой задачи.
func NewMachine() *Machine {
	return &Machine{
		current: model.JobQueued,
		history: make([]TransitionRecord, 0, 4),
	}
}

// Current возвращает текущий статус.
func (m *Machine) Current() model.JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransitionTo проверяет, допустим ли переход в целевой статус.
func (m *Machine) CanTransitionTo(target model.JobStatus) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validTransitions[m.current][target]
}

// TransitionTo выполняет переход, либо возвращает *StateError.
func (m *Machine) TransitionTo(target model.JobStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, ok := validTransitions[m.current]
	if !ok || !transitions[target] {
		return &StateError{
			Code:    CodeInvalidJobState,
			Message: fmt.Sprintf("переход %s → %s недопустим", m.current, target),
		}
	}

	m.history = append(m.history, TransitionRecord{
		From:      m.current,
		To:        target,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	m.current = target
	return nil
}

// History возвращает историю переходов (копия).
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]TransitionRecord, len(m.history))
	copy(result, m.history)
	return result
}

// StateError — ошибка недопустимого состояния задачи.
type StateError struct {
	Code    string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is позволяет сравнивать через errors.Is(err, model.ErrInvalidJobState).
func (e *StateError) Is(target error) bool {
	return target == model.ErrInvalidJobState
}
