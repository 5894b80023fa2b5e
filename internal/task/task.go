package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is a single timestamped history line.
type HistoryEntry struct {
	At      time.Time
	Message string
}

// Body is the task-specific work a Task wraps. It receives the
// canonicalized, already-validated parameter object and may suspend
// (honor ctx cancellation/deadline). A returned error that is not
// already a *Error is wrapped as TimeoutError when ctx has been
// cancelled or has expired, and as SystemError otherwise.
type Body func(ctx context.Context, t *Task, params map[string]any) (map[string]any, error)

// Task is a single unit of work: name, type tag, priority, timeout,
// history trail, parameter schema, typed error field, and an optional
// result. A Task instance is executed at most once.
type Task struct {
	RunID    string
	name     string
	typeTag  string
	priority int
	timeout  time.Duration
	schema   *Schema
	body     Body

	mu         sync.Mutex
	history    []HistoryEntry
	paramErrs  []string
	errKind    ErrorKind
	errMessage string
	result     map[string]any
	executed   bool
	onHistory  func(HistoryEntry)
}

// OnHistory registers a callback invoked with every recorded history
// entry, used by the optional event bus to fan a task's trail out to
// external observers without affecting execution.
func (t *Task) OnHistory(fn func(HistoryEntry)) {
	t.mu.Lock()
	t.onHistory = fn
	t.mu.Unlock()
}

// New constructs a task. priority defaults to 5 when 0 is passed.
func New(name, typeTag string, priority int, timeout time.Duration, schema *Schema, body Body) *Task {
	if priority == 0 {
		priority = 5
	}
	if schema == nil {
		schema = NewSchema()
	}
	return &Task{
		RunID:    uuid.NewString(),
		name:     name,
		typeTag:  typeTag,
		priority: priority,
		timeout:  timeout,
		schema:   schema,
		body:     body,
	}
}

func (t *Task) Name() string            { return t.name }
func (t *Task) Type() string            { return t.typeTag }
func (t *Task) Priority() int           { return t.priority }
func (t *Task) Timeout() time.Duration  { return t.timeout }
func (t *Task) Schema() *Schema         { return t.schema }
func (t *Task) GetParamErrors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paramErrs...)
}

// AddHistoryEntry appends a timestamped, thread-safe history line.
func (t *Task) AddHistoryEntry(message string) {
	t.mu.Lock()
	entry := HistoryEntry{At: time.Now(), Message: message}
	t.history = append(t.history, entry)
	onHistory := t.onHistory
	t.mu.Unlock()
	if onHistory != nil {
		onHistory(entry)
	}
}

// History returns a copy of the recorded trail.
func (t *Task) History() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]HistoryEntry(nil), t.history...)
}

// SetErrorType records the task's typed error kind.
func (t *Task) SetErrorType(kind ErrorKind, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errKind = kind
	t.errMessage = message
}

// ErrorKind returns the task's recorded error kind, if any.
func (t *Task) ErrorKind() ErrorKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errKind
}

// SetResult stores the one-shot result slot.
func (t *Task) SetResult(result map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
}

// GetResult reads the result slot (empty/nil unless execution succeeded).
func (t *Task) GetResult() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// ValidateParams runs schema validation, recording the error list.
func (t *Task) ValidateParams(params map[string]any) (map[string]any, bool) {
	canon, errs := t.schema.Validate(params)
	t.mu.Lock()
	t.paramErrs = errs
	t.mu.Unlock()
	return canon, len(errs) == 0
}

// Execute runs validation, records a start/finish history entry,
// invokes the task body, and converts any returned error into the
// typed error taxonomy. A task instance is executed at most once.
func (t *Task) Execute(ctx context.Context, params map[string]any) error {
	t.mu.Lock()
	if t.executed {
		t.mu.Unlock()
		return NewError(SystemError, "task already executed")
	}
	t.executed = true
	t.mu.Unlock()

	t.AddHistoryEntry("execute: validating parameters")
	canon, ok := t.ValidateParams(params)
	if !ok {
		t.SetErrorType(InvalidParameter, "parameter validation failed")
		t.AddHistoryEntry("execute: validation failed")
		return NewError(InvalidParameter, "parameter validation failed")
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	t.AddHistoryEntry("execute: running task body")
	result, err := t.runBody(ctx, canon)
	if err != nil {
		taskErr := asTaskError(ctx, err)
		t.SetErrorType(taskErr.Kind, taskErr.Message)
		t.AddHistoryEntry("execute: failed: " + taskErr.Message)
		return taskErr
	}
	t.SetResult(result)
	t.AddHistoryEntry("execute: completed")
	return nil
}

func (t *Task) runBody(ctx context.Context, canon map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(SystemError, panicMessage(r))
		}
	}()
	if t.body == nil {
		return nil, NewError(SystemError, "task has no body")
	}
	return t.body(ctx, t, canon)
}

func asTaskError(ctx context.Context, err error) *Error {
	if te, ok := err.(*Error); ok {
		return te
	}
	if ctx.Err() != nil {
		return NewError(TimeoutError, ctx.Err().Error())
	}
	return NewError(SystemError, err.Error())
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic in task body"
}
