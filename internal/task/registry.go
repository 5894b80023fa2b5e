package task

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh Task instance for one named task type.
type Constructor func() *Task

// Factory is the process-wide name-to-constructor registry. It is
// populated once at startup (each workflow package registers its
// constructors in an init func) and is read-only thereafter; duplicate
// registration of the same name is a programming error and panics.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory builds an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// DefaultFactory is the process-wide registry used by workflow package
// init functions via Register.
var DefaultFactory = NewFactory()

// Register installs a constructor under name. Calling Register twice
// for the same name indicates two packages claim the same task type
// and is a programming error: it panics rather than silently
// shadowing one of them.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.constructors[name]; exists {
		panic(fmt.Sprintf("task: duplicate registration for %q", name))
	}
	f.constructors[name] = ctor
}

// Create builds a new Task instance of the named type, or an error if
// no constructor is registered under that name.
func (f *Factory) Create(name string) (*Task, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: no constructor registered for %q", name)
	}
	return ctor(), nil
}

// Names returns the registered task type names in sorted order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for n := range f.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register installs a constructor in the process-wide DefaultFactory.
func Register(name string, ctor Constructor) {
	DefaultFactory.Register(name, ctor)
}

// Create builds a task from the process-wide DefaultFactory.
func Create(name string) (*Task, error) {
	return DefaultFactory.Create(name)
}
