package gpio

import (
	"errors"
	"sync"
)

// FakeLine is a test double that records raw levels.
type FakeLine struct {
	mu sync.Mutex

	value int
	// Levels holds every value written, including the initial one.
	levels []int
	closed bool

	// ReadError and WriteError, if set, are returned by Value and SetValue.
	ReadError  error
	WriteError error
}

// FakeOpener returns an OpenFunc handing out FakeLines and the slice
// it records them in. If failures > 0 that many opens fail first.
func FakeOpener(failures int) (OpenFunc, *[]*FakeLine) {
	var mu sync.Mutex
	var lines []*FakeLine
	open := func(initial int) (Line, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("line busy")
		}
		l := &FakeLine{value: initial, levels: []int{initial}}
		lines = append(lines, l)
		return l, nil
	}
	return open, &lines
}

func (f *FakeLine) Value() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	return f.value, nil
}

func (f *FakeLine) SetValue(v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.value = v
	f.levels = append(f.levels, v)
	return nil
}

// Close marks the line as released.
func (f *FakeLine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Levels returns a copy of the raw values written.
func (f *FakeLine) Levels() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.levels...)
}

// Closed reports whether Close was called.
func (f *FakeLine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
