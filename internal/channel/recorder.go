package channel

import "sync"

// Invocation is a recorded outbound call.
type Invocation struct {
	Method    string
	Arguments any
}

// Recorder is an Invoker that keeps every invocation in memory.
type Recorder struct {
	mu    sync.Mutex
	calls []Invocation
	Err   error
}

func (r *Recorder) InvokeMethod(method string, arguments any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Invocation{Method: method, Arguments: arguments})
	return r.Err
}

func (r *Recorder) Invocations() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.calls...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ResultRecorder is a Result that remembers what it was given.
type ResultRecorder struct {
	Status  string
	Value   any
	Code    string
	Message string
	Calls   int
}

func (r *ResultRecorder) Success(value any) {
	r.Calls++
	r.Status = "success"
	r.Value = value
}

func (r *ResultRecorder) Error(code, message string, _ any) {
	r.Calls++
	r.Status = "error"
	r.Code = code
	r.Message = message
}

func (r *ResultRecorder) NotImplemented() {
	r.Calls++
	r.Status = "not_implemented"
}
