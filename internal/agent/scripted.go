package agent

import (
	"context"
	"sync"
)

// Reply is one scripted response.
type Reply struct {
	Result Result
	Err    error
}

// Call records one invocation seen by Scripted.
type Call struct {
	Service   string
	Operation string
	Args      map[string]any
	AuthToken string
}

// Scripted is an in-memory Caller that replays queued replies per operation.
// The last queued reply repeats; unscripted operations succeed with an empty result.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []Call
	hook    func(Call)
}

// NewScripted returns an empty script.
func NewScripted() *Scripted {
	return &Scripted{replies: make(map[string][]Reply)}
}

// On queues replies for service/operation.
func (s *Scripted) On(service, operation string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := service + "/" + operation
	s.replies[key] = append(s.replies[key], replies...)
	return s
}

// OnCall registers a hook run before each reply is returned.
func (s *Scripted) OnCall(hook func(Call)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
	return s
}

// Call implements Caller.
func (s *Scripted) Call(ctx context.Context, service, operation string, args map[string]any, authToken string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CallError{Service: service, Operation: operation, Err: err}
	}

	s.mu.Lock()
	call := Call{Service: service, Operation: operation, Args: args, AuthToken: authToken}
	s.calls = append(s.calls, call)
	key := service + "/" + operation
	queue := s.replies[key]
	var reply Reply
	if len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			s.replies[key] = queue[1:]
		}
	}
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Result == nil {
		return Result{}, nil
	}
	return reply.Result, nil
}

// Calls returns every recorded call in order.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many times service/operation was called.
func (s *Scripted) Count(service, operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Service == service && c.Operation == operation {
			n++
		}
	}
	return n
}

// Fail builds a failing reply carrying a remote error message.
func Fail(service, operation, message string) Reply {
	return Reply{Err: &OperationError{Service: service, Operation: operation, Message: message}}
}

// OK builds a successful reply.
func OK(result Result) Reply {
	return Reply{Result: result}
}
