package worker

import "context"

// Stub is a minimal in-memory Worker used by tests throughout this
// module: a fixed descriptor plus a scriptable Execute function, so
// callers don't need a fake per test.
type Stub struct {
	WorkerName string
	Desc       string
	Acts       []ActionDescriptor
	ExecuteFn  func(ctx context.Context, action string, args map[string]any, dryRun bool) (Result, error)
}

func (s *Stub) Name() string                { return s.WorkerName }
func (s *Stub) Description() string         { return s.Desc }
func (s *Stub) Actions() []ActionDescriptor { return s.Acts }

func (s *Stub) Execute(ctx context.Context, action string, args map[string]any, dryRun bool) (Result, error) {
	if s.ExecuteFn != nil {
		return s.ExecuteFn(ctx, action, args, dryRun)
	}
	return Result{Success: true, Message: "stub: no-op", Simulated: dryRun}, nil
}
