package logfwd

import "context"

type ctxKey int

const (
	actionIDKey ctxKey = iota
	stageKey
)

type stageInfo struct {
	index int
	name  string
}

// WithAction returns a context carrying the ambient master action id. The
// coordinator installs it once per run; every goroutine spawned for the run
// inherits it, so logging calls need no explicit id threading.
func WithAction(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey, actionID)
}

// WithStage returns a context additionally carrying the ambient stage
// coordinates. Installed by the coordinator around each stage execution.
func WithStage(ctx context.Context, index int, name string) context.Context {
	return context.WithValue(ctx, stageKey, stageInfo{index: index, name: name})
}

// ActionFromContext reads the ambient master action id
func ActionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actionIDKey).(string)
	return id, ok && id != ""
}

// StageFromContext reads the ambient stage coordinates
func StageFromContext(ctx context.Context) (index int, name string, ok bool) {
	st, ok := ctx.Value(stageKey).(stageInfo)
	return st.index, st.name, ok
}
