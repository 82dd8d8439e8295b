package tools

import (
	"context"
	"sync/atomic"
)

// ExecContext carries per-run capability flags for tool execution. It travels
// through context.Context so tool implementations can enforce what the run
// that invoked them is allowed to do.
type ExecContext struct {
	// UserID identifies the user on whose behalf tools execute.
	UserID string

	// ConversationID identifies the owning conversation, if any.
	ConversationID string

	// BaseDir confines filesystem tools to a directory subtree.
	// Empty means filesystem access is denied.
	BaseDir string

	// AllowFileWrites permits write operations within BaseDir.
	AllowFileWrites bool

	// AllowCommands permits shell command execution.
	AllowCommands bool

	// SearchQuota caps web searches per run (0 = unlimited).
	SearchQuota int

	searchesUsed atomic.Int64
}

// ConsumeSearch reserves one search against the quota. Returns false when
// the quota is exhausted.
func (ec *ExecContext) ConsumeSearch() bool {
	if ec.SearchQuota <= 0 {
		return true
	}
	return ec.searchesUsed.Add(1) <= int64(ec.SearchQuota)
}

type execContextKey struct{}

// WithExecContext attaches an execution context to ctx.
func WithExecContext(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom extracts the execution context from ctx. The second return
// is false when none was attached; tools treat that as fully restricted.
func ExecContextFrom(ctx context.Context) (*ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*ExecContext)
	return ec, ok
}
