package target

import (
	"context"
	"time"
)

// OperationKind identifies a class of operation issued against the target
// system. Step metrics are broken down per kind.
type OperationKind string

const (
	OpRead  OperationKind = "read"
	OpWrite OperationKind = "write"
)

// Client executes a single operation against the target data system and
// reports how long it took. Implementations own connection handling; the
// worker only sees latency and success. value carries the workload key
// from a ValueProvider.
type Client interface {
	Execute(ctx context.Context, kind OperationKind, value string) (time.Duration, error)
}

// ValueProvider yields workload keys for query parameters. Values must not
// collide across workers so concurrent runs exercise distinct rows.
type ValueProvider interface {
	NextValue(workerID string) string
}
