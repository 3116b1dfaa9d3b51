package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const DefaultCheckTimeout = 2 * time.Second

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// CheckerRegistry runs every registered checker in parallel, each bounded by
// its own timeout so one stalled dependency cannot hang the probe.
type CheckerRegistry struct {
	timeout  time.Duration
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{timeout: DefaultCheckTimeout}
}

func (r *CheckerRegistry) WithTimeout(d time.Duration) *CheckerRegistry {
	r.timeout = d
	return r
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	var mu sync.Mutex
	results := make(map[string]CheckResult, len(r.checkers))

	var g errgroup.Group
	for _, checker := range r.checkers {
		g.Go(func() error {
			result := r.run(ctx, checker)
			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, result := range results {
		if result.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if result.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}

	return Health{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

func (r *CheckerRegistry) run(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := checker.Check(checkCtx)
	result := CheckResult{
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		if isOptional(checker) {
			result.Status = StatusDegraded
		}
		result.Message = err.Error()
	}
	return result
}

// Handler serves the aggregated status as JSON, with 503 when unhealthy.
func (r *CheckerRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := r.Check(req.Context())

		statusCode := http.StatusOK
		if h.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		body, err := sonic.ConfigStd.Marshal(h)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_, _ = w.Write(body)
	})
}

type FuncChecker struct {
	name     string
	fn       func(ctx context.Context) error
	optional bool
}

func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

// Optional marks the checker as non-critical: a failure degrades the overall
// status instead of making it unhealthy.
func (c *FuncChecker) Optional() *FuncChecker {
	c.optional = true
	return c
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) Check(ctx context.Context) error {
	return c.fn(ctx)
}

func isOptional(checker Checker) bool {
	fc, ok := checker.(*FuncChecker)
	return ok && fc.optional
}

func NewPostgreSQLChecker(db *sql.DB) *FuncChecker {
	return NewFuncChecker("postgresql", func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgresql ping failed: %w", err)
		}
		return nil
	})
}

func NewRedisChecker(client redis.UniversalClient) *FuncChecker {
	return NewFuncChecker("redis", func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	})
}

func NewMongoDBChecker(client *mongo.Client) *FuncChecker {
	return NewFuncChecker("mongodb", func(ctx context.Context) error {
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongodb ping failed: %w", err)
		}
		return nil
	})
}
