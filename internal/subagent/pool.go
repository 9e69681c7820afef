package subagent

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/pkg/models"
)

// PoolTask is one unit of fan-out work.
type PoolTask struct {
	AgentName string
	Task      string
	Scope     config.ContextScope
}

// TaskResult pairs a pool task with its outcome.
type TaskResult struct {
	Task   PoolTask
	Result models.RunResult
	Err    error
}

// PoolResult aggregates a fan-out.
type PoolResult struct {
	Succeeded int
	Failed    int
	Duration  time.Duration
	Results   []TaskResult
}

// AgentPool fans sub-agent tasks out over a bounded number of workers.
// Tasks start in submission order.
type AgentPool struct {
	orch          *Orchestrator
	MaxConcurrent int
}

// NewPool creates a pool over the orchestrator.
func NewPool(orch *Orchestrator, maxConcurrent int) *AgentPool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &AgentPool{orch: orch, MaxConcurrent: maxConcurrent}
}

// Run executes every task and blocks until all finish. Each child runs in
// its own isolated context; results come back in submission order.
func (p *AgentPool) Run(ctx context.Context, pending []PoolTask) PoolResult {
	started := time.Now()
	results := make([]TaskResult, len(pending))

	type job struct {
		index int
		task  PoolTask
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for w := 0; w < p.MaxConcurrent; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				result, err := p.orch.Spawn(ctx, j.task.AgentName, j.task.Task, j.task.Scope)
				results[j.index] = TaskResult{Task: j.task, Result: result, Err: err}
			}
		}()
	}

	// FIFO: tasks enter the channel in submission order.
	for i, task := range pending {
		jobs <- job{index: i, task: task}
	}
	close(jobs)
	wg.Wait()

	out := PoolResult{Duration: time.Since(started), Results: results}
	for _, r := range results {
		if r.Err == nil && r.Result.Outcome.Completed() {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}
