package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// fakePublisher records every publish call in-process, for assertions,
// instead of going through a real bus.
type fakePublisher struct {
	mu sync.Mutex

	taskLifecycle     []taskLifecycleCall
	taskResolved      []taskResolvedCall
	workflowLifecycle []workflowLifecycleCall
	workflowResolved  []workflowResolvedCall
	requestMessages   []RequestMessage

	publishRequestErr error
}

type taskLifecycleCall struct {
	WorkflowID, TaskID string
	State              State
	Detail             string
}

type taskResolvedCall struct {
	WorkflowID, TaskID string
	Result             json.RawMessage
}

type workflowLifecycleCall struct {
	WorkflowID string
	State      State
	Detail     string
}

type workflowResolvedCall struct {
	WorkflowID string
	Result     json.RawMessage
}

func (p *fakePublisher) PublishTaskLifecycleChanged(workflowID, taskID string, state State, detail string, _ time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taskLifecycle = append(p.taskLifecycle, taskLifecycleCall{workflowID, taskID, state, detail})
}

func (p *fakePublisher) PublishTaskResolved(workflowID, taskID string, result json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taskResolved = append(p.taskResolved, taskResolvedCall{workflowID, taskID, result})
}

func (p *fakePublisher) PublishWorkflowLifecycleChanged(workflowID string, state State, detail string, _ time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflowLifecycle = append(p.workflowLifecycle, workflowLifecycleCall{workflowID, state, detail})
}

func (p *fakePublisher) PublishWorkflowResolved(workflowID string, result json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflowResolved = append(p.workflowResolved, workflowResolvedCall{workflowID, result})
}

func (p *fakePublisher) PublishRequestMessage(_ context.Context, req RequestMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishRequestErr != nil {
		return p.publishRequestErr
	}
	p.requestMessages = append(p.requestMessages, req)
	return nil
}

func (p *fakePublisher) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requestMessages)
}

// fakeClock is a manually-advanced Clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
