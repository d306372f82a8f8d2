package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all workflow-engine metrics instruments.
type Metrics struct {
	WorkflowsActive       metric.Int64UpDownCounter
	WorkflowDuration      metric.Float64Histogram
	TasksActive           metric.Int64UpDownCounter
	TaskResolutionLag     metric.Float64Histogram
	ResumeRequests        metric.Int64Counter
	SchedulerTickDuration metric.Float64Histogram
	SchedulerClaimMisses  metric.Int64Counter
	BusDroppedEvents      metric.Int64Counter
	OutboxBacklog         metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WorkflowsActive, err = meter.Int64UpDownCounter("wfengine.workflow.active",
		metric.WithDescription("Number of workflows in a non-terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("wfengine.workflow.duration",
		metric.WithDescription("Wall-clock duration from workflow creation to resolution, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("wfengine.task.active",
		metric.WithDescription("Number of tasks in a non-terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskResolutionLag, err = meter.Float64Histogram("wfengine.task.resolution_lag",
		metric.WithDescription("Time from task creation to resolution, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ResumeRequests, err = meter.Int64Counter("wfengine.resume.requests",
		metric.WithDescription("Total cmd.workflow.request_message publications"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerTickDuration, err = meter.Float64Histogram("wfengine.scheduler.tick_duration",
		metric.WithDescription("Scheduler sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerClaimMisses, err = meter.Int64Counter("wfengine.scheduler.claim_misses",
		metric.WithDescription("Count of TryClaimTimeoutTask calls that lost the race"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDroppedEvents, err = meter.Int64Counter("wfengine.bus.dropped_events",
		metric.WithDescription("Fanout events dropped because a subscriber's buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxBacklog, err = meter.Int64UpDownCounter("wfengine.bus.outbox_backlog",
		metric.WithDescription("Unacknowledged rows in the durable work-queue outbox"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
