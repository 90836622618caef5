package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"repro_market/pkg/config"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusComplete  TaskStatus = "complete"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// scheduleParser accepts six-field specs with a leading seconds field, the
// same format cron.WithSeconds installs.
var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a six-field cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Task represents a scheduled task
type Task struct {
	ID          string
	Name        string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	RetryCount  int
	MaxRetries  int
	CronID      cron.EntryID
	Metadata    map[string]string
	ExecutionFn func(context.Context) error
}

// Scheduler manages task scheduling and execution
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	config     *config.SchedConfig
	logger     *zap.Logger
	metrics    *SchedulerMetrics
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// SchedulerMetrics tracks scheduler performance
type SchedulerMetrics struct {
	TasksScheduled  int64
	TasksCompleted  int64
	TasksFailed     int64
	AverageLatency  time.Duration
	ConcurrentTasks int
	LastUpdate      time.Time
	mu              sync.RWMutex
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *config.SchedConfig, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler config is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(cron.WithParser(scheduleParser)),
		tasks:      make(map[string]*Task),
		config:     cfg,
		logger:     logger,
		metrics:    &SchedulerMetrics{},
		workerPool: make(chan struct{}, cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins the scheduler
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", s.config.MaxConcurrent))

	go s.collectMetrics()
	s.cron.Start()

	return nil
}

// Stop cancels running tasks and waits for them to return
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")

	s.cancel()
	<-s.cron.Stop().Done()

	return nil
}

// ScheduleTask adds a new task to the scheduler
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := s.validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task

	s.metrics.mu.Lock()
	s.metrics.TasksScheduled++
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule),
		zap.Time("nextRun", task.NextRun))

	return nil
}

// UnscheduleTask removes a task from the scheduler
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled",
		zap.String("taskID", taskID))

	return nil
}

// GetTask returns a copy of the task's current state
func (s *Scheduler) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("task %s not found", taskID)
	}

	return *task, nil
}

// ListTasks returns copies of all scheduled tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}

	return tasks
}

// RunNow executes a scheduled task immediately, outside its schedule.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.executeTask(s.ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}

	start := time.Now()

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)

	s.mu.Lock()
	switch {
	case err != nil && ctx.Err() != nil:
		task.Status = TaskStatusCancelled
		task.Error = err
	case err != nil:
		task.Status = TaskStatusFailed
		task.Error = err
		s.metrics.mu.Lock()
		s.metrics.TasksFailed++
		s.metrics.mu.Unlock()
	default:
		task.Status = TaskStatusComplete
		task.Error = nil
		s.metrics.mu.Lock()
		s.metrics.TasksCompleted++
		s.metrics.mu.Unlock()
	}
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.mu.Unlock()

	s.metrics.mu.Lock()
	if s.metrics.AverageLatency == 0 {
		s.metrics.AverageLatency = time.Since(start)
	} else {
		s.metrics.AverageLatency = (s.metrics.AverageLatency*9 + time.Since(start)) / 10
	}
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.mu.Lock()
		task.RetryCount = attempt
		s.mu.Unlock()

		err := s.runOnce(ctx, task)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("Task execution failed",
			zap.String("taskID", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			return err
		}
	}

	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

// runOnce runs the task function under the configured timeout, turning a
// panic into an error.
func (s *Scheduler) runOnce(ctx context.Context, task *Task) (err error) {
	if s.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked",
				zap.String("taskID", task.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task.ExecutionFn(ctx)
}

func (s *Scheduler) validateTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if task.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if _, err := ParseSchedule(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	return nil
}

func (s *Scheduler) collectMetrics() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.updateMetrics()
		}
	}
}

func (s *Scheduler) updateMetrics() {
	s.mu.RLock()
	runningTasks := 0
	for _, task := range s.tasks {
		if task.Status == TaskStatusRunning {
			runningTasks++
		}
	}
	s.mu.RUnlock()

	s.metrics.mu.Lock()
	s.metrics.ConcurrentTasks = runningTasks
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()
}

// UpdateTaskSchedule updates the schedule of an existing task
func (s *Scheduler) UpdateTaskSchedule(taskID string, schedule string) error {
	if _, err := ParseSchedule(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("updating task schedule: %w", err)
	}

	task.Schedule = schedule
	task.CronID = cronID
	task.NextRun = s.cron.Entry(cronID).Next

	s.logger.Info("Task schedule updated",
		zap.String("taskID", taskID),
		zap.String("schedule", schedule),
		zap.Time("nextRun", task.NextRun))

	return nil
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return SchedulerStats{
		TasksScheduled:  s.metrics.TasksScheduled,
		TasksCompleted:  s.metrics.TasksCompleted,
		TasksFailed:     s.metrics.TasksFailed,
		AverageLatency:  s.metrics.AverageLatency,
		ConcurrentTasks: s.metrics.ConcurrentTasks,
		LastUpdate:      s.metrics.LastUpdate,
	}
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	TasksScheduled  int64
	TasksCompleted  int64
	TasksFailed     int64
	AverageLatency  time.Duration
	ConcurrentTasks int
	LastUpdate      time.Time
}
