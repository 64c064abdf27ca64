package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/torii-labs/torii/internal/intel"
)

const (
	scanTaskPrefix          = "scan-"
	scanTaskStatusRunning   = scanTaskStatus("running")
	scanTaskStatusCompleted = scanTaskStatus("completed")
	scanTaskStatusFailed    = scanTaskStatus("failed")

	defaultTaskRetention    = 15 * time.Minute
	defaultMaxFinishedTasks = 100
)

// scanTaskStatus represents the lifecycle state of a background scan.
type scanTaskStatus string

type scanTask struct {
	sequence   int
	identifier string
	subject    string
	total      int
	completed  int
	status     scanTaskStatus
	results    map[intel.FeatureID]featureResponse
	finishedAt time.Time
}

// scanTaskSnapshot is the serialized view of a background scan.
type scanTaskSnapshot struct {
	Identifier string            `json:"id"`
	Subject    string            `json:"subject"`
	Total      int               `json:"total"`
	Completed  int               `json:"completed"`
	Status     scanTaskStatus    `json:"status"`
	Results    []featureResponse `json:"results"`
}

type scanTaskTrackerConfig struct {
	Retention   time.Duration
	MaxFinished int
	Clock       func() time.Time
}

// scanTaskTracker tracks running and finished background scans. Finished tasks are kept
// for the retention period and at most maxFinished of them are kept at once; running
// tasks are never evicted.
type scanTaskTracker struct {
	mutex        sync.Mutex
	tasks        map[string]*scanTask
	nextSequence int
	retention    time.Duration
	maxFinished  int
	clock        func() time.Time
}

func newScanTaskTracker(configuration scanTaskTrackerConfig) *scanTaskTracker {
	retention := configuration.Retention
	if retention <= 0 {
		retention = defaultTaskRetention
	}
	maxFinished := configuration.MaxFinished
	if maxFinished <= 0 {
		maxFinished = defaultMaxFinishedTasks
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	return &scanTaskTracker{
		tasks:       make(map[string]*scanTask),
		retention:   retention,
		maxFinished: maxFinished,
		clock:       clock,
	}
}

// CreateTask registers a new background scan over total features.
func (tracker *scanTaskTracker) CreateTask(subject string, total int) scanTaskSnapshot {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	tracker.evictFinished()
	tracker.nextSequence++
	task := &scanTask{
		sequence:   tracker.nextSequence,
		identifier: fmt.Sprintf("%s%d", scanTaskPrefix, tracker.nextSequence),
		subject:    subject,
		total:      total,
		status:     scanTaskStatusRunning,
		results:    make(map[intel.FeatureID]featureResponse, total),
	}
	tracker.tasks[task.identifier] = task
	return tracker.snapshotTask(task)
}

// RecordResult stores the outcome of one feature.
func (tracker *scanTaskTracker) RecordResult(taskIdentifier string, result featureResponse) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return
	}
	if _, recorded := task.results[result.Feature]; !recorded {
		task.completed++
	}
	task.results[result.Feature] = result
	if task.completed > task.total {
		task.completed = task.total
	}
}

// CompleteTask marks the task failed when every feature failed, completed otherwise.
func (tracker *scanTaskTracker) CompleteTask(taskIdentifier string) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return
	}
	failed := len(task.results) > 0
	for _, result := range task.results {
		if result.Error == "" {
			failed = false
			break
		}
	}
	task.status = scanTaskStatusCompleted
	if failed {
		task.status = scanTaskStatusFailed
	}
	task.completed = task.total
	task.finishedAt = tracker.clock()
	tracker.evictFinished()
}

// TaskSnapshot returns a copy of the task state.
func (tracker *scanTaskTracker) TaskSnapshot(taskIdentifier string) (scanTaskSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	tracker.evictFinished()
	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return scanTaskSnapshot{}, false
	}
	return tracker.snapshotTask(task), true
}

// evictFinished must be called with mutex held.
func (tracker *scanTaskTracker) evictFinished() {
	now := tracker.clock()
	var finished []*scanTask
	for identifier, task := range tracker.tasks {
		if task.status == scanTaskStatusRunning {
			continue
		}
		if now.Sub(task.finishedAt) >= tracker.retention {
			delete(tracker.tasks, identifier)
			continue
		}
		finished = append(finished, task)
	}
	if len(finished) <= tracker.maxFinished {
		return
	}
	sort.Slice(finished, func(firstIndex, secondIndex int) bool {
		first, second := finished[firstIndex], finished[secondIndex]
		if !first.finishedAt.Equal(second.finishedAt) {
			return first.finishedAt.Before(second.finishedAt)
		}
		return first.sequence < second.sequence
	})
	for _, task := range finished[:len(finished)-tracker.maxFinished] {
		delete(tracker.tasks, task.identifier)
	}
}

func (tracker *scanTaskTracker) snapshotTask(task *scanTask) scanTaskSnapshot {
	results := make([]featureResponse, 0, len(task.results))
	for _, feature := range intel.FeatureIDs() {
		if result, exists := task.results[feature]; exists {
			results = append(results, result)
		}
	}
	return scanTaskSnapshot{
		Identifier: task.identifier,
		Subject:    task.subject,
		Total:      task.total,
		Completed:  task.completed,
		Status:     task.status,
		Results:    results,
	}
}
