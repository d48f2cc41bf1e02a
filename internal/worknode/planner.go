package worknode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lizcirble/shakabackend/internal/model"
)

// Processor turns a claimed subtask into the result reported back to the
// server.
type Processor interface {
	Process(ctx context.Context, sub model.Subtask) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, sub model.Subtask) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, sub model.Subtask) (json.RawMessage, error) {
	return f(ctx, sub)
}

// WorkUnit is one worker's share of a split task.
type WorkUnit struct {
	Index        int            `json:"index"`
	Category     model.Category `json:"category"`
	Title        string         `json:"title"`
	Instructions []string       `json:"instructions"`
}

// Plan is the result a Planner reports.
type Plan struct {
	TaskID string     `json:"task_id"`
	Units  []WorkUnit `json:"units"`
}

// Planner splits a task description into one work unit per required
// worker. Description lines (or sentences, for single-line descriptions)
// are dealt round-robin so every unit gets a contiguous-looking share.
type Planner struct{}

func (Planner) Process(ctx context.Context, sub model.Subtask) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := BuildPlan(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plan)
}

// BuildPlan is the pure part of Planner.
func BuildPlan(sub model.Subtask) (*Plan, error) {
	if sub.TaskID == "" {
		return nil, errors.New("subtask has no task id")
	}
	if sub.RequiredWorkers < 1 {
		return nil, fmt.Errorf("subtask %s: required workers %d", sub.TaskID, sub.RequiredWorkers)
	}

	items := splitItems(sub.Description)
	units := make([]WorkUnit, sub.RequiredWorkers)
	for i := range units {
		units[i] = WorkUnit{
			Index:        i,
			Category:     sub.Category,
			Title:        fmt.Sprintf("%s (%d/%d)", sub.Title, i+1, sub.RequiredWorkers),
			Instructions: []string{},
		}
	}
	for i, item := range items {
		u := &units[i%len(units)]
		u.Instructions = append(u.Instructions, item)
	}
	// Units without their own share repeat the whole task for redundancy.
	for i := range units {
		if len(units[i].Instructions) == 0 && len(items) > 0 {
			units[i].Instructions = append(units[i].Instructions, items...)
		}
	}
	return &Plan{TaskID: sub.TaskID, Units: units}, nil
}

func splitItems(desc string) []string {
	var items []string
	for _, line := range strings.Split(desc, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	if len(items) != 1 {
		return items
	}

	var sentences []string
	for _, s := range strings.SplitAfter(items[0], ". ") {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
