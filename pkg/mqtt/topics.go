// Package mqtt defines topic conventions for skyrelay's optional event
// bus fan-out.
package mqtt

import (
	"fmt"
	"strings"
)

// Topic naming conventions for the skyrelay control plane.
// Format: skyrelay/{component}/{action}/{resource}
const (
	// TopicPrefix is the root prefix for every published topic.
	TopicPrefix = "skyrelay"

	// Component topics: the device-facing layers plus the task
	// runtime that sits above them.
	ComponentAlpaca   = "alpaca"
	ComponentPHD2     = "phd2"
	ComponentTask     = "task"
	ComponentWorkflow = "workflow"

	// Actions
	ActionCommand  = "cmd"
	ActionEvent    = "event"
	ActionStatus   = "status"
	ActionHealth   = "health"
	ActionConfig   = "config"
	ActionRequest  = "req"
	ActionResponse = "resp"

	// Workflow type names, mirrored here so bus subscribers can filter
	// by resource without importing internal/workflow.
	WorkflowGuideSetup    = "complete_guide_setup"
	WorkflowMeridianFlip  = "meridian_flip_workflow"
	WorkflowGuidedSession = "guided_session"
	WorkflowGuidedSeq     = "guided_sequence"
)

// TopicBuilder helps construct topic strings following conventions.
type TopicBuilder struct {
	parts []string
}

// NewTopicBuilder creates a new topic builder starting with the prefix.
func NewTopicBuilder() *TopicBuilder {
	return &TopicBuilder{
		parts: []string{TopicPrefix},
	}
}

// Component adds a component segment.
func (tb *TopicBuilder) Component(comp string) *TopicBuilder {
	tb.parts = append(tb.parts, comp)
	return tb
}

// Action adds an action segment.
func (tb *TopicBuilder) Action(action string) *TopicBuilder {
	tb.parts = append(tb.parts, action)
	return tb
}

// Resource adds a resource segment.
func (tb *TopicBuilder) Resource(resource string) *TopicBuilder {
	tb.parts = append(tb.parts, resource)
	return tb
}

// Build constructs the final topic string.
func (tb *TopicBuilder) Build() string {
	return strings.Join(tb.parts, "/")
}

// Common topic patterns

// ComponentHealthTopic returns the health-check topic for a component.
func ComponentHealthTopic(component string) string {
	return NewTopicBuilder().
		Component(component).
		Action(ActionHealth).
		Resource("status").
		Build()
}

// ComponentStatusTopic returns the status topic for a component.
func ComponentStatusTopic(component string) string {
	return NewTopicBuilder().
		Component(component).
		Action(ActionStatus).
		Build()
}

// PHD2EventTopic returns the topic a dispatched PHD2 event of the given
// kind is published on.
func PHD2EventTopic(eventKind string) string {
	return NewTopicBuilder().
		Component(ComponentPHD2).
		Action(ActionEvent).
		Resource(eventKind).
		Build()
}

// TaskHistoryTopic returns the topic a task's history entries are
// published on, scoped by task type name.
func TaskHistoryTopic(taskType string) string {
	return NewTopicBuilder().
		Component(ComponentTask).
		Action(ActionEvent).
		Resource(taskType).
		Build()
}

// ParseTopic extracts components from a topic string.
func ParseTopic(topic string) ([]string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != TopicPrefix {
		return nil, fmt.Errorf("invalid topic format: must start with %s", TopicPrefix)
	}
	return parts[1:], nil
}

// ValidateTopic checks if a topic follows skyrelay's conventions.
func ValidateTopic(topic string) bool {
	parts := strings.Split(topic, "/")
	return len(parts) >= 3 && parts[0] == TopicPrefix
}
