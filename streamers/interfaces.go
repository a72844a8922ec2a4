// Package streamers renders task events for a particular client. The
// orchestrator publishes protocol events; Dispatch turns each one into a
// TaskHandler call so a terminal, a recorder or any other sink only has
// to implement the handler.
package streamers

import "nexus/tasks"

// TaskHandler receives the lifecycle of remote tasks. Calls for one task
// arrive in event order.
type TaskHandler interface {
	// TaskStarted is called once per task with the submitted command.
	TaskStarted(taskID, command string)

	// Progress reports overall progress in percent with a short message.
	Progress(taskID string, percent int, message string)

	// PlanLog is a line of the execution log.
	PlanLog(taskID, message string)

	// ThoughtChunk is called for each streamed piece of the planner's
	// reasoning; ThoughtComplete carries the full text once it ends.
	ThoughtChunk(taskID, chunk string)
	ThoughtComplete(taskID, text string)

	// FunctionCall carries the parsed arguments of a planned action.
	FunctionCall(taskID string, args any)

	// Screenshot announces a captured page, by web path or data URI.
	Screenshot(taskID, title, location string)

	// Notification is a user-level message not tied to progress.
	Notification(message string)

	TaskCompleted(taskID string, result *tasks.ResultBundle)
	TaskFailed(taskID string, err error, result *tasks.ResultBundle)
}
