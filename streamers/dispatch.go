package streamers

import (
	"errors"
	"fmt"

	"nexus/protocol"
	"nexus/tasks"
)

// Dispatch delivers ev to the matching handler method. Events without a
// handler method (reports, persisted-message notices) are ignored.
func Dispatch(h TaskHandler, ev *protocol.Event) error {
	switch ev.Event {
	case protocol.EventTaskStart:
		h.TaskStarted(ev.TaskID, ev.Message)
	case protocol.EventStepProgress:
		if ev.Progress != nil {
			h.Progress(ev.TaskID, *ev.Progress, ev.Message)
		}
	case protocol.EventPlanLog:
		h.PlanLog(ev.TaskID, ev.Message)
	case protocol.EventThoughtUpdate:
		h.ThoughtChunk(ev.TaskID, ev.Message)
	case protocol.EventThoughtComplete:
		h.ThoughtComplete(ev.TaskID, ev.Message)
	case protocol.EventFunctionCallPartial:
		h.FunctionCall(ev.TaskID, ev.Data["args"])
	case protocol.EventIntermediateResult, protocol.EventActionScreenshot:
		if ev.Item != nil {
			loc := ev.Item.URL
			if ev.Event == protocol.EventActionScreenshot || loc == "" {
				loc = ev.Item.Content
			}
			h.Screenshot(ev.TaskID, ev.Item.Title, loc)
		}
	case protocol.EventNotification:
		h.Notification(ev.Message)
	case protocol.EventTaskComplete:
		result, err := decodeResult(ev)
		if err != nil {
			return err
		}
		h.TaskCompleted(ev.TaskID, result)
	case protocol.EventTaskError:
		result, err := decodeResult(ev)
		if err != nil {
			return err
		}
		msg := ev.Error
		if msg == "" {
			msg = "task failed"
		}
		h.TaskFailed(ev.TaskID, errors.New(msg), result)
	}
	return nil
}

func decodeResult(ev *protocol.Event) (*tasks.ResultBundle, error) {
	if ev.Result == nil {
		return nil, nil
	}
	if b, ok := ev.Result.(tasks.ResultBundle); ok {
		return &b, nil
	}
	var b tasks.ResultBundle
	if err := ev.DecodeResult(&b); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", ev.Event, err)
	}
	return &b, nil
}
