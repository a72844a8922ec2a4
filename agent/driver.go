package agent

import (
	"context"
	"errors"
	"time"
)

// ErrFatal marks browser failures that end a run: navigation timeouts and
// crashed or closed pages. Anything else a step raises is reported on the
// step and execution continues.
var ErrFatal = errors.New("fatal browser error")

// ErrLaunch wraps failures to start a browser session.
var ErrLaunch = errors.New("launch browser")

// Driver is the narrow browser surface the agent needs. Implementations
// check ctx before each call; a cancelled context aborts at the next step.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Press(ctx context.Context, key string) error
	Scroll(ctx context.Context, deltaY int) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// Text returns the normalized text content of selector, or of the body
	// when selector is empty.
	Text(ctx context.Context, selector string) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	ScreenshotFile(ctx context.Context, path string) error
	URL() string
	Title(ctx context.Context) (string, error)
}

// Session is one launched browser owning a single page.
type Session interface {
	Driver() Driver
	Close() error
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// StepKind classifies a StepInfo.
type StepKind string

const (
	KindProgress     StepKind = "progress"
	KindPlan         StepKind = "plan"
	KindThought      StepKind = "thought"
	KindFunctionCall StepKind = "functionCall"
	KindStep         StepKind = "step"
	KindScreenshot   StepKind = "screenshot"
)

// StepInfo is one observation from a running agent, delivered in order on
// Execution.Steps.
type StepInfo struct {
	Kind     StepKind
	Step     int // 1-based step number, 0 when not tied to a step
	Total    int
	TaskName string
	Message  string
	// Chunk is a streamed piece of model output for thought and
	// function-call kinds. ThoughtDone marks the end of a thought.
	Chunk       string
	ThoughtDone bool
	Screenshot  string // base64 PNG
	URL         string
	Error       string
	// Progress is the overall run progress 0..100 when set by the adapter.
	Progress int
	Data     any
}

// EmitFunc receives StepInfos from the page agent.
type EmitFunc func(StepInfo)
