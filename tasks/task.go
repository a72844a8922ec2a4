package tasks

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition encodes the task state machine:
//
//	pending    -> processing | error | cancelled
//	processing -> processing | completed | error | cancelled
//
// Terminal states accept nothing and no state re-enters pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusError || to == StatusCancelled
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusError || to == StatusCancelled
	}
	return false
}

// Route selects how a command is executed and how its summary is presented.
type Route string

const (
	RouteNLI    Route = "nli"
	RouteYAML   Route = "yaml"
	RouteDirect Route = "direct"
)

// StepLogType classifies an execution log entry.
type StepLogType string

const (
	LogPlan         StepLogType = "planLog"
	LogFunctionCall StepLogType = "functionCall"
	LogThought      StepLogType = "thought"
	LogStep         StepLogType = "stepLog"
)

// StepLog is one append-only entry of a task's execution log.
type StepLog struct {
	Type       StepLogType `json:"type"`
	Message    string      `json:"message"`
	Timestamp  time.Time   `json:"timestamp"`
	StepNumber *int        `json:"stepNumber,omitempty"`
	Data       any         `json:"data,omitempty"`
}

// IntermediateResult is a mid-run observation, typically a screenshot.
type IntermediateResult struct {
	Screenshot    string    `json:"screenshot,omitempty"`
	ScreenshotURL string    `json:"screenshotUrl,omitempty"`
	CurrentURL    string    `json:"currentUrl,omitempty"`
	ExtractedInfo any       `json:"extractedInfo,omitempty"`
	Final         bool      `json:"__final,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// HasScreenshot reports whether the result is displayable.
func (r IntermediateResult) HasScreenshot() bool {
	return r.Screenshot != "" || r.ScreenshotURL != ""
}

// AISummary is the structured summary produced by the LLM summarizer.
type AISummary struct {
	PrimaryGoal     string `json:"primaryGoal"`
	FinalOutcome    string `json:"finalOutcome"`
	ProcessSummary  string `json:"processSummary"`
	ChallengesFaced string `json:"challengesFaced"`
	OverallSummary  string `json:"overallSummary"`
}

// AIPrepared is the presentation-ready part of a result. The report URLs
// are mirrored here so both transports carry one shape.
type AIPrepared struct {
	Summary          string     `json:"summary"`
	Results          any        `json:"results,omitempty"`
	DisplaySummary   string     `json:"displaySummary"`
	RawResult        any        `json:"rawResult,omitempty"`
	AISummaryData    *AISummary `json:"aiSummaryData,omitempty"`
	ReportURL        string     `json:"reportUrl,omitempty"`
	NexusReportURL   string     `json:"nexusReportUrl,omitempty"`
	LandingReportURL string     `json:"landingReportUrl,omitempty"`
	RawReportURL     string     `json:"rawReportUrl,omitempty"`
}

// RawResult carries the unprocessed execution data.
type RawResult struct {
	PageText        string `json:"pageText"`
	YamlMapID       string `json:"yamlMapId,omitempty"`
	YamlMapName     string `json:"yamlMapName,omitempty"`
	ExecutionResult any    `json:"executionResult,omitempty"`
}

// ResultBundle is the terminal payload of a task. Empty URL fields are
// omitted, which is how an error bundle reports missing artifacts.
type ResultBundle struct {
	ReportURL        string     `json:"reportUrl,omitempty"`
	NexusReportURL   string     `json:"nexusReportUrl,omitempty"`
	LandingReportURL string     `json:"landingReportUrl,omitempty"`
	RawReportURL     string     `json:"rawReportUrl,omitempty"`
	ReportPath       string     `json:"reportPath,omitempty"`
	Screenshot       string     `json:"screenshot,omitempty"`
	ScreenshotPath   string     `json:"screenshotPath,omitempty"`
	ExecutionTime    int64      `json:"executionTime"`
	Summary          string     `json:"summary"`
	AIPrepared       AIPrepared `json:"aiPrepared"`
	Raw              RawResult  `json:"raw"`
	Error            string     `json:"error,omitempty"`
}

// MirrorURLs copies the root URLs into AIPrepared.
func (b *ResultBundle) MirrorURLs() {
	b.AIPrepared.ReportURL = b.ReportURL
	b.AIPrepared.NexusReportURL = b.NexusReportURL
	b.AIPrepared.LandingReportURL = b.LandingReportURL
	b.AIPrepared.RawReportURL = b.RawReportURL
}

// TaskError is the failure recorded on a task in the error state.
type TaskError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Task is the authoritative record of one submission.
type Task struct {
	ID        string               `json:"id"`
	UserID    string               `json:"userId"`
	Command   string               `json:"command"`
	Route     Route                `json:"route"`
	RunID     string               `json:"runId,omitempty"`
	YamlMapID string               `json:"yamlMapId,omitempty"`
	Status    Status               `json:"status"`
	Progress  int                  `json:"progress"`
	StartTime time.Time            `json:"startTime"`
	EndTime   *time.Time           `json:"endTime,omitempty"`
	StepLogs  []StepLog            `json:"stepLogs"`
	Results   []IntermediateResult `json:"intermediateResults"`
	Result    *ResultBundle        `json:"result,omitempty"`
	Error     *TaskError           `json:"error,omitempty"`
}

// clone copies the task's slices and pointers. Payload values typed any
// are shared; they are never mutated after being stored.
func (t *Task) clone() *Task {
	c := *t
	c.StepLogs = append([]StepLog(nil), t.StepLogs...)
	c.Results = append([]IntermediateResult(nil), t.Results...)
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	if t.Result != nil {
		r := *t.Result
		if r.AIPrepared.AISummaryData != nil {
			s := *r.AIPrepared.AISummaryData
			r.AIPrepared.AISummaryData = &s
		}
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
