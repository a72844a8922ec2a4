package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"nexus/tasks"
)

// TaskHandler implements streamers.TaskHandler for terminal output.
type TaskHandler struct {
	out      io.Writer
	spinner  *spinner
	renderer *glamour.TermRenderer
	verbose  bool

	mu             sync.Mutex
	thoughtStarted bool
}

// Options tunes a TaskHandler.
type Options struct {
	// Spinner animates progress on the output. Disable when the output is
	// not a terminal.
	Spinner bool
	// Verbose prints plan logs and function calls.
	Verbose bool
	// Markdown renders the final summary with glamour.
	Markdown bool
}

// NewTaskHandler creates a CLI task handler writing to out (stdout if nil).
func NewTaskHandler(out io.Writer, opts Options) *TaskHandler {
	if out == nil {
		out = os.Stdout
	}
	h := &TaskHandler{out: out, verbose: opts.Verbose}
	if opts.Spinner {
		h.spinner = newSpinner(out)
	}
	if opts.Markdown {
		h.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
	}
	return h
}

func (h *TaskHandler) pause() {
	if h.spinner != nil {
		h.spinner.Stop()
	}
}

func (h *TaskHandler) TaskStarted(taskID, command string) {
	h.pause()
	fmt.Fprintf(h.out, "%s%sTask %s%s\n", ColorBold, ColorOrange, taskID, ColorReset)
	if command != "" {
		fmt.Fprintf(h.out, "%s>  %s%s\n\n", ColorGray, ColorLightBrown, command+ColorReset)
	}
}

func (h *TaskHandler) Progress(taskID string, percent int, message string) {
	line := fmt.Sprintf("[%3d%%] %s", percent, message)
	if h.spinner != nil {
		h.spinner.Update(line)
		return
	}
	fmt.Fprintf(h.out, "%s%s%s\n", ColorGray, line, ColorReset)
}

func (h *TaskHandler) PlanLog(taskID, message string) {
	if !h.verbose {
		return
	}
	h.pause()
	fmt.Fprintf(h.out, "%s·%s %s\n", ColorGray, ColorReset, message)
}

func (h *TaskHandler) ThoughtChunk(taskID, chunk string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.thoughtStarted {
		h.pause()
		fmt.Fprintf(h.out, "%s%sThinking%s\n%s%s", ColorBold, ColorMagenta, ColorReset, ColorItalic, ColorMagenta)
		h.thoughtStarted = true
	}
	fmt.Fprint(h.out, chunk)
}

func (h *TaskHandler) ThoughtComplete(taskID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.thoughtStarted {
		fmt.Fprintf(h.out, "%s\n\n", ColorReset)
		h.thoughtStarted = false
	}
}

func (h *TaskHandler) FunctionCall(taskID string, args any) {
	if !h.verbose {
		return
	}
	h.pause()
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte(fmt.Sprint(args))
	}
	fmt.Fprintf(h.out, "%s✓%s %scall%s %s\n", ColorGray, ColorReset, ColorBold, ColorReset, payload)
}

func (h *TaskHandler) Screenshot(taskID, title, location string) {
	h.pause()
	if title == "" {
		title = "Screenshot"
	}
	if strings.HasPrefix(location, "data:") {
		location = "(inline image)"
	}
	fmt.Fprintf(h.out, "%s▣%s %s %s%s%s\n", ColorCyan, ColorReset, title, ColorGray, location, ColorReset)
}

func (h *TaskHandler) Notification(message string) {
	h.pause()
	fmt.Fprintf(h.out, "%s!%s %s\n", ColorOrange, ColorReset, message)
}

func (h *TaskHandler) TaskCompleted(taskID string, result *tasks.ResultBundle) {
	h.pause()
	fmt.Fprintf(h.out, "%s✓ Task %s completed%s\n", ColorGreen, taskID, ColorReset)
	if result == nil {
		return
	}
	if result.Summary != "" {
		fmt.Fprintf(h.out, "%s•%s%s\n", ColorGray, ColorReset, h.render(result.Summary))
	}
	h.links(result)
	fmt.Fprintln(h.out)
}

func (h *TaskHandler) TaskFailed(taskID string, err error, result *tasks.ResultBundle) {
	h.pause()
	fmt.Fprintf(h.out, "%s✗ Task %s failed:%s %v\n", ColorRed, taskID, ColorReset, err)
	if result != nil {
		h.links(result)
	}
	fmt.Fprintln(h.out)
}

func (h *TaskHandler) links(result *tasks.ResultBundle) {
	if result.ReportURL != "" {
		fmt.Fprintf(h.out, "  %sreport:%s %s\n", ColorGray, ColorReset, result.ReportURL)
	}
	if result.RawReportURL != "" && result.RawReportURL != result.ReportURL {
		fmt.Fprintf(h.out, "  %sraw:%s    %s\n", ColorGray, ColorReset, result.RawReportURL)
	}
	if result.Screenshot != "" {
		fmt.Fprintf(h.out, "  %sshot:%s   %s\n", ColorGray, ColorReset, result.Screenshot)
	}
}

func (h *TaskHandler) render(content string) string {
	if h.renderer == nil {
		return content
	}
	out, err := h.renderer.Render(content)
	if err != nil {
		return content
	}
	// Glamour adds leading/trailing newlines
	return strings.TrimSpace(out)
}
