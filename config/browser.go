package config

import (
	"fmt"
	"time"
)

// BrowserConfig configures the headless browser launched per task.
type BrowserConfig struct {
	Headless       *bool  `hcl:"headless,optional"`
	BrowserType    string `hcl:"browser_type,optional"`   // chromium | firefox | webkit
	LaunchTimeout  int    `hcl:"launch_timeout,optional"` // seconds
	ViewportWidth  int    `hcl:"viewport_width,optional"`
	ViewportHeight int    `hcl:"viewport_height,optional"`
}

// Defaults fills in default values for unset fields
func (b *BrowserConfig) Defaults() {
	if b.Headless == nil {
		headless := true
		b.Headless = &headless
	}
	if b.BrowserType == "" {
		b.BrowserType = "chromium"
	}
	if b.LaunchTimeout <= 0 || b.LaunchTimeout > 30 {
		b.LaunchTimeout = 30
	}
	if b.ViewportWidth <= 0 {
		b.ViewportWidth = 1280
	}
	if b.ViewportHeight <= 0 {
		b.ViewportHeight = 800
	}
}

func (b *BrowserConfig) Validate() error {
	switch b.BrowserType {
	case "chromium", "firefox", "webkit":
		return nil
	}
	return fmt.Errorf("unsupported browser_type '%s' (expected chromium, firefox or webkit)", b.BrowserType)
}

func (b *BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

func (b *BrowserConfig) LaunchTimeoutDuration() time.Duration {
	return time.Duration(b.LaunchTimeout) * time.Second
}
