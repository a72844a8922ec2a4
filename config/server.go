package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ServerConfig defines the HTTP listener and the settings the web client
// needs to reach it.
type ServerConfig struct {
	Addr            string `hcl:"addr,optional"`
	Origin          string `hcl:"origin,optional"`            // absolute origin used in raw report URLs
	DefaultEngine   string `hcl:"default_engine,optional"`    // engine id, e.g. models.openai.gpt_4o
	WSReconnectBase int    `hcl:"ws_reconnect_base,optional"` // seconds
}

// Defaults fills in default values for unset fields
func (c *ServerConfig) Defaults() {
	if c.Addr == "" {
		c.Addr = ":3420"
	}
	if c.Origin == "" {
		port := c.Addr
		if i := strings.LastIndex(port, ":"); i >= 0 {
			port = port[i+1:]
		}
		c.Origin = "http://localhost:" + port
	}
	if c.WSReconnectBase <= 0 {
		c.WSReconnectBase = 5
	}
}

// Validate checks that the origin is an absolute http(s) URL
func (c *ServerConfig) Validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin must be an absolute http(s) URL, got '%s'", c.Origin)
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	return nil
}
