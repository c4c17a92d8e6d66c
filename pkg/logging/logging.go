// Package logging builds the hclog loggers shared by the server, CLI and
// session components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options configures New
type Options struct {
	// Name prefixes every line, "flowstudio" when empty
	Name string
	// Level is one of trace, debug, info, warn, error or off. Unknown
	// values fall back to info.
	Level string
	// JSON switches to hclog's JSON output
	JSON bool
	// Output defaults to stderr
	Output io.Writer
}

// New returns a leveled logger
func New(opts Options) hclog.Logger {
	name := opts.Name
	if name == "" {
		name = "flowstudio"
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      ParseLevel(opts.Level),
		JSONFormat: opts.JSON,
		Output:     out,
	})
}

// ParseLevel maps a level name to an hclog level, defaulting to Info
func ParseLevel(s string) hclog.Level {
	level := hclog.LevelFromString(strings.TrimSpace(s))
	if level == hclog.NoLevel {
		return hclog.Info
	}
	return level
}

// OrNull returns l, or a logger that discards everything when l is nil
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
