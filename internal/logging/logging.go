package logging

import (
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

// NewLogger constructs a zerolog logger from config. Every entry carries the
// app name and environment so logs from several deployments can share a sink.
func NewLogger(cfg Config, app, env string) zerolog.Logger {
	return newLogger(cfg, logWriter(cfg), app, env)
}

func newLogger(cfg Config, out io.Writer, app, env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	builder := zerolog.New(out).Level(level).With().Timestamp()
	if app != "" {
		builder = builder.Str("app", app)
	}
	if env != "" {
		builder = builder.Str("env", env)
	}
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

func logWriter(cfg Config) io.Writer {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}

// RedactURL hides credentials in an endpoint before it is logged. Hosted RPC
// providers put the API key in userinfo, the query or the last path segment.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	if path := strings.Trim(u.Path, "/"); path != "" {
		segments := strings.Split(path, "/")
		last := segments[len(segments)-1]
		if len(last) >= 16 {
			segments[len(segments)-1] = "redacted"
		}
		u.Path = "/" + strings.Join(segments, "/")
	}
	return u.String()
}
