// Package ubus calls OpenWrt ubus objects through the ubus CLI
package ubus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// ErrNotFound is returned when the called object or method does not exist (ubus status 4)
var ErrNotFound = errors.New("ubus object not found")

// Runner executes the ubus binary and returns its stdout
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner runs the real ubus binary
type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 4 {
			return nil, ErrNotFound
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Client makes ubus calls
type Client struct {
	logger  *logx.Logger
	runner  Runner
	timeout time.Duration
}

// NewClient creates a client using the ubus binary found in PATH
func NewClient(logger *logx.Logger) *Client {
	return NewClientWithRunner(logger, execRunner{binary: "ubus"})
}

// NewClientWithRunner creates a client with a custom command runner
func NewClientWithRunner(logger *logx.Logger, runner Runner) *Client {
	return &Client{
		logger:  logger,
		runner:  runner,
		timeout: 30 * time.Second,
	}
}

// SetTimeout changes the per-call ubus timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Call invokes method on object with params marshalled to JSON
func (c *Client) Call(ctx context.Context, object, method string, params interface{}) (json.RawMessage, error) {
	args := []string{"-S", "-t", strconv.Itoa(int(c.timeout.Seconds())), "call", object, method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		args = append(args, string(data))
	}

	start := time.Now()
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ubus call %s %s failed: %w", object, method, err)
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		out = []byte("{}")
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("ubus call %s %s returned invalid JSON", object, method)
	}

	if c.logger != nil {
		c.logger.Debug("ubus call completed", "object", object, "method", method, "duration", time.Since(start).String())
	}
	return json.RawMessage(out), nil
}

// CallInto invokes method and decodes the reply into out
func (c *Client) CallInto(ctx context.Context, object, method string, params, out interface{}) error {
	raw, err := c.Call(ctx, object, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s %s reply: %w", object, method, err)
	}
	return nil
}

// ListObjects lists registered ubus objects matching pattern (empty for all)
func (c *Client) ListObjects(ctx context.Context, pattern string) ([]string, error) {
	args := []string{"list"}
	if pattern != "" {
		args = append(args, pattern)
	}
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list ubus objects: %w", err)
	}

	var objects []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			objects = append(objects, line)
		}
	}
	return objects, nil
}

// HasObject reports whether object is registered
func (c *Client) HasObject(ctx context.Context, object string) bool {
	objects, err := c.ListObjects(ctx, object)
	if err != nil {
		return false
	}
	for _, o := range objects {
		if o == object {
			return true
		}
	}
	return false
}
