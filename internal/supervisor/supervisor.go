// Package supervisor wraps supervisorctl, the process manager the User
// Agent Manager uses to start/stop the per-user agent processes (spec
// §4.6). No Go client for supervisord exists anywhere in the example
// corpus, so this stays a thin os/exec wrapper rather than importing one
// more dependency for a single command-line tool.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Controller runs supervisorctl commands scoped to one supervisord
// config/socket, identified by ConfigPath (the -c flag) when set.
type Controller struct {
	ConfigPath string
}

// New creates a Controller. configPath may be empty to use
// supervisorctl's default config discovery.
func New(configPath string) *Controller {
	return &Controller{ConfigPath: configPath}
}

func (c *Controller) run(ctx context.Context, args ...string) (string, error) {
	full := args
	if c.ConfigPath != "" {
		full = append([]string{"-c", c.ConfigPath}, args...)
	}
	cmd := exec.CommandContext(ctx, "supervisorctl", full...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("supervisorctl %v: %w: %s", args, err, errOut.String())
	}
	return out.String(), nil
}

// StartProgram starts one supervisord-managed program by name.
func (c *Controller) StartProgram(ctx context.Context, name string) error {
	_, err := c.run(ctx, "start", name)
	return err
}

// StopAll stops every supervisord-managed program. Per spec §4.6, a
// failure here is logged by the caller and otherwise ignored.
func (c *Controller) StopAll(ctx context.Context) error {
	_, err := c.run(ctx, "stop", "all")
	return err
}

// Status returns supervisorctl's status report as raw text, the shape
// the `status` command relays back to its reply_to destination.
func (c *Controller) Status(ctx context.Context) (string, error) {
	return c.run(ctx, "status")
}
