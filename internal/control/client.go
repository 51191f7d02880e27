package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/steveyegge/buildfix/internal/types"
)

// Client sends control commands to a running coordinator
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// SetTimeout sets the client timeout for commands. Fix requests build the
// project and need more than the default 10s.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and waits for the response
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator (is `buildfix serve` running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Count requests the current error count
func (c *Client) Count(force bool) (*Response, error) {
	return c.SendCommand(Command{Type: CommandCount, Force: force})
}

// Fix requests a single fix attempt for d
func (c *Client) Fix(d types.Diagnostic) (*Response, error) {
	return c.SendCommand(Command{Type: CommandFix, Diagnostic: &d})
}

// Session starts a background fix session. A nil slack uses the
// coordinator's configured slack.
func (c *Client) Session(slack *int) (*Response, error) {
	return c.SendCommand(Command{Type: CommandSession, Slack: slack})
}

// Cancel stops the running session
func (c *Client) Cancel() (*Response, error) {
	return c.SendCommand(Command{Type: CommandCancel})
}

// Lock acquires an advisory lock as holder
func (c *Client) Lock(key, holder string, ttl time.Duration) (*Response, error) {
	return c.SendCommand(Command{Type: CommandLock, Key: key, Holder: holder, TTL: ttl})
}

// Unlock releases an advisory lock held by holder
func (c *Client) Unlock(key, holder string) (*Response, error) {
	return c.SendCommand(Command{Type: CommandUnlock, Key: key, Holder: holder})
}

// Status requests the coordinator status
func (c *Client) Status() (*Response, error) {
	return c.SendCommand(Command{Type: CommandStatus})
}
