package commands

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// GCRunCommand forces one synchronous collector cycle on a running
// server and prints the per-task report.
type GCRunCommand struct {
	Log *slog.Logger
}

func (c *GCRunCommand) Synopsis() string {
	return "Force one garbage collection cycle"
}

func (c *GCRunCommand) Help() string {
	return `Usage: bay gc run [options]

  Asks a running bay server to run one collector cycle synchronously
  and prints the per-task report.

Options:

  -addr=host:port   Admin address of the server (default 127.0.0.1:8100).
`
}

func (c *GCRunCommand) Run(args []string) int {
	flags := pflag.NewFlagSet("gc run", pflag.ContinueOnError)
	addr := flags.String("addr", "127.0.0.1:8100", "admin address")
	if err := flags.Parse(args); err != nil {
		c.Log.Error("parsing flags", "error", err)
		return 1
	}

	url := *addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url += "/admin/gc/run"

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		c.Log.Error("requesting gc cycle", "error", err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Log.Error("reading response", "error", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		c.Log.Error("gc cycle failed", "status", resp.Status, "body", string(body))
		return 1
	}

	fmt.Println(string(body))
	return 0
}
