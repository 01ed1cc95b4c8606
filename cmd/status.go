package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"
)

var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("86")).
				Background(lipgloss.Color("235")).
				Padding(0, 1).
				Margin(0, 0, 1, 0)

	statusOKStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	statusBadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	statusMetaStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
)

type checkResponse struct {
	OK         bool              `json:"ok"`
	InstanceID string            `json:"instance_id"`
	Checks     map[string]string `json:"checks"`
	Checked    time.Time         `json:"checked_at"`
}

// StatusCommand queries a running pipeline's health endpoints and renders a
// human-readable summary.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Query a running pipeline's health and readiness",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "health-port",
				Usage: "Port the pipeline's health server listens on",
				Value: 8080,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return showStatus(ctx, c.Int("health-port"))
		},
	}
}

func showStatus(ctx context.Context, port int) error {
	client := &http.Client{Timeout: 5 * time.Second}

	live, liveErr := fetchCheck(ctx, client, port, "/healthz")
	ready, readyErr := fetchCheck(ctx, client, port, "/readyz")

	fmt.Println(statusTitleStyle.Render("Pipeline Status"))

	if liveErr != nil {
		fmt.Printf("%s liveness check failed: %v\n", statusBadStyle.Render("✗"), liveErr)
	} else {
		renderChecks("Liveness", live)
	}

	if readyErr != nil {
		fmt.Printf("%s readiness check failed: %v\n", statusBadStyle.Render("✗"), readyErr)
	} else {
		renderChecks("Readiness", ready)
	}

	if liveErr != nil || readyErr != nil {
		return fmt.Errorf("pipeline unreachable on port %d", port)
	}
	return nil
}

func fetchCheck(ctx context.Context, client *http.Client, port int, path string) (*checkResponse, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &cr, nil
}

func renderChecks(label string, cr *checkResponse) {
	status := statusOKStyle.Render("OK")
	if !cr.OK {
		status = statusBadStyle.Render("FAIL")
	}
	fmt.Printf("%s: %s\n", label, status)

	var names []string
	for name := range cr.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  - %s: %s\n", name, cr.Checks[name])
	}
	fmt.Println(statusMetaStyle.Render(fmt.Sprintf("  instance %s, checked %s", cr.InstanceID, cr.Checked.Format(time.RFC3339))))
}
