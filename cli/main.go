package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/devsync/pkg/auth"
	"github.com/haasonsaas/devsync/pkg/webhook"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"

	httpClient = &http.Client{Timeout: 30 * time.Second}
)

type Delivery struct {
	DeliveryID  string     `json:"delivery_id"`
	Event       string     `json:"event"`
	Action      string     `json:"action"`
	Repository  string     `json:"repository"`
	IssueKey    string     `json:"issue_key"`
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	ReceivedAt  time.Time  `json:"received_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type Health struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Version    string            `json:"version"`
	Services   map[string]string `json:"services"`
	Issues     []string          `json:"issues"`
	RateLimits struct {
		Inbound struct {
			Keys     int `json:"keys"`
			MaxCalls int `json:"max_calls"`
			WindowS  int `json:"window_s"`
		} `json:"inbound"`
		AI struct {
			Limit     int     `json:"limit"`
			Remaining int     `json:"remaining_calls"`
			ResetIn   *string `json:"reset_in"`
		} `json:"ai"`
	} `json:"rate_limits"`
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "devsync",
		Short:         "DevSync - GitHub to Jira relay",
		Long:          "Inspect and exercise a running DevSync webhook relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("DEVSYNC_SERVER", "http://localhost:8080"), "DevSync server URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("DEVSYNC_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		deliveriesCmd(),
		deliveryCmd(),
		sendCmd(),
		versionCmd(),
	)
	return rootCmd
}

func statusCmd() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and rate limit usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/health"
			if deep {
				path += "?deep=true"
			}
			var h Health
			if err := getJSON(path, &h, http.StatusOK, http.StatusServiceUnavailable); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "DevSync Status\n")
			fmt.Fprintf(out, "==============\n\n")
			fmt.Fprintf(out, "Status:            %s\n", h.Status)
			fmt.Fprintf(out, "Version:           %s\n", h.Version)
			for _, name := range []string{"github", "jira", "ai"} {
				if s, ok := h.Services[name]; ok {
					fmt.Fprintf(out, "%-18s %s\n", name+":", s)
				}
			}
			fmt.Fprintf(out, "Inbound limit:     %d calls / %ds (%d clients tracked)\n",
				h.RateLimits.Inbound.MaxCalls, h.RateLimits.Inbound.WindowS, h.RateLimits.Inbound.Keys)
			reset := "-"
			if h.RateLimits.AI.ResetIn != nil {
				reset = *h.RateLimits.AI.ResetIn
			}
			fmt.Fprintf(out, "AI quota:          %d/%d remaining (resets in %s)\n",
				h.RateLimits.AI.Remaining, h.RateLimits.AI.Limit, reset)
			for _, issue := range h.Issues {
				fmt.Fprintf(out, "Issue:             %s\n", issue)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "Probe upstream services")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	var (
		status string
		issue  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "deliveries",
		Aliases: []string{"ls", "list"},
		Short:   "List recent webhook deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if issue != "" {
				q.Set("issue", issue)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/deliveries"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp struct {
				Deliveries []Delivery `json:"deliveries"`
			}
			if err := getJSON(path, &resp, http.StatusOK); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DELIVERY\tEVENT\tISSUE\tSTATUS\tRECEIVED")
			fmt.Fprintln(w, "--------\t-----\t-----\t------\t--------")
			for _, d := range resp.Deliveries {
				event := d.Event
				if d.Action != "" {
					event += "." + d.Action
				}
				age := time.Since(d.ReceivedAt).Round(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n", d.DeliveryID, event, orDash(d.IssueKey), d.Status, age)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (processed, skipped, failed, rate_limited)")
	cmd.Flags().StringVar(&issue, "issue", "", "Filter by Jira issue key")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows")
	return cmd
}

func deliveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delivery [id]",
		Short: "Show details for a specific delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d Delivery
			if err := getJSON("/v1/deliveries/"+url.PathEscape(args[0]), &d, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Delivery: %s\n", d.DeliveryID)
			fmt.Fprintf(out, "========================================\n\n")
			fmt.Fprintf(out, "Event:        %s %s\n", d.Event, d.Action)
			fmt.Fprintf(out, "Repository:   %s\n", orDash(d.Repository))
			fmt.Fprintf(out, "Issue:        %s\n", orDash(d.IssueKey))
			fmt.Fprintf(out, "Status:       %s (attempts: %d)\n", d.Status, d.Attempts)
			fmt.Fprintf(out, "Received:     %s\n", d.ReceivedAt.Format(time.RFC3339))
			if d.Message != "" {
				fmt.Fprintf(out, "Message:      %s\n", d.Message)
			}
			if d.Error != "" {
				fmt.Fprintf(out, "Error:        %s\n", d.Error)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		event  string
		secret string
	)
	cmd := &cobra.Command{
		Use:   "send [payload.json]",
		Short: "Sign a webhook payload and deliver it to the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("webhook secret is required (--secret or GITHUB_WEBHOOK_SECRET)")
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return fmt.Errorf("%s is not valid JSON", args[0])
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, serverURL+"/github/webhook", bytes.NewReader(body))
			if err != nil {
				return err
			}
			deliveryID := xid.New().String()
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(webhook.EventHeader, event)
			req.Header.Set(webhook.DeliveryHeader, deliveryID)
			req.Header.Set(webhook.SignatureHeader, auth.NewSigner(secret).Sign(body))

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()
			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Delivery %s: %d %s\n%s\n", deliveryID, resp.StatusCode, http.StatusText(resp.StatusCode), bytes.TrimSpace(respBody))
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "pull_request", "GitHub event name")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("GITHUB_WEBHOOK_SECRET"), "Webhook secret used for signing")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devsync version %s\n", Version)
		},
	}
}

func getJSON(path string, out any, okStatus ...int) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if !statusIn(resp.StatusCode, okStatus) {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func statusIn(code int, allowed []int) bool {
	for _, c := range allowed {
		if c == code {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
