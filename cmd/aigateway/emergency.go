package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// emergencyClient talks to the admin endpoints of a running gateway.
type emergencyClient struct {
	server string
	token  string
	http   *http.Client
}

func newEmergencyCmd() *cobra.Command {
	c := &emergencyClient{http: &http.Client{Timeout: 10 * time.Second}}

	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Inspect or control the platform circuit breaker on a running gateway",
	}
	cmd.PersistentFlags().StringVar(&c.server, "server", "http://localhost:8080", "gateway base URL")
	cmd.PersistentFlags().StringVar(&c.token, "token", os.Getenv("AIGATEWAY_TOKEN"), "admin bearer token")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodGet, "/v1/emergency/", nil)
		},
	}

	stop := &cobra.Command{
		Use:   "stop [reason]",
		Short: "Suspend all traffic until resumed",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": strings.Join(args, " ")}
			return c.do(cmd.Context(), http.MethodPost, "/v1/emergency/stop", body)
		},
	}

	resume := &cobra.Command{
		Use:   "resume",
		Short: "Resume normal traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/v1/emergency/resume", nil)
		},
	}

	cmd.AddCommand(status, stop, resume)
	return cmd
}

func (c *emergencyClient) do(ctx context.Context, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.server, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var st models.EmergencyState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	fmt.Print(formatEmergencyState(st))
	return nil
}

func formatEmergencyState(st models.EmergencyState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-22s %s\n", "MODE", st.ModeName)
	if st.Reason != "" {
		fmt.Fprintf(&b, "%-22s %s\n", "REASON", st.Reason)
	}
	if st.SuspendedSince != nil {
		fmt.Fprintf(&b, "%-22s %s\n", "SUSPENDED SINCE", st.SuspendedSince.Format(time.RFC3339))
	}
	if st.RecoveringSince != nil {
		fmt.Fprintf(&b, "%-22s %s\n", "RECOVERING SINCE", st.RecoveringSince.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "%-22s %.0f%%\n", "LIMIT FACTOR", st.LimitFactor*100)
	fmt.Fprintf(&b, "%-22s $%.4f\n", "COST THIS HOUR", st.CurrentHourCost)
	fmt.Fprintf(&b, "%-22s $%.4f\n", "COST TODAY", st.CurrentDayCost)
	fmt.Fprintf(&b, "%-22s %d\n", "REQUESTS LAST MINUTE", st.RequestsLastMinute)
	fmt.Fprintf(&b, "%-22s %.1f%%\n", "ERROR RATE", st.ErrorRate*100)
	fmt.Fprintf(&b, "%-22s %d\n", "CONSECUTIVE FAILURES", st.ConsecutiveFailures)
	return b.String()
}
