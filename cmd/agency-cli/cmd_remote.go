package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nidhogg/agency/internal/orchestrator"
	"github.com/nidhogg/agency/internal/store"
	"github.com/spf13/cobra"
)

var (
	submitDeploy bool
	followEvents bool

	remoteCmd = &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running agency server",
	}
	submitCmd = &cobra.Command{
		Use:   "submit [request]",
		Short: "Start a run on the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(serverURL).submit(cmd.OutOrStdout(), strings.Join(args, " "), submitDeploy)
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's status and, once finished, its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(serverURL).status(cmd.OutOrStdout(), args[0])
		},
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List active and stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(serverURL).list(cmd.OutOrStdout())
		},
	}
	cancelCmd = &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(serverURL).cancel(cmd.OutOrStdout(), args[0])
		},
	}
	eventsCmd = &cobra.Command{
		Use:   "events [run-id]",
		Short: "Print the recorded stage events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverURL)
			if followEvents {
				return c.follow(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			return c.events(cmd.OutOrStdout(), args[0])
		},
	}
)

type client struct {
	server string
	http   *http.Client
}

func newClient(server string) *client {
	return &client{
		server: strings.TrimRight(server, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out. Non-2xx answers
// become errors carrying the server's message.
func (c *client) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// checkStatus turns a non-2xx answer into an error carrying the server's
// message.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func (c *client) submit(w io.Writer, request string, deploy bool) error {
	var resp struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	body := map[string]interface{}{"request": request, "confirm_deploy": deploy}
	if err := c.do(http.MethodPost, "/api/runs", body, &resp); err != nil {
		return err
	}
	fmt.Fprintf(w, "Run %s %s\n", resp.RunID, resp.Status)
	return nil
}

func (c *client) status(w io.Writer, id string) error {
	var info orchestrator.RunInfo
	if err := c.do(http.MethodGet, "/api/runs/"+id, nil, &info); err != nil {
		return err
	}
	if info.Result == nil {
		fmt.Fprintf(w, "Run %s %s (started %s)\n", info.RunID, info.Status, info.StartedAt.Local().Format(time.Kitchen))
		fmt.Fprintf(w, "Request: %s\n", info.Request)
		return nil
	}
	printResult(w, info.Result)
	return nil
}

func (c *client) list(w io.Writer) error {
	var resp struct {
		Active []orchestrator.RunInfo `json:"active"`
		Stored []store.RunSummary     `json:"stored"`
	}
	if err := c.do(http.MethodGet, "/api/runs", nil, &resp); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tREQUEST")
	for _, r := range resp.Active {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.RunID, r.Status, r.StartedAt.Format(time.RFC3339), oneLine(r.Request, 60))
	}
	for _, r := range resp.Stored {
		status := string(r.Status)
		if r.Reason != "" {
			status += " (" + string(r.Reason) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.RunID, status, r.StartedAt.Format(time.RFC3339), oneLine(r.Request, 60))
	}
	return tw.Flush()
}

func (c *client) cancel(w io.Writer, id string) error {
	if err := c.do(http.MethodDelete, "/api/runs/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(w, "Run %s cancelling\n", id)
	return nil
}

func (c *client) events(w io.Writer, id string) error {
	var events []orchestrator.Event
	if err := c.do(http.MethodGet, "/api/runs/"+id+"/events", nil, &events); err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Fprintln(w, eventLine(&ev))
	}
	return nil
}

// follow prints a run's events as the server streams them and returns once
// the stream ends.
func (c *client) follow(ctx context.Context, w io.Writer, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/api/runs/"+id+"/events?follow=1", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The stream stays open for the whole run, so no client timeout.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		fmt.Fprintln(w, eventLine(&ev))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

func eventLine(ev *orchestrator.Event) string {
	line := fmt.Sprintf("%s %s", ev.Timestamp.Format(time.RFC3339), ev.Type)
	if ev.Stage != "" {
		line += " " + string(ev.Stage)
	}
	if ev.Status != "" {
		line += " " + ev.Status
	}
	if ev.Detail != "" {
		line += ": " + oneLine(ev.Detail, 80)
	}
	return line
}
