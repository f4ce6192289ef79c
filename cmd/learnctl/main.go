// Package main implements learnctl, a command-line client for the learnd
// HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	server    string
	sessionID string
	project   string
	timeout   time.Duration
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "learnctl",
		Short: "CLI for the learnd HTTP API",
		Long: `learnctl stores and recalls learnings and coordinates sessions
through a running learnd daemon.`,
		Version:      version,
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.server, "server", envOr("LEARND_SERVER", "http://127.0.0.1:9191"), "learnd server URL")
	f.StringVar(&opts.sessionID, "session", os.Getenv("LEARND_SESSION_ID"), "session id (default: the daemon's session)")
	f.StringVar(&opts.project, "project", os.Getenv("LEARND_SESSION_PROJECT"), "project (default: the daemon's project)")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	f.BoolVar(&opts.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		newStoreCmd(opts),
		newRecallCmd(opts),
		newSessionCmd(opts),
		newClaimCmd(opts),
		newHandoffCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) client() *client {
	return newClient(o.server, o.sessionID, o.project, o.timeout)
}

// print writes v as indented JSON when --json is set, or the text otherwise.
func (o *options) print(w io.Writer, v any, text string) error {
	if !o.jsonOut {
		_, err := fmt.Fprintln(w, text)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStoreCmd(opts *options) *cobra.Command {
	var req struct {
		Content    string   `json:"content"`
		Type       string   `json:"type"`
		Context    string   `json:"context,omitempty"`
		Tags       []string `json:"tags,omitempty"`
		Confidence string   `json:"confidence,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "store <content|->",
		Short: "Store a learning",
		Long: `Store a learning. Pass "-" to read the content from stdin.

Examples:
  learnctl store --type error_fix "pgx pools need MaxConns above the worker count"
  git log -1 --format=%B | learnctl store --type working_solution -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readArg(cmd, args[0])
			if err != nil {
				return err
			}
			req.Content = content
			var res struct {
				ID             string `json:"id"`
				Status         string `json:"status"`
				ExistingID     string `json:"existing_id"`
				VectorEligible bool   `json:"vector_eligible"`
			}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/learnings", req, &res); err != nil {
				return err
			}
			text := "stored " + res.ID
			if res.Status == "skipped" {
				text = "skipped: duplicate of " + res.ExistingID
			} else if !res.VectorEligible {
				text += " (lexical only)"
			}
			return opts.print(cmd.OutOrStdout(), res, text)
		},
	}
	cmd.Flags().StringVarP(&req.Type, "type", "t", "working_solution", "learning type")
	cmd.Flags().StringVar(&req.Context, "context", "", "surrounding context")
	cmd.Flags().StringSliceVar(&req.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&req.Confidence, "confidence", "", "low, medium or high")
	return cmd
}

func readArg(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func newRecallCmd(opts *options) *cobra.Command {
	var req struct {
		Query       string   `json:"query"`
		Mode        string   `json:"mode,omitempty"`
		Limit       int      `json:"limit,omitempty"`
		AllProjects bool     `json:"all_projects,omitempty"`
		Types       []string `json:"types,omitempty"`
		Tags        []string `json:"tags,omitempty"`
		Rerank      bool     `json:"rerank,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall learnings, best match first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			var resp struct {
				Results []struct {
					Score    float64 `json:"score"`
					Learning struct {
						ID      string `json:"id"`
						Type    string `json:"type"`
						Content string `json:"content"`
					} `json:"learning"`
				} `json:"results"`
				Degraded        bool     `json:"degraded"`
				DegradedReasons []string `json:"degraded_reasons"`
			}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/recall", req, &resp); err != nil {
				return err
			}
			lines := make([]string, 0, len(resp.Results)+1)
			for _, r := range resp.Results {
				lines = append(lines, fmt.Sprintf("[%.3f] (%s) %s", r.Score, r.Learning.Type, r.Learning.Content))
			}
			if len(lines) == 0 {
				lines = append(lines, "no learnings found")
			}
			if resp.Degraded {
				lines = append(lines, "(degraded: "+strings.Join(resp.DegradedReasons, ", ")+")")
			}
			return opts.print(cmd.OutOrStdout(), resp, strings.Join(lines, "\n"))
		},
	}
	cmd.Flags().StringVarP(&req.Mode, "mode", "m", "", "hybrid, text_only or vector_only")
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", 0, "maximum results")
	cmd.Flags().BoolVar(&req.AllProjects, "all-projects", false, "search every project")
	cmd.Flags().StringSliceVar(&req.Types, "type", nil, "only this type (repeatable)")
	cmd.Flags().StringSliceVar(&req.Tags, "tag", nil, "only learnings with this tag (repeatable)")
	cmd.Flags().BoolVar(&req.Rerank, "rerank", false, "rerank the top results")
	return cmd
}

// coordResponse mirrors the daemon's coordination response.
type coordResponse struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings"`
	Sessions []struct {
		ID        string `json:"id"`
		WorkingOn string `json:"working_on"`
	} `json:"sessions"`
	Check *struct {
		Claimed   bool   `json:"claimed"`
		ClaimedBy string `json:"claimed_by"`
		Stale     bool   `json:"stale"`
	} `json:"check"`
	Claim *struct {
		Conflict bool `json:"conflict"`
		Previous *struct {
			SessionID string `json:"session_id"`
		} `json:"previous"`
	} `json:"claim"`
	Released *int `json:"released"`
}

// coordText renders warnings or the success text.
func coordText(resp coordResponse, ok string) string {
	if !resp.OK {
		return "warning: " + strings.Join(resp.Warnings, "; ")
	}
	return ok
}

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Register sessions and list peers"}

	var workingOn string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register this session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp coordResponse
			body := map[string]string{"working_on": workingOn}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/sessions", body, &resp); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), resp, coordText(resp, "registered"))
		},
	}
	register.Flags().StringVar(&workingOn, "working-on", "", "what this session is working on")

	heartbeat := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send a heartbeat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp coordResponse
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/sessions/heartbeat", struct{}{}, &resp); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), resp, coordText(resp, "ok"))
		},
	}

	var includeSelf bool
	peers := &cobra.Command{
		Use:   "peers",
		Short: "List active sessions of the project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if includeSelf {
				q.Set("exclude_self", "false")
			}
			path := "/api/v1/sessions"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var resp coordResponse
			if err := opts.client().do(cmd.Context(), "GET", path, nil, &resp); err != nil {
				return err
			}
			lines := make([]string, 0, len(resp.Sessions))
			for _, s := range resp.Sessions {
				line := s.ID
				if s.WorkingOn != "" {
					line += ": " + s.WorkingOn
				}
				lines = append(lines, line)
			}
			text := strings.Join(lines, "\n")
			if text == "" {
				text = "no active peers"
			}
			return opts.print(cmd.OutOrStdout(), resp, coordText(resp, text))
		},
	}
	peers.Flags().BoolVar(&includeSelf, "include-self", false, "include this session")

	cmd.AddCommand(register, heartbeat, peers)
	return cmd
}

func newClaimCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "claim", Short: "Check, take and release advisory file claims"}

	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Show who has claimed a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp coordResponse
			body := map[string]string{"file_path": args[0]}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/claims/check", body, &resp); err != nil {
				return err
			}
			text := "unclaimed"
			if c := resp.Check; c != nil && c.Claimed {
				text = "claimed by " + c.ClaimedBy
				if c.Stale {
					text += " (stale)"
				}
			}
			return opts.print(cmd.OutOrStdout(), resp, coordText(resp, text))
		},
	}

	take := &cobra.Command{
		Use:   "take <file>",
		Short: "Claim a file for this session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp coordResponse
			body := map[string]string{"file_path": args[0]}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/claims", body, &resp); err != nil {
				return err
			}
			text := "claimed"
			if c := resp.Claim; c != nil && c.Conflict && c.Previous != nil {
				text = "claimed, took over from " + c.Previous.SessionID
			}
			return opts.print(cmd.OutOrStdout(), resp, coordText(resp, text))
		},
	}

	release := &cobra.Command{
		Use:   "release",
		Short: "Release every claim of this session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp coordResponse
			if err := opts.client().do(cmd.Context(), "DELETE", "/api/v1/claims", nil, &resp); err != nil {
				return err
			}
			n := 0
			if resp.Released != nil {
				n = *resp.Released
			}
			return opts.print(cmd.OutOrStdout(), resp, coordText(resp, fmt.Sprintf("released %d claim(s)", n)))
		},
	}

	cmd.AddCommand(check, take, release)
	return cmd
}

func newHandoffCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "handoff", Short: "Create and grade session handoffs"}

	create := &cobra.Command{
		Use:   "create <content|->",
		Short: "Write this session's handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readArg(cmd, args[0])
			if err != nil {
				return err
			}
			var h struct {
				ID string `json:"id"`
			}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/handoffs", map[string]string{"content": content}, &h); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), h, "handoff "+h.ID)
		},
	}

	var notes string
	mark := &cobra.Command{
		Use:   "mark <id> <outcome>",
		Short: "Record how a handoff worked out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"outcome": args[1], "notes": notes}
			if err := opts.client().do(cmd.Context(), "POST", "/api/v1/handoffs/"+url.PathEscape(args[0])+"/outcome", body, nil); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body, "marked "+strings.ToUpper(args[1]))
		},
	}
	mark.Flags().StringVar(&notes, "notes", "", "why it went the way it did")

	cmd.AddCommand(create, mark)
	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check learnd server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			var h struct {
				Status   string `json:"status"`
				Backend  string `json:"backend"`
				Degraded bool   `json:"degraded"`
			}
			if err := opts.client().do(ctx, "GET", "/health", nil, &h); err != nil {
				return err
			}
			text := fmt.Sprintf("Server Status: %s\nBackend: %s\nServer URL: %s", h.Status, h.Backend, opts.server)
			return opts.print(cmd.OutOrStdout(), h, text)
		},
	}
}
