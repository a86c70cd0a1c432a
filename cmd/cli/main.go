package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/social-autopilot/internal/app"
	"github.com/social-autopilot/internal/automation"
	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	eng     *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Operator CLI for the social posting autopilot",
		Long: `Inspect and drive the scheduling engine: save trigger rules, review and
approve posts, and run generation, publishing and sweeps by hand.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: closeApp,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(triggersCmd())
	rootCmd.AddCommand(postsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(schedulesCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	eng, err = app.New(cmd.Context(), cfg, log)
	return err
}

func closeApp(cmd *cobra.Command, args []string) error {
	if eng == nil {
		return nil
	}
	return eng.Close()
}

// ============ AGENT COMMANDS ============

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List and create agents",
	}
	cmd.AddCommand(agentsListCmd())
	cmd.AddCommand(agentsCreateCmd())
	return cmd
}

func agentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := eng.Repo.ListAgents(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Agents (%d) ===\n\n", len(agents))
			for _, a := range agents {
				fmt.Printf("[%s] %s\n", a.ID, a.Name)
				if a.Industry != "" {
					fmt.Printf("    Industry: %s\n", a.Industry)
				}
				fmt.Printf("    Runtime agent: %s\n", orNA(a.RuntimeAgentID))
				if len(a.FeedURLs) > 0 {
					fmt.Printf("    Feeds: %s\n", strings.Join(a.FeedURLs, ", "))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func agentsCreateCmd() *cobra.Command {
	var agent models.Agent
	var feeds []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent.FeedURLs = models.StringSlice(feeds)
			if err := eng.Repo.CreateAgent(cmd.Context(), &agent); err != nil {
				return err
			}
			fmt.Printf("Created agent %s (%s)\n", agent.ID, agent.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent.Name, "name", "", "Agent name")
	cmd.Flags().StringVar(&agent.UserID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&agent.Industry, "industry", "", "Industry")
	cmd.Flags().StringVar(&agent.TargetAudience, "audience", "", "Target audience")
	cmd.Flags().StringVar(&agent.BrandPersonality, "personality", "", "Brand personality")
	cmd.Flags().StringVar(&agent.ContentStyle, "style", "", "Content style")
	cmd.Flags().StringVar(&agent.RuntimeAgentID, "runtime-agent", "", "Agent id inside the generation runtime")
	cmd.Flags().StringSliceVar(&feeds, "feed", nil, "RSS feed URL (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// ============ CONNECTION COMMANDS ============

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage social connections",
	}
	cmd.AddCommand(connectionsAddCmd())
	return cmd
}

func connectionsAddCmd() *cobra.Command {
	var conn models.SocialConnection
	var mode string
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Link a platform account to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn.PostingMode = models.PostingMode(mode)
			if !conn.PostingMode.Valid() {
				return fmt.Errorf("unknown posting mode %q", mode)
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn)
				conn.TokenExpiresAt = &at
			}
			conn.Active = true
			if err := eng.Repo.CreateConnection(cmd.Context(), &conn); err != nil {
				return err
			}
			fmt.Printf("Created %s connection %s for agent %s\n", conn.Platform, conn.ID, conn.AgentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&conn.AgentID, "agent", "", "Agent id")
	cmd.Flags().StringVar(&conn.Platform, "platform", models.PlatformLinkedIn, "Platform (linkedin or twitter)")
	cmd.Flags().StringVar(&conn.AccessToken, "access-token", "", "OAuth access token")
	cmd.Flags().StringVar(&conn.RefreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Access token lifetime")
	cmd.Flags().StringVar(&mode, "mode", string(models.PostingModeAutomatic), "Posting mode (automatic or manual_approval)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("access-token")
	return cmd
}

// ============ TRIGGER COMMANDS ============

func triggersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Automation rules",
	}
	cmd.AddCommand(triggersSaveCmd())
	cmd.AddCommand(triggersShowCmd())
	return cmd
}

func triggersSaveCmd() *cobra.Command {
	var (
		agentID, userID, file string
		mode, format, freq    string
		days                  []string
		at                    string
		posts                 int
		topics                []string
		disabled              bool
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save trigger rules for an agent and re-plan its schedule",
		Long: `Saves rules either from a JSON file shaped like the HTTP body
({"postingMode": ..., "triggers": {"newPosts": {...}}}) or from flags describing
the new-posts trigger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data automation.TriggerData
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("failed to parse %s: %w", file, err)
				}
			} else {
				in := &automation.TriggerInput{
					Enabled:          !disabled,
					Format:           models.PostFormat(format),
					Frequency:        models.Frequency(freq),
					TopicsOfInterest: topics,
				}
				if cmd.Flags().Changed("posts") {
					in.PostsPerPeriod = &posts
				}
				if in.Frequency == models.FrequencyCustom {
					in.CustomSchedule = &models.CustomSchedule{Days: days, Time: at, PostsPerPeriod: posts}
				}
				data = automation.TriggerData{
					PostingMode: models.PostingMode(mode),
					Triggers:    automation.Triggers{NewPosts: in},
				}
			}

			rules, err := eng.Automation.SaveTriggers(cmd.Context(), agentID, data, userID)
			if err != nil {
				return err
			}
			eng.Automation.Wait()

			for _, r := range rules {
				fmt.Printf("Saved %s rule (enabled=%t, %s, %s)\n", r.Category, r.Enabled, r.Frequency, r.Format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id")
	cmd.Flags().StringVar(&userID, "user", "cli", "User recorded as the editor")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON trigger data")
	cmd.Flags().StringVar(&mode, "mode", "", "Posting mode (automatic or manual_approval)")
	cmd.Flags().StringVar(&format, "format", "", "Format (normal, long_form or both)")
	cmd.Flags().StringVar(&freq, "frequency", "", "Frequency (daily, weekly or custom)")
	cmd.Flags().StringSliceVar(&days, "days", nil, "Weekdays for a custom rule")
	cmd.Flags().StringVar(&at, "time", "", "HH:MM for a custom rule")
	cmd.Flags().IntVar(&posts, "posts", models.DefaultPostsPerPeriod, "Posts per period")
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "Topic of interest (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Save the trigger disabled")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func triggersShowCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an agent's new-posts rule and its next planned instants",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := eng.Repo.GetRule(cmd.Context(), agentID, models.TriggerNewPosts)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== New posts (%s) ===\n\n", agentID)
			fmt.Printf("Enabled:   %t\n", rule.Enabled)
			fmt.Printf("Frequency: %s\n", rule.Frequency)
			fmt.Printf("Format:    %s\n", rule.Format)
			fmt.Printf("Per period: %d\n", rule.PostsPerPeriod)
			if rule.Frequency == models.FrequencyCustom {
				fmt.Printf("Days:      %s at %s\n", strings.Join(rule.CustomDays, ","), rule.CustomTime)
			}
			if len(rule.TopicsOfInterest) > 0 {
				fmt.Printf("Topics:    %s\n", strings.Join(rule.TopicsOfInterest, ", "))
			}

			instants, err := eng.Planner.NextInstants(rule)
			if err != nil {
				return err
			}
			fmt.Println("\nNext instants:")
			for i, at := range instants {
				fmt.Printf("  %d. %s (%s)\n", i+1, at.Format(time.RFC1123), automation.FormatFor(rule.Format, i))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// ============ POST COMMANDS ============

func postsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posts",
		Short: "List and manage posts",
	}

	cmd.AddCommand(postsListCmd())
	cmd.AddCommand(postsQueueCmd())
	cmd.AddCommand(postsDecisionCmd("approve", models.ApprovalApproved))
	cmd.AddCommand(postsDecisionCmd("reject", models.ApprovalRejected))
	return cmd
}

func postsListCmd() *cobra.Command {
	var status, agentID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			posts, err := eng.Repo.ListPosts(cmd.Context(), models.PostFilter{
				AgentID: agentID,
				Status:  models.PostStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Posts (%d) ===\n\n", len(posts))
			for _, p := range posts {
				printPost(p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&agentID, "agent", "", "Filter by agent")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum posts to show")
	return cmd
}

func postsQueueCmd() *cobra.Command {
	var horizon time.Duration

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show scheduled posts coming up",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			posts, err := eng.Repo.ListPosts(ctx, models.PostFilter{Status: models.PostStatusScheduled})
			if err != nil {
				return err
			}

			until := time.Now().Add(horizon)
			var queued []*models.Post
			for _, p := range posts {
				if p.ScheduledFor.Before(until) {
					queued = append(queued, p)
				}
			}

			fmt.Printf("\n=== Scheduled Posts Queue (%d) ===\n\n", len(queued))
			if len(queued) == 0 {
				fmt.Printf("No posts scheduled in the next %s\n", formatDuration(horizon))
				return nil
			}

			for i := len(queued) - 1; i >= 0; i-- {
				p := queued[i]
				printPost(p)
				if gate := approvalGate(ctx, p); gate != "" {
					fmt.Printf("    Gate: %s\n\n", gate)
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&horizon, "horizon", 24*time.Hour, "How far ahead to look")
	return cmd
}

func postsDecisionCmd(use string, status models.ApprovalStatus) *cobra.Command {
	var reviewer string

	cmd := &cobra.Command{
		Use:   use + " [post-id]",
		Short: fmt.Sprintf("Record an %s decision for a post", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			post, err := eng.Repo.GetPost(ctx, args[0])
			if err != nil {
				return err
			}
			if post.Status != models.PostStatusScheduled {
				return fmt.Errorf("post %s is %s", post.ID, post.Status)
			}

			if err := eng.Repo.SaveApproval(ctx, &models.PostApproval{
				PostID:     post.ID,
				Status:     status,
				ReviewerID: reviewer,
			}); err != nil {
				return err
			}
			fmt.Printf("Post %s %s\n", post.ID, status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reviewer, "reviewer", "cli", "Reviewer id")
	return cmd
}

// approvalGate explains why a scheduled post would not publish yet
func approvalGate(ctx context.Context, p *models.Post) string {
	conn, err := eng.Repo.GetConnection(ctx, p.ConnectionID)
	if err != nil {
		return "connection missing"
	}
	approval, err := eng.Repo.GetApproval(ctx, p.ID)
	if err != nil {
		approval = nil
	}
	if models.PublishEligible(conn.PostingMode, approval) {
		return ""
	}
	if conn.PostingMode == models.PostingModeManualApproval {
		return "awaiting approval"
	}
	return "rejected"
}

// ============ GENERATE / PUBLISH COMMANDS ============

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Content generation",
	}
	cmd.AddCommand(generateNowCmd())
	return cmd
}

func generateNowCmd() *cobra.Command {
	var agentID, format string
	var in time.Duration

	cmd := &cobra.Command{
		Use:   "now",
		Short: "Generate one post per active connection of an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := models.PostFormat(format)
			if f != models.FormatNormal && f != models.FormatLongForm {
				return fmt.Errorf("format must be normal or long_form")
			}

			at := time.Now().Add(in)
			fmt.Printf("Generating %s content for %s...\n", f, agentID)
			posts, err := eng.Automation.GenerateFor(cmd.Context(), agentID, f, at)
			if err != nil {
				return err
			}

			fmt.Printf("\nScheduled %d post(s) for %s\n\n", len(posts), at.Format(time.RFC1123))
			for _, p := range posts {
				printPost(p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id")
	cmd.Flags().StringVar(&format, "format", string(models.FormatNormal), "Format (normal or long_form)")
	cmd.Flags().DurationVar(&in, "in", 0, "Publish this long from now")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publishing",
	}
	cmd.AddCommand(publishNowCmd())
	return cmd
}

func publishNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now [post-id]",
		Short: "Publish a scheduled post immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := eng.Publisher.Publish(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Published {
				fmt.Printf("Post %s not published: %s\n", res.PostID, res.Skipped)
				return nil
			}
			fmt.Printf("Published post %s (platform id %s)\n", res.PostID, res.PlatformPostID)
			return nil
		},
	}
}

// ============ MAINTENANCE COMMANDS ============

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Publish sweep",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Publish due posts and expire stale ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			res := eng.Sweeper.Run(cmd.Context())
			fmt.Printf("Published: %d\nExpired:   %d\nErrors:    %d\n", res.Published, res.Expired, len(res.Errors))
			for _, err := range res.Errors {
				fmt.Printf("  - %v\n", err)
			}
			return nil
		},
	})
	return cmd
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Dispatcher schedules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resync",
		Short: "Re-register every enabled agent's generation schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eng.Local() {
				fmt.Println("Note: local cron entries live in the scheduler daemon; this only refreshes the remote backend")
			}
			n, err := eng.Automation.Resync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Resynced %d agent(s)\n", n)
			return nil
		},
	})
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Google Sheets publish ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the ledger sheet and headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eng.Ledger == nil {
				return fmt.Errorf("tracker is disabled")
			}
			if err := eng.Ledger.InitializeSheet(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Ledger sheet ready")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show ledger rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eng.Ledger == nil {
				return fmt.Errorf("tracker is disabled")
			}
			entries, err := eng.Ledger.Entries(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("\n=== Ledger (%d) ===\n\n", len(entries))
			for _, e := range entries {
				fmt.Printf("[%s] %s | %s | %s\n", e.PostID, e.Platform, e.Status, e.ScheduledFor.Format(time.RFC1123))
				if e.PostURL != "" {
					fmt.Printf("    URL: %s\n", e.PostURL)
				}
				if e.Error != "" {
					fmt.Printf("    Error: %s\n", e.Error)
				}
			}
			return nil
		},
	})
	return cmd
}

func printPost(p *models.Post) {
	fmt.Printf("[%s] %s | %s | %s\n", p.ID, p.Status, p.Platform, p.Format)
	fmt.Printf("    Agent: %s\n", p.AgentID)
	fmt.Printf("    Scheduled: %s\n", p.ScheduledFor.Local().Format(time.RFC1123))
	if p.PostedAt != nil {
		fmt.Printf("    Posted: %s (%s)\n", p.PostedAt.Local().Format(time.RFC1123), p.PlatformPostID)
	}
	if p.ErrorMessage != "" {
		fmt.Printf("    Error: %s\n", p.ErrorMessage)
	}
	fmt.Printf("    Preview: %s\n\n", truncateStr(strings.Join(strings.Fields(p.Content), " "), 100))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// Helper function to truncate strings
func truncateStr(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// Helper function to format duration nicely
func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1f hours", d.Hours())
	}
	return fmt.Sprintf("%.1f days", d.Hours()/24)
}
