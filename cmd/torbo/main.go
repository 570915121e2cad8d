package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/torbolabs/torbo-base/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL     string
	adminSecret string
	cfgFile     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "torbo",
	Short: "Torbo Base CLI",
	Long: `torbo is the command-line interface for a Torbo Base node.

It manages agent configurations, IAM permissions, and task delegation on a
running torbod daemon.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.torbo")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:7711"
		}
		if adminSecret == "" {
			adminSecret = viper.GetString("admin_secret")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.torbo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "torbod base URL (default http://localhost:7711)")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "secret", "", "admin secret for mutating commands")

	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(accessLogCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(delegateCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if adminSecret != "" {
		opts = append(opts, client.WithAdminSecret(adminSecret))
	}
	return client.New(nodeURL, opts...)
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsFormat string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agent configurations",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		agents, err := c.ListAgents(context.Background())
		if err != nil {
			return err
		}
		if agentsFormat == "json" {
			return printJSON(agents)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tROLE\tLEVEL\tBUILT-IN")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n", a.ID, a.Name, a.Role, a.AccessLevel, a.IsBuiltIn)
		}
		return w.Flush()
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show one agent's configuration and IAM state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := c.GetAgent(ctx, args[0])
		if err != nil {
			return err
		}
		if agentsFormat == "json" {
			return printJSON(a)
		}
		fmt.Printf("ID:           %s\n", a.ID)
		fmt.Printf("Name:         %s\n", a.Name)
		fmt.Printf("Role:         %s\n", a.Role)
		fmt.Printf("Access Level: %d\n", a.AccessLevel)
		fmt.Printf("Built-in:     %v\n", a.IsBuiltIn)
		if len(a.EnabledSkillIDs) > 0 {
			fmt.Printf("Skills:       %s\n", strings.Join(a.EnabledSkillIDs, ", "))
		}

		ident, perms, err := c.IAMAgent(ctx, a.ID)
		if err != nil {
			return nil // agent exists but has no IAM identity yet
		}
		fmt.Printf("Risk Score:   %.2f\n", ident.RiskScore)
		if len(perms) > 0 {
			fmt.Println("Permissions:")
			for _, p := range perms {
				fmt.Printf("  %s → %s\n", p.Resource, strings.Join(p.Actions, ","))
			}
		}
		return nil
	},
}

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent and its IAM identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteAgent(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent %s deleted\n", args[0])
		return nil
	},
}

func init() {
	agentsCmd.PersistentFlags().StringVar(&agentsFormat, "format", "text", "Output format: text or json")
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsShowCmd)
	agentsCmd.AddCommand(agentsDeleteCmd)
}

// ── grant / revoke / check ───────────────────────────────────────────────────

var grantActions []string

var grantCmd = &cobra.Command{
	Use:   "grant <agent-id> <resource>",
	Short: "Grant an agent actions on a resource pattern",
	Long: `Grant replaces the agent's permission on the given resource pattern.

  torbo grant researcher "file:/home/user/docs*" --actions read,write
  torbo grant helper "tool:web_search" --actions use`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Grant(context.Background(), args[0], args[1], grantActions); err != nil {
			return err
		}
		fmt.Printf("✓ Granted %s on %s to %s\n", strings.Join(grantActions, ","), args[1], args[0])
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <agent-id> [resource]",
	Short: "Revoke an agent's permission on a resource (or all permissions)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resource := ""
		if len(args) == 2 {
			resource = args[1]
		}
		if err := c.Revoke(context.Background(), args[0], resource); err != nil {
			return err
		}
		if resource == "" {
			fmt.Printf("✓ Revoked all permissions from %s\n", args[0])
		} else {
			fmt.Printf("✓ Revoked %s from %s\n", resource, args[0])
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <agent-id> <resource> <action>",
	Short: "Check whether an agent may perform an action (the check is logged)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		allowed, err := c.Check(context.Background(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if allowed {
			fmt.Println("ALLOWED")
			return nil
		}
		fmt.Println("DENIED")
		os.Exit(1)
		return nil
	},
}

func init() {
	grantCmd.Flags().StringSliceVar(&grantActions, "actions", nil, "Actions to grant (e.g. read,write,execute,use)")
	_ = grantCmd.MarkFlagRequired("actions")
}

// ── anomalies / access-log / prune ───────────────────────────────────────────

var anomaliesFormat string

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Run anomaly detection over the node's access log",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		anomalies, err := c.Anomalies(context.Background())
		if err != nil {
			return err
		}
		if anomaliesFormat == "json" {
			return printJSON(anomalies)
		}
		if len(anomalies) == 0 {
			fmt.Println("No anomalies detected")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tTYPE\tSEVERITY\tDESCRIPTION")
		for _, a := range anomalies {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.AgentID, a.Type, a.Severity, a.Description)
		}
		return w.Flush()
	},
}

var (
	logAgent    string
	logResource string
	logLimit    int
)

var accessLogCmd = &cobra.Command{
	Use:   "access-log",
	Short: "Show the IAM access log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.AccessLog(context.Background(), logAgent, logResource, logLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tAGENT\tRESOURCE\tACTION\tRESULT\tREASON")
		for _, e := range entries {
			result := "allow"
			if !e.Allowed {
				result = "deny"
			}
			ts := e.Timestamp.Format(time.RFC3339)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ts, e.AgentID, e.Resource, e.Action, result, e.Reason)
		}
		return w.Flush()
	},
}

var pruneDays int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete access log entries older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		n, err := c.Prune(context.Background(), pruneDays)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pruned %d access log entries older than %d days\n", n, pruneDays)
		return nil
	},
}

func init() {
	anomaliesCmd.Flags().StringVar(&anomaliesFormat, "format", "text", "Output format: text or json")
	accessLogCmd.Flags().StringVar(&logAgent, "agent", "", "Filter by agent id")
	accessLogCmd.Flags().StringVar(&logResource, "resource", "", "Filter by resource (supports * wildcards)")
	accessLogCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum entries to fetch")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 30, "Delete entries older than this many days")
}

// ── delegate ─────────────────────────────────────────────────────────────────

var (
	delDescription string
	delPriority    int
	delSkills      []string
	delLevel       int
	delContext     string
)

var delegateCmd = &cobra.Command{
	Use:   "delegate <title>",
	Short: "Delegate a task to the best available peer node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		taskID, err := c.Delegate(context.Background(), client.DelegateRequest{
			Title:               args[0],
			Description:         delDescription,
			Priority:            delPriority,
			RequiredSkillIDs:    delSkills,
			RequiredAccessLevel: delLevel,
			Context:             delContext,
		})
		if err != nil {
			return fmt.Errorf("delegate task: %w", err)
		}
		fmt.Printf("✓ Task delegated\n\n")
		fmt.Printf("  Local Task ID: %s\n", taskID)
		return nil
	},
}

func init() {
	delegateCmd.Flags().StringVar(&delDescription, "description", "", "Task description")
	delegateCmd.Flags().IntVar(&delPriority, "priority", 0, "Task priority")
	delegateCmd.Flags().StringSliceVar(&delSkills, "skills", nil, "Skill ids the executor must advertise")
	delegateCmd.Flags().IntVar(&delLevel, "level", 0, "Access level the task requires")
	delegateCmd.Flags().StringVar(&delContext, "context", "", "Extra context appended to the task description")
}

// ── events ───────────────────────────────────────────────────────────────────

var (
	eventsPattern string
	eventsLimit   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent bus events",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, err := c.RecentEvents(context.Background(), eventsPattern, eventsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tNAME\tSOURCE\tPAYLOAD")
		for _, e := range events {
			payload, _ := json.Marshal(e.Payload)
			ts := time.Unix(e.Timestamp, 0).Format(time.RFC3339)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ts, e.Name, e.Source, payload)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsPattern, "pattern", "", "Event name pattern (e.g. security.*)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum events to fetch")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the torbo CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("torbo %s\n", version)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
