package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"skillgate/internal/app"
	"skillgate/internal/config"
	"skillgate/internal/domain"
	"skillgate/internal/inbox"
	"skillgate/internal/notify"
	"skillgate/internal/server"
	skillgatesdk "skillgate/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Skillgate CLI",
	Long: `Skillgate guards what skills may do and decides which new skills get in.
- Manifest: the frozen list of skills and the capability tokens each one holds; edits apply on the next boot.
- Guard: every interaction a skill performs is checked against the tokens the manifest grants it.
- Proposals: candidate skills move new -> discovered -> implementation -> agent-review -> human-review -> accepted (rejected is the exit).
- Gates: each stage is auto or human; a human gate waits for 'sg proposal approve'.
- Composition analysis: a proposal is checked against the active skills for dangerous capability combinations and escalated when one is found.
- Event log: every decision is recorded, view it with 'sg log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SKILLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("remote", "", "talk to a running server at this URL instead of the local workspace")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --remote")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level in skillgate.yml)")
	for _, name := range []string{"workspace", "json", "actor-id", "remote", "token", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create skillgate.yml and the core manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := app.Init(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"written": written})
			}
			if len(written) == 0 {
				fmt.Println("workspace already initialized")
			}
			for _, p := range written {
				fmt.Println("wrote", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, scheduler, inbox watcher and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SKILLGATE_JWT_SECRET is required for bearer auth")
			}
			a, err := bootstrap(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Kernel:   a.Kernel,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: allowActorHeader, Logger: a.Logger},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.Scheduler().Run(ctx) })
			g.Go(func() error { return a.Inbox().Run(ctx) })
			g.Go(func() error { return a.Webhooks().Run(ctx) })

			a.Logger.Info("serving skillgate API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("manifest_version", a.Kernel.Manifest().Version()),
			)
			fmt.Printf("Serving Skillgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header")
	return cmd
}

func runCmd() *cobra.Command {
	var once, interactive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive proposals through the pipeline",
		Long:  "Advances every runnable proposal. With --interactive, human gates are asked on the terminal; otherwise they stay pending for 'sg proposal approve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var n notify.Notifier
			if interactive {
				n = &notify.Console{In: os.Stdin, Out: os.Stdout, Actor: viper.GetString("actor-id")}
			}
			a, err := bootstrap(cmd.Context(), n)
			if err != nil {
				return err
			}
			defer a.Close()
			sched := a.Scheduler()
			if once {
				if _, err := a.Inbox().Scan(cmd.Context()); err != nil {
					return err
				}
				return sched.Tick(cmd.Context())
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return sched.Run(ctx) })
			g.Go(func() error { return a.Inbox().Run(ctx) })
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process runnable proposals once and exit")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "answer human gates on the terminal")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id with SKILLGATE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SKILLGATE_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:     "proposal",
		Aliases: []string{"proposals", "p"},
		Short:   "Inspect and decide skill proposals",
	}
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalHistoryCmd())
	p.AddCommand(proposalReviewCmd())
	p.AddCommand(proposalSubmitCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	p.AddCommand(proposalReviseCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.ValidStatus(status) {
				return fmt.Errorf("invalid status %q", status)
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.ListProposals(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Status", "Pending", "Escalated", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Slug, statusText(s.Status), flag(s.Pending), flag(s.Escalated), s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
}

func proposalHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id|slug>",
		Short: "Show the lifecycle of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printHistory(items)
				return nil
			})
		},
	}
}

func proposalReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <id|slug>",
		Short: "Show the scan and composition findings a reviewer decides on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				r, err := b.Review(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("%s [%s]", r.Proposal.Slug, statusText(r.Proposal.Status))
				if r.Proposal.Pending {
					fmt.Print(color.YellowString(" pending"))
				}
				if r.Proposal.Escalated {
					fmt.Print(color.RedString(" escalated"))
				}
				fmt.Println()
				if r.NextStage != "" {
					fmt.Printf("next stage: %s (%s gate)\n", r.NextStage, r.Gate)
				}
				if r.Scan != nil {
					fmt.Printf("scan: %s\n", passText(r.Scan.Pass))
					for _, f := range r.Scan.Findings {
						fmt.Println("  -", f)
					}
				}
				if r.Analysis != nil {
					printReport(*r.Analysis)
				}
				return nil
			})
		},
	}
}

func proposalSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal from a proposed_*.yaml file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			opts, err := inbox.Parse(data)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "proposal file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	var force bool
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <id|slug>",
		Short: "Approve the pending human gate of a proposal",
		Long:  "Approves a proposal waiting at a human gate and continues its pipeline. --force advances a proposal that is not waiting; an escalated proposal still stops at the next human gate.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.Approve(ctx, args[0], force, reason)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "advance even when no decision is pending")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id|slug>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.Reject(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// reviseFile overrides fields of a rejected proposal; omitted keys are inherited.
type reviseFile struct {
	Slug          *string  `yaml:"slug"`
	Name          *string  `yaml:"name"`
	Description   *string  `yaml:"description"`
	Capabilities  []string `yaml:"capabilities"`
	HandlesEvents []string `yaml:"handles_events"`
	Dependencies  []string `yaml:"dependencies"`
	Rationale     *string  `yaml:"rationale"`
}

func proposalReviseCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "revise <id|slug>",
		Short: "Submit a revision of a rejected proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rf reviseFile
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &rf); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			req := skillgatesdk.ReviseRequest{
				Slug:          rf.Slug,
				Name:          rf.Name,
				Description:   rf.Description,
				Capabilities:  rf.Capabilities,
				HandledEvents: rf.HandlesEvents,
				Dependencies:  rf.Dependencies,
				Rationale:     rf.Rationale,
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.Revise(ctx, args[0], req)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with the fields to change")
	return cmd
}

func manifestCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the skill manifest",
		Long:  "The running manifest is frozen at boot. Accepted proposals and removals are staged in the manifest file and take effect on restart.",
	}
	m.AddCommand(manifestShowCmd())
	m.AddCommand(manifestRemoveCmd())
	return m
}

func manifestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the running and staged manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				m, err := b.Manifest(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				printManifest("running", m.Running)
				if m.Staged.Version != m.Running.Version {
					printManifest("staged (applies on restart)", m.Staged)
				}
				return nil
			})
		},
	}
}

func manifestRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <skill>",
		Short: "Stage the removal of a skill for the next boot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("remote") != "" {
				return fmt.Errorf("manifest remove edits the local workspace; drop --remote")
			}
			a, err := bootstrap(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			next, err := a.Engine.StageManifestRemoval(cmd.Context(), args[0], viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(next)
			}
			fmt.Printf("staged manifest v%d without %s; restart to apply\n", next.Version, args[0])
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	var caps []string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Check a capability set against the active skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				r, err := b.Analyze(ctx, caps)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				printReport(r)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&caps, "capabilities", nil, "comma-separated capability tokens")
	_ = cmd.MarkFlagRequired("capabilities")
	return cmd
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{Use: "guard", Short: "Query the capability guard"}
	var skill, interaction string
	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether a skill may perform an interaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				d, err := b.GuardCheck(ctx, skill, interaction)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if d.Allowed {
					fmt.Printf("%s may %s: %s\n", skill, interaction, color.GreenString("allowed"))
					return nil
				}
				fmt.Printf("%s may %s: %s (missing %s)\n", skill, interaction, color.RedString("denied"), strings.Join(d.Missing, ", "))
				return nil
			})
		},
	}
	check.Flags().StringVar(&skill, "skill", "", "skill name")
	check.Flags().StringVar(&interaction, "interaction", "", "interaction name")
	_ = check.MarkFlagRequired("skill")
	_ = check.MarkFlagRequired("interaction")
	g.AddCommand(check)
	return g
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect skillgate.yml",
		Long:  "The rulebook: capability vocabulary, interaction requirements, gates, escalation rules, pipeline limits and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate skillgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every submission, transition, decision, escalation and manifest change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var q skillgatesdk.EventQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				page, err := b.Events(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range page.Items {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, string(payload)})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("more: --cursor %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&q.Cursor, "cursor", "", "continue after this event id")
	return cmd
}

// --- helpers ---

func bootstrap(ctx context.Context, n notify.Notifier) (*app.App, error) {
	return app.Bootstrap(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		Notifier:  n,
	})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func printProposal(p skillgatesdk.Proposal) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s  %s [%s]\n", p.ID, p.Slug, statusText(p.Status))
	fmt.Printf("  name:         %s\n", p.Name)
	fmt.Printf("  description:  %s\n", p.Description)
	fmt.Printf("  capabilities: %s\n", strings.Join(p.Capabilities, ", "))
	if len(p.HandledEvents) > 0 {
		fmt.Printf("  events:       %s\n", strings.Join(p.HandledEvents, ", "))
	}
	if len(p.Dependencies) > 0 {
		fmt.Printf("  depends on:   %s\n", strings.Join(p.Dependencies, ", "))
	}
	if p.Pending {
		fmt.Println(color.YellowString("  waiting for a human decision"))
	}
	if p.Escalated {
		fmt.Println(color.RedString("  escalated"))
	}
	if p.RejectionKind != nil {
		reason := ""
		if p.RejectionReason != nil {
			reason = *p.RejectionReason
		}
		fmt.Printf("  rejected (%s): %s\n", *p.RejectionKind, reason)
	}
	if p.RevisionOf != nil {
		fmt.Printf("  revision of:  %s\n", *p.RevisionOf)
	}
	if len(p.History) > 0 {
		printHistory(p.History)
	}
	return nil
}

func printHistory(items []skillgatesdk.HistoryEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "TS", "Status", "Outcome", "Actor", "Reason"})
	for _, h := range items {
		tw.AppendRow(table.Row{h.Seq, h.TS, statusText(h.Status), h.Outcome, h.Actor, h.Reason})
	}
	tw.Render()
}

func printReport(r skillgatesdk.Report) {
	rec := r.Recommendation
	switch rec {
	case "BLOCK":
		rec = color.RedString(rec)
	case "APPROVE_WITH_NOTE":
		rec = color.YellowString(rec)
	default:
		rec = color.GreenString(rec)
	}
	fmt.Printf("composition: %s (%d capabilities in union)\n", rec, r.UnionSize)
	for _, f := range r.Findings {
		fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Check, f.Message)
	}
}

func printManifest(title string, m skillgatesdk.ManifestView) {
	fmt.Printf("%s manifest v%d\n", title, m.Version)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Skill", "Capabilities", "Events", "Depends on"})
	for _, s := range m.Skills {
		tw.AppendRow(table.Row{s.Name, strings.Join(s.Capabilities, ", "), strings.Join(s.HandlesEvents, ", "), strings.Join(s.Dependencies, ", ")})
	}
	tw.Render()
}

func statusText(status string) string {
	switch status {
	case domain.StatusAccepted:
		return color.GreenString(status)
	case domain.StatusRejected:
		return color.RedString(status)
	case domain.StatusHumanReview:
		return color.YellowString(status)
	}
	return status
}

func passText(ok bool) string {
	if ok {
		return color.GreenString("pass")
	}
	return color.RedString("fail")
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
