package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/email"
	"github.com/deskmate/deskmate/internal/inbox"
	"github.com/deskmate/deskmate/internal/kb"
	"github.com/deskmate/deskmate/internal/llm"
	"github.com/deskmate/deskmate/internal/pipeline"
	"github.com/deskmate/deskmate/internal/reply"
	"github.com/deskmate/deskmate/internal/store"
	"github.com/deskmate/deskmate/internal/template"
	"github.com/deskmate/deskmate/internal/web"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
	jsonOut  bool
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	amber = color.New(color.FgYellow).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "deskmate",
		Short: "deskmate - support inbox triage and reply drafting",
		Long: `deskmate pulls support emails from an IMAP mailbox, classifies their
sentiment and priority, extracts contact details, and drafts replies
grounded in a local knowledge base.

Every operation is available from the command line and over the JSON API
started by "deskmate serve".`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deskmate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	ingester *pipeline.Ingester
	desk     *pipeline.Desk
	closers  []func() error
}

// buildSender validates the outbound settings and builds the delivery client.
// Commands that never deliver get a nil sender and no validation.
func buildSender(cfg *config.Config, deliver bool) (email.Sender, error) {
	if !deliver {
		return nil, nil
	}
	if err := cfg.ValidateOutbound(); err != nil {
		return nil, err
	}
	return email.NewSender(cfg.Outbound)
}

func newApp(deliver bool) (*app, error) {
	cfg, err := config.Load(resolveConfigPath(), envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, closeLog := config.SetupLogger(cfg.Log.File, config.ParseLogLevel(cfg.Log.Level))
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	st, err := store.NewStore(cfg.Storage.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	sender, err := buildSender(cfg, deliver)
	if err != nil {
		a.Close()
		return nil, err
	}

	engine, err := template.NewEngine()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize templates: %w", err)
	}

	model := llm.New(cfg.LLM, logger)
	sentiment := inbox.NewSentimentClassifier(model, cfg.LLM.Timeout, logger)
	retriever := kb.NewRetriever(cfg.KB.Dir, logger)
	generator := reply.NewGenerator(model, retriever, engine, cfg.LLM.Timeout, logger)
	generator.SetTopK(cfg.KB.TopK)

	a.ingester = pipeline.NewIngester(cfg.Inbox, inbox.IMAPDialer(logger), st, sentiment, logger)
	a.desk = pipeline.NewDesk(st, generator, sender, logger)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// withApp wires the components, runs fn, and releases them. Outbound
// delivery is left unconfigured.
func withApp(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return runApp(false, fn)
}

// withDeliveryApp is withApp for commands that deliver replies.
func withDeliveryApp(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return runApp(true, fn)
}

func runApp(deliver bool, fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(deliver)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid email id %q", arg)
	}
	return id, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database schema",
		Long:  "Create the emails and responses tables if they do not exist. Safe to run repeatedly.",
		RunE: withApp(func(ctx context.Context, a *app) error {
			if err := a.store.Init(ctx); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]bool{"ok": true})
			}
			fmt.Printf("%s database ready at %s\n", green("✓"), a.cfg.Storage.Path)
			return nil
		}),
	}
}

func fetchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Ingest support emails from the mailbox",
		Long: `Connect to the configured IMAP mailbox, take up to --limit messages
(unread first, then recent, then all), and store the ones whose subject
marks them as support requests.`,
		RunE: withApp(func(ctx context.Context, a *app) error {
			res, err := a.ingester.Ingest(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Printf("%s ingested %d email(s)\n", green("✓"), res.Ingested)
			return nil
		}),
	}

	cmd.Flags().IntVar(&limit, "limit", pipeline.DefaultLimit, "Maximum number of messages to process")

	return cmd
}

func listCmd() *cobra.Command {
	var opts store.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored emails",
		RunE: withApp(func(ctx context.Context, a *app) error {
			emails, err := a.store.ListEmails(ctx, opts)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(emails)
			}
			if len(emails) == 0 {
				fmt.Println("No emails stored. Run 'deskmate fetch' first.")
				return nil
			}
			for _, e := range emails {
				printEmailLine(os.Stdout, e)
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&opts.OrderByPriority, "order-by-priority", true, "List urgent emails first")
	cmd.Flags().BoolVar(&opts.OnlySupport, "only-support", true, "Only show emails with a support subject")

	return cmd
}

func colorPriority(p string) string {
	if p == string(inbox.PriorityUrgent) {
		return red(p)
	}
	return p
}

func colorSentiment(s string) string {
	switch s {
	case string(inbox.SentimentNegative):
		return amber(s)
	case string(inbox.SentimentPositive):
		return green(s)
	}
	return s
}

func printEmailLine(w io.Writer, e store.Email) {
	status := faint(string(e.Status))
	if e.Status == store.StatusResponded {
		status = green(string(e.Status))
	}
	fmt.Fprintf(w, "%5d  %s  %-10s %-9s %-9s %s %s\n",
		e.ID,
		e.ReceivedAt,
		colorPriority(e.Priority),
		colorSentiment(e.Sentiment),
		status,
		bold(e.Subject),
		faint("<"+e.Sender+">"),
	)
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one email with its drafts and replies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				e, err := a.store.GetEmail(ctx, id)
				if err != nil {
					return err
				}
				responses, err := a.store.GetResponses(ctx, id)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(map[string]any{"email": e, "responses": responses})
				}
				printEmail(e, responses)
				return nil
			})(cmd, args)
		},
	}
}

func printEmail(e *store.Email, responses []store.Response) {
	fmt.Printf("%s %s\n", bold("Subject:"), e.Subject)
	fmt.Printf("%s %s\n", bold("From:"), e.Sender)
	fmt.Printf("%s %s UTC\n", bold("Received:"), e.ReceivedAt)
	fmt.Printf("%s %s / %s / %s\n", bold("Triage:"), colorSentiment(e.Sentiment), colorPriority(e.Priority), e.Status)
	if e.Phone != "" {
		fmt.Printf("%s %s\n", bold("Phone:"), e.Phone)
	}
	if e.AltEmail != "" {
		fmt.Printf("%s %s\n", bold("Alt email:"), e.AltEmail)
	}
	fmt.Printf("%s %s\n", bold("Summary:"), e.RequestSummary)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println(e.Body)

	for _, r := range responses {
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		if r.SentAt != "" {
			fmt.Printf("%s #%d sent %s\n", green("Reply"), r.ID, r.SentAt)
			fmt.Println(r.Final)
			continue
		}
		fmt.Printf("%s #%d\n", amber("Draft"), r.ID)
		fmt.Println(r.Draft)
	}
}

func respondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <id>",
		Short: "Draft a reply for an email",
		Long:  "Generate a reply draft for the email and store it. The email stays pending until a reply is sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.desk.Draft(ctx, id)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(res)
				}
				fmt.Printf("%s draft #%d\n\n%s\n", green("✓"), res.ResponseID, res.Draft)
				return nil
			})(cmd, args)
		},
	}
}

// latestDraft returns the most recent unsent draft for an email.
func latestDraft(ctx context.Context, st *store.Store, id int64) (string, error) {
	responses, err := st.GetResponses(ctx, id)
	if err != nil {
		return "", err
	}
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i].SentAt == "" {
			return responses[i].Draft, nil
		}
	}
	return "", nil
}

func sendCmd() *cobra.Command {
	var final, finalFile string

	cmd := &cobra.Command{
		Use:   "send <id>",
		Short: "Send the final reply for an email",
		Long: `Record the final reply and mark the email responded. Without --final or
--final-file the latest draft is sent. When outbound delivery is configured
the reply is also delivered to the customer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if finalFile != "" {
				var data []byte
				if finalFile == "-" {
					data, err = io.ReadAll(os.Stdin)
				} else {
					data, err = os.ReadFile(finalFile)
				}
				if err != nil {
					return fmt.Errorf("failed to read reply: %w", err)
				}
				final = string(data)
			}
			return withDeliveryApp(func(ctx context.Context, a *app) error {
				text := final
				if strings.TrimSpace(text) == "" {
					if text, err = latestDraft(ctx, a.store, id); err != nil {
						return err
					}
				}
				res, err := a.desk.Send(ctx, id, text)
				if errors.Is(err, pipeline.ErrEmptyReply) {
					return fmt.Errorf("%w (run 'deskmate respond %d' or pass --final)", err, id)
				}
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(res)
				}
				fmt.Printf("%s reply #%d recorded, email %d marked responded\n", green("✓"), res.ResponseID, id)
				if res.MessageID != "" {
					fmt.Printf("  delivered as %s\n", res.MessageID)
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().StringVar(&final, "final", "", "Reply text to send")
	cmd.Flags().StringVar(&finalFile, "final-file", "", "Read the reply text from a file (- for stdin)")
	cmd.MarkFlagsMutuallyExclusive("final", "final-file")

	return cmd
}

func analyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Show inbox statistics",
		RunE: withApp(func(ctx context.Context, a *app) error {
			stats, err := a.store.Analytics(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(stats)
			}
			printAnalytics(stats)
			return nil
		}),
	}
}

func printAnalytics(a *store.Analytics) {
	fmt.Println(bold("Inbox Statistics"))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Total emails:    %d\n", a.Total)
	fmt.Printf("  Last 24 hours:   %d\n", a.Last24h)
	fmt.Printf("  Resolved:        %s\n", green(a.Resolved))
	fmt.Printf("  Pending:         %s\n", amber(a.Pending))
	fmt.Println()
	fmt.Println("Sentiment:")
	for _, s := range []inbox.Sentiment{inbox.SentimentPositive, inbox.SentimentNeutral, inbox.SentimentNegative} {
		fmt.Printf("  %-10s %d\n", s, a.Sentiment[string(s)])
	}
	fmt.Println("Priority:")
	for _, p := range []inbox.Priority{inbox.PriorityUrgent, inbox.PriorityNotUrgent} {
		fmt.Printf("  %-10s %d\n", p, a.Priority[string(p)])
	}
}

func serveCmd() *cobra.Command {
	var port int
	var host string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON API",
		Long:  "Serve the triage operations over HTTP for the dashboard.",
		RunE: withDeliveryApp(func(ctx context.Context, a *app) error {
			if port != 0 {
				a.cfg.Server.Port = port
			}
			if host != "" {
				a.cfg.Server.Host = host
			}
			server := web.NewServer(a.cfg.Server, a.store, a.ingester, a.desk, a.logger)

			go func() {
				<-ctx.Done()
				fmt.Println("\nShutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()

			fmt.Printf("Starting deskmate API at http://%s\n", a.cfg.Server.Addr())
			fmt.Println("Press Ctrl+C to stop")
			return server.Start()
		}),
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config, 8000)")
	cmd.Flags().StringVar(&host, "host", "", "Interface to bind (default from config, 127.0.0.1)")

	return cmd
}
