package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"deliverline/internal/app"
	"deliverline/internal/config"
	"deliverline/internal/deliverable"
	"deliverline/internal/events"
	"deliverline/internal/logging"
	"deliverline/internal/server"
	"deliverline/internal/workflow"
)

// errReported marks a failure that was already logged; main exits without
// printing it again.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deliverline CLI",
	Long: `Deliverline turns contract text into deliverable tasks.
- Extract: the text goes to a generative model constrained to a JSON schema; the reply is validated and normalized.
- Teams: every deliverable belongs to EVENTS, MARKETING or NONE. Anything else is an error, never a default.
- Dates: due dates render as "Jan 02, 2006"; a missing date stays missing (null over HTTP, the absent marker on the CLI).
- Webhooks: 'dl serve' exposes POST /webhook/{source} for upstream tools such as monday or hubspot.
- Journal: with journal.enabled, each webhook call is recorded (outcome only) and can be forwarded to outbound hooks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		logging.Init(viper.GetString("log-level"), viper.GetString("log-format"), os.Stderr)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DELIVERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/deliverline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "config", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func extractCmd() *cobra.Command {
	var file, text string
	var asTable bool
	cmd := &cobra.Command{
		Use:   "extract [-]",
		Short: "Extract deliverables from text",
		Long:  "Reads --text, --file, or stdin ('-'). With no input the built-in sample contract is used. Prints the deliverables as a JSON array.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), inputFlags(cmd, text, file), args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				records, err := rt.Pipeline.Extract(ctx, input)
				if err != nil {
					return reportFailure(err)
				}
				batch := deliverable.Batch(records, absentMarker(rt.Config))
				if asTable {
					printBatchTable(out, batch)
					return nil
				}
				return printJSON(out, batch)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read text from file")
	cmd.Flags().StringVarP(&text, "text", "t", "", "text to extract from")
	cmd.Flags().BoolVar(&asTable, "table", false, "render a table instead of JSON")
	return cmd
}

func workflowCmd() *cobra.Command {
	var file, text string
	var inspect bool
	cmd := &cobra.Command{
		Use:   "workflow [-]",
		Short: "Run extraction as the two-stage extract/normalize workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), inputFlags(cmd, text, file), args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wf, err := rt.Workflow()
				if err != nil {
					return err
				}
				var steps []string
				wf.OnStep = func(s workflow.Step) { steps = append(steps, s.Node) }
				state, err := workflow.Run(ctx, wf, input)
				if err != nil {
					return reportFailure(err)
				}
				batch := deliverable.Batch(state.Records, absentMarker(rt.Config))
				if !inspect {
					return printJSON(out, batch)
				}
				return printJSON(out, map[string]any{
					"path":             steps,
					"raw_deliverables": state.Raw,
					"processed_tasks":  batch,
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read text from file")
	cmd.Flags().StringVarP(&text, "text", "t", "", "text to extract from")
	cmd.Flags().BoolVar(&inspect, "inspect", false, "print the intermediate raw slot and node path")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			stack, err := newServeStack(cmd.Context(), workspace, cfg)
			if err != nil {
				return err
			}
			defer stack.Close()
			return stack.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// serveStack is the fully built server side of 'dl serve'. Nothing runs
// until Run is called, so a failed build leaves no goroutine behind.
type serveStack struct {
	cfg        *config.Config
	srv        *http.Server
	conn       *sql.DB
	dispatcher *server.Dispatcher
	logger     *log.Logger
}

func newServeStack(ctx context.Context, workspace string, cfg *config.Config) (*serveStack, error) {
	rt, err := app.Build(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}
	st := &serveStack{cfg: cfg, logger: logging.New("serve")}
	srvCfg := server.Config{
		Extractor: timeoutExtractor{rt: rt},
		Shape:     rt.Shape,
		BasePath:  cfg.Server.BasePath,
		Sources:   cfg.Server.Sources,
		Logger:    logging.New("server"),
	}
	if cfg.Journal.Enabled {
		conn, journal, err := app.OpenJournal(ctx, workspace)
		if err != nil {
			return nil, err
		}
		st.conn = conn
		srvCfg.Journal = journal
		st.dispatcher = server.NewDispatcher(*journal, cfg.Webhooks, logging.New("webhooks"))
	}
	handler, err := server.New(srvCfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.srv = &http.Server{Addr: cfg.Server.Addr, Handler: handler}
	return st, nil
}

// Run serves until ctx is done or the listener fails, then waits for the
// dispatcher to stop.
func (s *serveStack) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.dispatcher != nil {
		g.Go(func() error {
			s.dispatcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.logger.Info("serving deliverline API",
			"url", fmt.Sprintf("http://%s%s", s.cfg.Server.Addr, s.cfg.Server.BasePath),
			"docs", "/docs",
			"journal", s.cfg.Journal.Enabled)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (s *serveStack) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema the model output must satisfy",
		RunE: func(cmd *cobra.Command, args []string) error {
			shape, err := deliverable.NewShape()
			if err != nil {
				return err
			}
			var doc any
			if err := json.Unmarshal(shape.JSON(), &doc); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/deliverline.yml: model provider, normalize policy, output marker, server, journal, and outbound webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default deliverline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
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
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Extraction journal",
		Long:  "Outcomes of webhook extractions recorded by 'dl serve' when journal.enabled is set. Records themselves are not stored.",
	}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, source string
	var asTable bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, journal, err := app.OpenJournal(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			items, err := journal.Latest(ctx, n, 0, evtType, source)
			if err != nil {
				return err
			}
			if asTable {
				printEventTable(cmd.OutOrStdout(), items)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&source, "source", "", "webhook source filter")
	cmd.Flags().BoolVar(&asTable, "table", false, "render a table instead of JSON")
	return cmd
}

// --- helpers ---

// timeoutExtractor bounds each server extraction by model.timeout_seconds.
type timeoutExtractor struct {
	rt *app.Runtime
}

func (t timeoutExtractor) Extract(ctx context.Context, text string) ([]deliverable.Record, error) {
	ctx, cancel := withModelTimeout(ctx, t.rt.Config)
	defer cancel()
	return t.rt.Pipeline.Extract(ctx, text)
}

func withModelTimeout(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	if cfg.Model.TimeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(cfg.Model.TimeoutSeconds)*time.Second)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Build(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	ctx, cancel := withModelTimeout(ctx, cfg)
	defer cancel()
	return fn(ctx, rt)
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func loadDotEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// reportFailure logs a pipeline error with its kind and keeps stdout empty.
func reportFailure(err error) error {
	logging.New("cli").Error("extraction failed",
		"kind", deliverable.KindOf(err),
		"retryable", deliverable.Retryable(err),
		"err", err)
	return errReported
}

// inputSource is what the user asked to extract from. An explicitly empty
// --text is still an input; only a missing one falls back to the sample.
type inputSource struct {
	text    string
	textSet bool
	file    string
}

func inputFlags(cmd *cobra.Command, text, file string) inputSource {
	return inputSource{text: text, textSet: cmd.Flags().Changed("text"), file: file}
}

func readInput(stdin io.Reader, src inputSource, args []string) (string, error) {
	switch {
	case src.textSet && src.file != "":
		return "", fmt.Errorf("use either --text or --file, not both")
	case src.textSet:
		return src.text, nil
	case src.file != "":
		file := src.file
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		if !isText(data) {
			return "", fmt.Errorf("%s is %s, not text; convert it to plain text first", file, mimetype.Detect(data).String())
		}
		return string(data), nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return "", fmt.Errorf("unexpected argument %q (use - for stdin)", args[0])
	default:
		return sampleContractText, nil
	}
}

// isText reports whether data is plain text or a text-based format.
func isText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

func absentMarker(cfg *config.Config) string {
	if cfg == nil || cfg.Output.AbsentDate == "" {
		return deliverable.DefaultAbsentDate
	}
	return cfg.Output.AbsentDate
}

func printBatchTable(w io.Writer, batch []deliverable.BatchRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Name", "Team", "Due", "Description"})
	for _, r := range batch {
		tw.AppendRow(table.Row{r.Name, r.Team, r.DueDate, r.Description})
	}
	tw.Render()
}

func printEventTable(w io.Writer, items []events.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Source", "Request", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Source, e.RequestID, e.Payload})
	}
	tw.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const sampleContractText = `
As part of the package, the client will receive one branded booth at the conference,
three dedicated social media posts on X and LinkedIn, and a featured placement on
the website. All marketing deliverables must be completed before the 1st of December
2025.

Deliverable Description
Booth 9sqm Branded booth at the conference
Three (3) social media posts on X and
LinkedIn

Share and mention the client on social
media

Featured placement on the website Add the client logo on the website in the`
