package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"capsule-go/internal/app"
	"capsule-go/internal/capsule"
	"capsule-go/internal/config"
	"capsule-go/internal/daily"
)

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(app.ExitCode(nil, err))
}

// loadConfig reads the config file, or the defaults when there is none,
// and applies environment overrides.
func loadConfig() (*config.Config, string, error) {
	paths, err := app.DefaultPaths(os.Getenv)
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	path := paths.ConfigFile
	cfg, err := config.Load(path, paths.BaseDir)
	if err != nil {
		return nil, path, fmt.Errorf("reading config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, path, nil
}

// newApp reads the config and creates an App. Commands that talk to the
// workspace pass validate so configuration problems surface before any
// remote call. The caller must defer a.Close().
func newApp(operation string, validate bool) (*app.App, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "capsule",
	Short:        "Incremental Notion workspace mirror",
	SilenceUsage: true,
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Mirror the workspace to the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts app.BackupOptions
		opts.PageID, _ = cmd.Flags().GetString("page-id")
		opts.Full, _ = cmd.Flags().GetBool("full")
		opts.NoAttachments, _ = cmd.Flags().GetBool("no-attachments")
		opts.OutputDir, _ = cmd.Flags().GetString("output-dir")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

		if opts.PageID != "" && !config.ValidID(opts.PageID) {
			return fmt.Errorf("%w: --page-id %q is not a 32 character hex id", config.ErrInvalid, opts.PageID)
		}

		a, err := newApp("backup", true)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Backup(cmd.Context(), opts)
		if result != nil {
			printResult(result)
		}
		code := app.ExitCode(result, err)
		switch {
		case err != nil:
			return &exitError{code: code, err: fmt.Errorf("backup failed: %w", err)}
		case code != app.ExitOK:
			return &exitError{code: code, err: fmt.Errorf("backup finished as %s", result.Outcome)}
		}
		return nil
	},
}

func printResult(r *capsule.RunResult) {
	prefix := ""
	if r.Options.DryRun {
		prefix = "[dry run] "
	}
	fmt.Printf("%sRun %s: %s\n", prefix, r.RunID, r.Outcome)
	fmt.Printf("  examined:    %d\n", r.Examined)
	fmt.Printf("  refreshed:   %d\n", r.Refreshed)
	fmt.Printf("  unchanged:   %d\n", r.Skipped+r.Touched)
	if r.Excluded > 0 {
		fmt.Printf("  excluded:    %d\n", r.Excluded)
	}
	fmt.Printf("  attachments: %d\n", r.AttachmentsFetched)
	fmt.Printf("  duration:    %s\n", r.Duration().Truncate(time.Millisecond))
	for _, f := range r.Failures {
		node := f.NodeID
		if node == "" {
			node = "-"
		}
		fmt.Printf("  FAILED %-36s %-12s %s\n", node, f.Kind, f.Message)
	}
}

// daily command
var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Append the daily template to the target page",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts app.DailyOptions
		opts.TemplatePath, _ = cmd.Flags().GetString("template")
		opts.TargetPage, _ = cmd.Flags().GetString("target-page")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		vars, _ := cmd.Flags().GetBool("variables")

		if vars {
			preview := daily.Preview(time.Now())
			for _, name := range daily.Variables() {
				fmt.Printf("{{%s}}\t%s\n", name, preview[name])
			}
			return nil
		}

		a, err := newApp("daily", true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Daily(cmd.Context(), opts)
		if err != nil {
			return &exitError{code: app.ExitCode(nil, err), err: fmt.Errorf("daily publish failed: %w", err)}
		}
		if res.DryRun {
			fmt.Print(res.Content)
			fmt.Printf("\n[dry run] %d block(s) would be appended to %s\n", res.Blocks, res.PageID)
			return nil
		}
		fmt.Printf("Appended %d block(s) to %s in %d request(s)\n", res.Blocks, res.PageID, res.Requests)
		return nil
	},
}

// schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scheduled jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")

		a, err := newApp("schedule", true)
		if err != nil {
			return err
		}
		defer a.Close()

		if list {
			jobs, err := a.Jobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs scheduled.")
			}
			for _, j := range jobs {
				fmt.Printf("%-8s %-20s next %s\n", j.Name, j.Spec, j.Next.Format(time.RFC3339))
			}
			return nil
		}

		err = a.Schedule(cmd.Context())
		if err != nil {
			return &exitError{code: app.ExitCode(nil, err), err: err}
		}
		if cmd.Context().Err() != nil {
			return &exitError{code: app.ExitInterrupted, err: errors.New("interrupted")}
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("status", false)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status()
		if err != nil {
			return err
		}

		fmt.Printf("Output dir:  %s\n", st.Root)
		if st.Generation == 0 {
			fmt.Println("Mirror:      empty (no backup yet)")
		} else {
			fmt.Printf("Generation:  %d (saved %s)\n", st.Generation, st.SavedAt.Local().Format("2006-01-02 15:04:05"))
		}
		kinds := make([]string, 0, len(st.Counts))
		for k := range st.Counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-10s %d\n", k, st.Counts[capsule.NodeKind(k)])
		}
		if st.LastRun != nil {
			fmt.Printf("Last backup: %s  %s  %d refreshed, %d failures\n",
				st.LastRun.StartedAt.Local().Format("2006-01-02 15:04:05"),
				st.LastRun.Outcome,
				st.LastRun.Refreshed,
				len(st.LastRun.Failures),
			)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("history", false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			fmt.Printf("%s  %-7s  %s  %-8s  %4d refreshed  %4d failures  %s\n",
				r.ID[:8],
				r.Job,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Outcome,
				r.Refreshed,
				len(r.Failures),
				r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond),
			)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild the mirror from the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")

		a, err := newApp("restore", false)
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if a.NeedsPassphrase() {
			passphrase, err = readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
		}

		paths, err := a.Restore(cmd.Context(), to, passphrase)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d file(s) into %s\n", len(paths), to)
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths(os.Getenv)
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, paths.BaseDir)

		if err := config.Init(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigFile)
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", paths.BaseDir)
		fmt.Printf("Mirror:      %s\n", paths.OutputDir)
		fmt.Printf("Logs:        %s\n", paths.LogDir)
		fmt.Println("Set notion_token (or NOTION_TOKEN) and run `capsule keys init` before the first backup.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		shown := *cfg
		shown.NotionToken = redact(shown.NotionToken)
		shown.Discord.WebhookURL = redact(shown.Discord.WebhookURL)
		shown.Vaults = append([]config.VaultConfig(nil), cfg.Vaults...)
		for i := range shown.Vaults {
			shown.Vaults[i].S3SecretAccessKey = redact(shown.Vaults[i].S3SecretAccessKey)
		}

		data, err := config.Manager{}.Write(&shown)
		if err != nil {
			return err
		}
		fmt.Printf("# Configuration from %s (environment applied)\n\n%s", path, data)
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + strings.Repeat("*", 8)
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration and vault access",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		a, err := app.NewApp(cfg, "validate")
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.ValidateVault(cmd.Context()); err != nil {
			return fmt.Errorf("vault check failed: %w", err)
		}

		fmt.Printf("%s is valid\n", path)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage vault encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("keys", false)
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}

		if err := a.InitKeys(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Encryption keys created. Keep the passphrase safe: restores need it.")
		return nil
	},
}

func init() {
	backupCmd.Flags().String("page-id", "", "Mirror only this page or database and its descendants")
	backupCmd.Flags().Bool("full", false, "Refresh every node regardless of stored fingerprints")
	backupCmd.Flags().Bool("no-attachments", false, "Skip downloading hosted files")
	backupCmd.Flags().String("output-dir", "", "Output directory (overrides backup.output_dir)")
	backupCmd.Flags().Bool("dry-run", false, "Decide and render without writing anything")

	dailyCmd.Flags().String("template", "", "Template file (overrides daily.template_path)")
	dailyCmd.Flags().String("target-page", "", "Page to append to (overrides daily.target_page_id)")
	dailyCmd.Flags().Bool("dry-run", false, "Render the template without appending")
	dailyCmd.Flags().Bool("variables", false, "List template variables with their current values")

	scheduleCmd.Flags().Bool("list", false, "List scheduled jobs and exit")

	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")

	restoreCmd.Flags().String("to", "", "Empty directory to restore into")
	restoreCmd.MarkFlagRequired("to")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
}
