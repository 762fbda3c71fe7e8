package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/auth"
	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/persistence"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
	"github.com/spec-kit/redmine-bridge/internal/service"
	"github.com/spec-kit/redmine-bridge/internal/worker"
)

// Persistent flag names, also the keys accepted in the --config file.
const (
	flagConfig    = "config"
	flagRedmine   = "redmine-url"
	flagAPIKey    = "api-key"
	flagProjectID = "project-id"
	flagTrackerID = "tracker-id"
	flagTimeout   = "timeout"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Redmine bridge maintenance tool",
		Long:          "bridgectl checks Redmine connectivity, inspects the custom field catalog,\nissues caller tokens and prunes idempotency records.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(flagConfig, "", "optional YAML/JSON file with flag values")
	flags.String(flagRedmine, "", "Redmine base URL (overrides REDMINE_BASE_URL)")
	flags.String(flagAPIKey, "", "Redmine API key (overrides REDMINE_API_KEY)")
	flags.Int(flagProjectID, 0, "Redmine project id (overrides REDMINE_PROJECT_ID)")
	flags.Int(flagTrackerID, 0, "Redmine tracker id (overrides REDMINE_TRACKER_ID)")
	flags.Duration(flagTimeout, 30*time.Second, "overall command timeout")
	_ = v.BindPFlags(flags)

	load := func() (*config.Config, error) {
		return loadConfig(v)
	}

	root.AddCommand(
		newCheckCmd(v, load),
		newCustomFieldsCmd(v, load),
		newTokenCmd(load),
		newPruneCmd(v, load),
	)
	return root
}

// loadConfig reads the environment, then applies the config file and flags on top.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if file := v.GetString(flagConfig); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	if url := v.GetString(flagRedmine); url != "" {
		cfg.Redmine.BaseURL = url
	}
	if key := v.GetString(flagAPIKey); key != "" {
		cfg.Redmine.APIKey = key
	}
	if id := v.GetInt(flagProjectID); id > 0 {
		cfg.Redmine.ProjectID = id
	}
	if id := v.GetInt(flagTrackerID); id > 0 {
		cfg.Redmine.TrackerID = id
	}
	return cfg, nil
}

func commandContext(cmd *cobra.Command, v *viper.Viper) (context.Context, context.CancelFunc) {
	timeout := v.GetDuration(flagTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func newCheckCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the bridge can reach the configured Redmine project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Redmine.Validate(); err != nil {
				return err
			}
			if cfg.Redmine.ProjectID <= 0 {
				return fmt.Errorf("a project id is required (REDMINE_PROJECT_ID or --%s)", flagProjectID)
			}
			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			client := redmine.NewClient(cfg.Redmine, zap.NewNop(), nil)
			project, err := client.Get(ctx, domain.NewRequestContext(), fmt.Sprintf("/projects/%d.json", cfg.Redmine.ProjectID))
			if err != nil {
				return fmt.Errorf("redmine check failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Redmine bridge OK")
			if p, ok := project["project"].(map[string]any); ok {
				fmt.Fprintf(out, "project: %d %s\n", redmine.Int(p["id"]), redmine.String(p["name"]))
			}
			return nil
		},
	}
}

func newCustomFieldsCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "custom-fields",
		Short: "List the issue custom fields enabled for a tracker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Redmine.Validate(); err != nil {
				return err
			}
			if cfg.Redmine.TrackerID <= 0 {
				return fmt.Errorf("a tracker id is required (REDMINE_TRACKER_ID or --%s)", flagTrackerID)
			}
			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			client := redmine.NewClient(cfg.Redmine, zap.NewNop(), nil)
			catalog := service.NewCustomFieldCatalog(client, nil, zap.NewNop())
			fields, err := catalog.FieldsForTracker(ctx, domain.NewRequestContext(), cfg.Redmine.TrackerID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKEY\tREQUIRED\tVALUES")
			for _, f := range fields {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					f.ID, f.Name, service.NormalizeFieldName(f.Name),
					strconv.FormatBool(f.Required), strings.Join(f.PossibleValues, ","))
			}
			return w.Flush()
		},
	}
}

func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		identity auth.Identity
		scopes   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a bridge caller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
			token, expires, err := tokens.GenerateToken(identity, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.Login, "login", "", "Redmine login to act as")
	cmd.Flags().StringVar(&identity.Email, "email", "", "caller email")
	cmd.Flags().StringVar(&identity.FirstName, "first-name", "", "caller first name")
	cmd.Flags().StringVar(&identity.LastName, "last-name", "", "caller last name")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeTicketsWrite, auth.ScopeClientesWrite}, "granted scopes")
	_ = cmd.MarkFlagRequired("login")
	return cmd
}

func newPruneCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete idempotency records older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if days > 0 {
				cfg.Idempotency.RetentionDays = days
			}
			if cfg.Idempotency.Retention() <= 0 {
				return fmt.Errorf("retention must be positive (IDEMPOTENCY_RETENTION_DAYS or --days)")
			}
			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			store, err := persistence.OpenIdempotencyStore(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			w := worker.NewMaintenanceWorker(worker.MaintenanceConfig{Retention: cfg.Idempotency.Retention()}, nil, store.Repository, zap.NewNop())
			removed, err := w.PruneIdempotency(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d idempotency records\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (overrides IDEMPOTENCY_RETENTION_DAYS)")
	return cmd
}
