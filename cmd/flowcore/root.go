package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        Config
	// logOut receives process logs; stdout is reserved for command output.
	logOut io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "flowcore",
		Short:         "Durable workflow interpreter with sagas and resumable instances",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logOut = cmd.ErrOrStderr()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "settings file (default ~/.flowcore/settings.json)")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newTemplateCmd(c),
		newStartCmd(c),
		newResumeCmd(c),
		newTaskCmd(c),
		newEventCmd(c),
		newVersionCmd(),
	)
	return root
}

// open wires the app and brings the schema up to date.
func (c *cli) open(ctx context.Context) (*app, error) {
	a, err := newApp(c.cfg, c.logOut)
	if err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

// withApp runs fn against an open app and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseObject decodes a JSON object flag. Empty input is an empty object.
func parseObject(flag, raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return out, nil
}
