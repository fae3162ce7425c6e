package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"govtech/internal/app"
	"govtech/internal/config"
	"govtech/internal/domain"
	"govtech/internal/repo"
	"govtech/internal/server"
	"govtech/internal/templates"
)

var errNoDirectory = errors.New("users and API keys need a SQL storage driver")

func templateCmd() *cobra.Command {
	t := &cobra.Command{Use: "template", Short: "Inspect service templates"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Templates.List()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Code", "Name", "Department", "Steps", "Nominal h"})
				for _, it := range items {
					var hours float64
					for _, s := range it.Steps {
						hours += s.NominalDurationHours
					}
					tw.AppendRow(table.Row{it.ServiceCode, it.Name, it.Department, len(it.Steps), hours})
				}
				tw.Render()
				return nil
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML list of templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			var items []domain.ProtocolTemplate
			if err := yaml.NewDecoder(f).Decode(&items); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			reg, err := templates.New(items)
			if err != nil {
				return err
			}
			fmt.Printf("%d templates ok\n", len(reg.List()))
			return nil
		},
	})
	return t
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage the users directory"}

	var in domain.User
	var role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(role)
			in.Active = true
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				out, err := r.UpsertUser(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	add.Flags().StringVar(&in.ID, "id", "", "user id")
	add.Flags().StringVar(&in.Name, "name", "", "display name")
	add.Flags().StringVar(&role, "role", string(domain.RoleCitizen), "citizen|operator|manager|admin")
	add.Flags().StringVar(&in.Department, "department", "", "department code")
	_ = add.MarkFlagRequired("id")

	var dept string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				users, err := r.ListUsers(ctx, dept)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Department", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.Department, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&dept, "department", "", "department filter")

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop a user from acting or receiving assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				return r.SetActive(ctx, args[0], false)
			})
		},
	}

	u.AddCommand(add, list, deactivate)
	return u
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				key, secret, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("id:     %s\nactor:  %s\nsecret: %s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "owner of the key (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "actor", "", "owner filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	k.AddCommand(create, list, revoke)
	return k
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("jwt secret required (GOVTECH_JWT_SECRET)")
			}
			tok, err := server.SignToken(secret, actorID(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				latest, err := a.Store.LatestPosition(ctx)
				if err != nil {
					return err
				}
				evts, err := a.Store.EventsAfter(ctx, max(0, latest-int64(n)), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				printEvents(evts)
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

func archiveCmd() *cobra.Command {
	ar := &cobra.Command{Use: "archive", Short: "Retention archive"}
	ar.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Archive every terminal protocol not archived yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				arc, err := a.Archiver(ctx)
				if err != nil {
					return err
				}
				res, err := arc.ArchiveTerminal(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, k := range res.Archived {
					fmt.Println(k)
				}
				fmt.Printf("archived %d, already present %d (%s)\n", len(res.Archived), res.Skipped, arc.Store.Driver())
				return nil
			})
		},
	})
	return ar
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default govtech.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and its templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if _, err := templates.New(cfg.Templates); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, *repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if a.Repo == nil {
			return errNoDirectory
		}
		return fn(ctx, a.Repo)
	})
}
