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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"volunteerops/internal/app"
	"volunteerops/internal/campaign"
	"volunteerops/internal/config"
	"volunteerops/internal/db"
	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/engine/auth"
	"volunteerops/internal/migrate"
	"volunteerops/internal/repo"
	"volunteerops/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vo",
	Short: "Volunteer operations CLI",
	Long: `vo runs the volunteer task and notification service.
- Projects group volunteers under an organizer.
- Tasks are offered to volunteers, who accept, decline and complete them.
- Photo reports prove the work; moderators approve them with a 1-5 rating.
- Campaigns broadcast a templated message to a filtered audience over chat, push and email.
Run 'vo serve' for the HTTP API and 'vo bot' for the Telegram bot.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VOLUNTEEROPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "system", "user acting on behalf of the CLI")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(botCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(photoCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(logCmd())
}

// withApp opens the workspace. channels connects the delivery providers
// for commands that notify people.
func withApp(ctx context.Context, channels bool, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg, os.Stderr)
	a, err := app.Open(ctx, workspace, app.Options{Channels: channels, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage volunteerops.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, latest, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"path": db.Path(workspace), "current": current, "latest": latest})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				fmt.Println("database up to date")
				return nil
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var devLogin, withBot bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the expiry sweeper and webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler(devLogin)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				p := pool.New().WithContext(ctx).WithCancelOnError()
				p.Go(func(ctx context.Context) error {
					go func() {
						<-ctx.Done()
						shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						srv.Shutdown(shutdown)
					}()
					a.Logger.Info("serving API", "addr", srv.Addr, "base_path", a.Config.Server.BasePath, "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				p.Go(a.RunSweeper)
				p.Go(a.Webhooks().Run)
				if withBot {
					poller, err := a.Poller()
					if err != nil {
						return err
					}
					p.Go(poller.Run)
				}
				return p.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local testing only)")
	cmd.Flags().BoolVar(&withBot, "bot", false, "also run the Telegram bot")
	return cmd
}

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram bot and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				poller, err := a.Poller()
				if err != nil {
					return err
				}
				p := pool.New().WithContext(ctx).WithCancelOnError()
				p.Go(poller.Run)
				p.Go(a.RunSweeper)
				return p.Wait()
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close overdue tasks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, name, organizer string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if id == "" {
					id = uuid.NewString()
				}
				if _, err := a.Engine.Repo.GetUser(ctx, organizer); err != nil {
					return fmt.Errorf("organizer %s: %w", organizer, err)
				}
				p := domain.Project{ID: id, Name: name, OrganizerID: organizer, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if err := a.Engine.Repo.InsertProject(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&organizer, "organizer", "", "organizer user id")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("organizer")
	prj.AddCommand(create)

	var listOrganizer string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListProjects(ctx, listOrganizer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Organizer", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.OrganizerID, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listOrganizer, "organizer", "", "only projects of this organizer")
	prj.AddCommand(list)

	prj.AddCommand(&cobra.Command{
		Use:   "add-volunteer <project-id> <user-id>...",
		Short: "Add volunteers to a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC().Format(time.RFC3339)
				for _, userID := range args[1:] {
					if err := a.Engine.Repo.AddProjectVolunteer(ctx, args[0], userID, now); err != nil {
						return fmt.Errorf("add %s: %w", userID, err)
					}
				}
				return nil
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "remove-volunteer <project-id> <user-id>",
		Short: "Remove a volunteer from a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.RemoveProjectVolunteer(ctx, args[0], args[1])
			})
		},
	})
	return prj
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}

	var u domain.User
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(u.Role) {
				return fmt.Errorf("unknown role %q", u.Role)
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if u.ID == "" {
					u.ID = uuid.NewString()
				}
				if existing, err := a.Engine.Repo.GetUser(ctx, u.ID); err == nil {
					u.CreatedAt = existing.CreatedAt
					u.Rating = existing.Rating
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				} else {
					u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
				}
				if err := a.Engine.Repo.UpsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&u.ID, "id", "", "user id (generated when empty)")
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.City, "city", "", "city")
	add.Flags().StringVar(&u.Role, "role", domain.RoleVolunteer, "volunteer, organizer or admin")
	add.Flags().Int64Var(&u.ChatID, "chat-id", 0, "Telegram chat id")
	add.Flags().StringVar(&u.Email, "email", "", "email address")
	_ = add.MarkFlagRequired("name")
	usr.AddCommand(add)

	usr.AddCommand(&cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(args[1]) {
				return fmt.Errorf("unknown role %q", args[1])
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.SetUserRole(ctx, args[0], args[1])
			})
		},
	})

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Role", "City", "Rating", "Chat", "Email")
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.City, u.Rating, u.ChatID, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter")
	usr.AddCommand(list)

	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetUser(ctx, args[0]); err != nil {
					return err
				}
				tok, err := server.SignToken(a.Config.Server.JWTSecret, args[0], ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	usr.AddCommand(token)
	usr.AddCommand(apiKeyCmd())
	return usr
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys for integrations"}
	var name string
	create := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Issue an API key; it is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				secret, k, err := auth.Service{Repo: a.Engine.Repo}.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": secret, "api_key": k})
				}
				fmt.Printf("%s\n(id %s; store it now, it cannot be shown again)\n", secret, k.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	key.AddCommand(create)

	var userID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "User", "Name", "Created", "Last used")
				for _, k := range keys {
					lastUsed := "never"
					if k.LastUsedAt != nil {
						lastUsed = *k.LastUsedAt
					}
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&userID, "user", "", "only keys of this user")
	key.AddCommand(list)

	key.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var opts engine.TaskCreateOptions
	var volunteers, channels []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task and notify volunteers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				opts.CreatorID = viper.GetString("actor-id")
				opts.VolunteerIDs = volunteers
				for _, c := range channels {
					ch, err := delivery.ParseChannel(c)
					if err != nil {
						return err
					}
					opts.Channels = append(opts.Channels, ch)
				}
				created, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("%s: %s\n", created.Task.ID, created.Summary)
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	create.Flags().StringVar(&opts.Description, "description", "", "what needs doing")
	create.Flags().StringVar(&opts.Deadline, "deadline", "", `deadline, e.g. "2025-03-01, 09:00-17:00"`)
	create.Flags().StringSliceVar(&volunteers, "volunteer", nil, "volunteer ids (default: everyone in the project)")
	create.Flags().StringSliceVar(&channels, "channel", nil, "chat, push or email (default: chat)")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("description")
	tsk.AddCommand(create)

	var f repo.TaskFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	list.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.VolunteerID, "volunteer", "", "only tasks offered to this volunteer")
	list.Flags().BoolVar(&f.IncludeDeleted, "deleted", false, "include deleted tasks")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	tsk.AddCommand(list)

	var reportProject string
	report := &cobra.Command{
		Use:   "report",
		Short: "Tasks that closed without being completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListClosedIncomplete(ctx, reportProject)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	report.Flags().StringVar(&reportProject, "project", "", "project id")
	_ = report.MarkFlagRequired("project")
	tsk.AddCommand(report)

	tsk.AddCommand(&cobra.Command{
		Use:   "close <task-id>",
		Short: "Close a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CloseTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	tsk.AddCommand(&cobra.Command{
		Use:   "delete <task-id>",
		Short: "Soft-delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return tsk
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable("ID", "Project", "Status", "Deadline", "Description")
	for _, t := range tasks {
		deadline := ""
		if t.DeadlineDate != nil {
			deadline = *t.DeadlineDate
			if t.StartTime != nil && t.EndTime != nil {
				deadline += " " + *t.StartTime + "-" + *t.EndTime
			}
		}
		status := t.Status
		if t.ClosedIncomplete {
			status += " (incomplete)"
		}
		tw.AppendRow(table.Row{t.ID, t.ProjectID, status, deadline, t.Description})
	}
	tw.Render()
	return nil
}

func photoCmd() *cobra.Command {
	ph := &cobra.Command{Use: "photo", Short: "Photo reports"}
	var projectID string
	var offset, limit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "Show the moderation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.ListPendingPhotos(ctx, projectID, offset, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Project", "Task", "Volunteer", "Submitted")
				for _, p := range page.Items {
					task := ""
					if p.TaskID != nil {
						task = *p.TaskID
					}
					tw.AppendRow(table.Row{p.ID, p.ProjectID, task, p.VolunteerID, p.CreatedAt})
				}
				tw.AppendFooter(table.Row{"", "", "", "total", page.Total})
				tw.Render()
				return nil
			})
		},
	}
	pending.Flags().StringVar(&projectID, "project", "", "project filter")
	pending.Flags().IntVar(&offset, "offset", 0, "queue offset")
	pending.Flags().IntVar(&limit, "limit", 20, "page size")
	ph.AddCommand(pending)

	var rating int
	approve := &cobra.Command{
		Use:   "approve <photo-id>",
		Short: "Approve a photo report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				opts := engine.ApproveOptions{PhotoID: args[0], ModeratorID: viper.GetString("actor-id")}
				if rating > 0 {
					opts.Rating = &rating
				}
				res, err := a.Engine.Approve(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	approve.Flags().IntVar(&rating, "rating", 0, "1-5 stars; 0 approves without rating")
	ph.AddCommand(approve)

	var reason string
	reject := &cobra.Command{
		Use:   "reject <photo-id>",
		Short: "Reject a photo report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Reject(ctx, engine.RejectOptions{PhotoID: args[0], ModeratorID: viper.GetString("actor-id"), Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "why the report was rejected")
	_ = reject.MarkFlagRequired("reason")
	ph.AddCommand(reject)
	return ph
}

func campaignCmd() *cobra.Command {
	cmp := &cobra.Command{Use: "campaign", Short: "Broadcast campaigns"}

	var opts campaign.LaunchOptions
	var minRating, maxRating int
	var wait bool
	launch := &cobra.Command{
		Use:   "launch",
		Short: "Send a templated message to a filtered audience",
		Long:  "The body is a Go template with .Name, .City and .Rating.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				opts.CreatedBy = viper.GetString("actor-id")
				if cmd.Flags().Changed("min-rating") {
					opts.Filter.MinRating = &minRating
				}
				if cmd.Flags().Changed("max-rating") {
					opts.Filter.MaxRating = &maxRating
				}
				c, err := a.Campaigns.Launch(ctx, opts)
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(c)
				}
				if err := a.Campaigns.Wait(ctx, c.ID); err != nil {
					return err
				}
				rep, err := a.Campaigns.GetDeliveryReport(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	launch.Flags().StringVar(&opts.Title, "title", "", "message title")
	launch.Flags().StringVar(&opts.Body, "body", "", "message body template")
	launch.Flags().StringSliceVar(&opts.Filter.Roles, "role", nil, "audience roles")
	launch.Flags().IntVar(&minRating, "min-rating", 0, "minimum rating")
	launch.Flags().IntVar(&maxRating, "max-rating", 0, "maximum rating")
	launch.Flags().IntVar(&opts.Filter.ActiveWithinDays, "active-within-days", 0, "only users seen recently")
	launch.Flags().StringSliceVar(&opts.Channels, "channel", nil, "chat, push, email (default: all)")
	launch.Flags().BoolVar(&wait, "wait", true, "wait for sending to finish and print the report")
	_ = launch.MarkFlagRequired("title")
	_ = launch.MarkFlagRequired("body")
	cmp.AddCommand(launch)

	cmp.AddCommand(&cobra.Command{
		Use:   "report <campaign-id>",
		Short: "Show a delivery report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				rep, err := a.Campaigns.GetDeliveryReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				c := rep.Campaign
				tw := newTable("Status", "Recipients")
				for _, st := range []string{domain.RecipientPending, domain.RecipientSent, domain.RecipientFailed, domain.RecipientDelivered, domain.RecipientOpened, domain.RecipientClicked} {
					tw.AppendRow(table.Row{st, rep.Counts[st]})
				}
				tw.SetTitle(fmt.Sprintf("%s (%s): %d/%d sent", c.Title, c.Status, c.SentCount, c.Total))
				tw.Render()
				for _, f := range rep.Failed {
					msg := ""
					if f.ErrorMessage != nil {
						msg = *f.ErrorMessage
					}
					fmt.Printf("failed %s: %s\n", f.UserID, msg)
				}
				return nil
			})
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Recent campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Campaigns.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Sent", "Failed", "Total", "Created")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.SentCount, c.FailedCount, c.Total, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmp.AddCommand(list)
	return cmp
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var projectID, evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, 0, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&projectID, "project", "", "project filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
