package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"guardline/internal/app"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/repo"
	"guardline/internal/server"
	"guardline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Guardline CLI",
	Long: `Guardline orchestrates the job lifecycle for a security-guard staffing
marketplace: posting, application, compliance gating, execution, dual
ratings, and exactly-once payment release. Every state change is recorded
in an append-only transition history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("GUARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "company", "actor role (company|guard|system)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(ratingCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() workflow.Actor {
	return workflow.Actor{
		ID:   viper.GetString("actor-id"),
		Role: workflow.Role(viper.GetString("role")),
	}
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage job workflows"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobHistoryCmd())
	job.AddCommand(jobApplyCmd())
	job.AddCommand(jobAcceptCmd())
	job.AddCommand(jobStartCmd())
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobCloseCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var id, title, desc, registration string
	var rate float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.CreateJob(ctx, workflow.CreateJobOptions{
					ID:             id,
					CompanyID:      viper.GetString("actor-id"),
					RegistrationID: registration,
					Title:          title,
					Description:    desc,
					HourlyRate:     rate,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&desc, "description", "", "job description")
	cmd.Flags().StringVar(&registration, "registration-id", "", "company registration id for verification")
	cmd.Flags().Float64Var(&rate, "rate", 0, "hourly rate")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
	return cmd
}

func jobListCmd() *cobra.Command {
	var company, guard, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListWorkflows(ctx, repo.WorkflowFilters{
					CompanyID: company,
					GuardID:   guard,
					State:     state,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Company", "Guard", "Rate", "Created"})
				for _, w := range items {
					guardID := ""
					if w.SelectedGuardID != nil {
						guardID = *w.SelectedGuardID
					} else if w.ApplicantID != nil {
						guardID = *w.ApplicantID
					}
					tw.AppendRow(table.Row{w.ID, w.Title, w.State, w.CompanyID, guardID, w.HourlyRate, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "filter by company id")
	cmd.Flags().StringVar(&guard, "guard", "", "filter by guard id")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func jobHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "From", "To", "Actor", "Reason", "At"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.FromState, t.ToState, t.ActorID, t.Reason, t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func jobApplyCmd() *cobra.Command {
	var certificate string
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply to a job as a guard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.Apply(ctx, args[0], viper.GetString("actor-id"), certificate)
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
	cmd.Flags().StringVar(&certificate, "certificate-id", "", "professional certificate id")
	return cmd
}

func jobAcceptCmd() *cobra.Command {
	return transitionCmd("accept <id>", "Accept the application", func(ctx context.Context, a *app.App, id string) (domain.JobWorkflow, error) {
		return a.Engine.Accept(ctx, id, cliActor())
	})
}

func jobStartCmd() *cobra.Command {
	return transitionCmd("start <id>", "Start execution", func(ctx context.Context, a *app.App, id string) (domain.JobWorkflow, error) {
		return a.Engine.Start(ctx, id, cliActor(), time.Now())
	})
}

func jobCompleteCmd() *cobra.Command {
	var hours float64
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.Complete(ctx, args[0], cliActor(), hours)
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
	cmd.Flags().Float64Var(&hours, "hours", 0, "total hours worked")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.Cancel(ctx, args[0], cliActor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func jobCloseCmd() *cobra.Command {
	return transitionCmd("close <id>", "Close a paid job", func(ctx context.Context, a *app.App, id string) (domain.JobWorkflow, error) {
		return a.Engine.Close(ctx, id, cliActor())
	})
}

func transitionCmd(use, short string, run func(context.Context, *app.App, string) (domain.JobWorkflow, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := run(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
}

func ratingCmd() *cobra.Command {
	rating := &cobra.Command{Use: "rating", Short: "Manage ratings"}

	var score float64
	var comment string
	submit := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Submit a rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Ledger.SubmitRating(ctx, args[0], cliActor(), score, comment)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	submit.Flags().Float64Var(&score, "rating", 0, "rating value")
	submit.Flags().StringVar(&comment, "comment", "", "optional comment")
	rating.AddCommand(submit)

	list := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List ratings for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListRatings(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	rating.AddCommand(list)

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Flag jobs whose rating window expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Ledger.SweepExpiredWindows(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("flagged %d job(s)\n", n)
				return nil
			})
		},
	}
	rating.AddCommand(sweep)
	return rating
}

func paymentCmd() *cobra.Command {
	payment := &cobra.Command{Use: "payment", Short: "Inspect and retry payments"}

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show payment trigger status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetPaymentTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	payment.AddCommand(show)

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed payment initiation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Coordinator.RetryInitiation(ctx, args[0]); err != nil {
					return err
				}
				w, err := a.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrJob(w)
			})
		},
	}
	payment.AddCommand(retry)
	return payment
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("api key (store it now, it is not retrievable): %s\n", raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates")
	create.Flags().StringVar(&role, "key-role", "company", "role for the key (company|guard|admin)")
	create.Flags().StringVar(&name, "name", "", "label for the key")
	apikey.AddCommand(create)

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	apikey.AddCommand(list)

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	apikey.AddCommand(del)
	return apikey
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}

	var n int
	var evtType, workflowID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, 0, workflowID, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&workflowID, "job", "", "filter by job id")
	logc.AddCommand(tail)
	return logc
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			a, err := app.New(app.Options{
				Workspace: viper.GetString("workspace"),
				Logger:    log,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GUARDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GUARDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			bg, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.StartBackground(bg)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving Guardline API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log := zap.NewNop()
	a, err := app.New(app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrJob(w domain.JobWorkflow) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("%s  %s  [%s]\n", w.ID, w.Title, w.State)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
