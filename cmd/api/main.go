package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/logging"
	"escrowflow/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "escrowflow",
		Short:         "Milestone escrow release and dispute resolution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./configs/escrowflow.yaml)")

	root.AddCommand(serveCmd(&configFile))
	root.AddCommand(sweepCmd(&configFile))
	root.AddCommand(migrateCmd(&configFile))
	root.AddCommand(usersCmd(&configFile))
	root.AddCommand(tokenCmd(&configFile))
	return root
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the auto-execution sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, ctx, err := newApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: a.server().routes()}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logging.Info(gctx, "http listening", slog.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if a.cfg.AutoExec.Enabled {
				g.Go(func() error {
					return a.sweeper.Run(gctx, a.cfg.AutoExec.Interval)
				})
			}
			return g.Wait()
		},
	}
}

func sweepCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Execute one batch of due agreed resolutions and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "executed=%d abandoned=%d skipped=%d busy=%t\n",
				report.Executed, report.Abandoned, report.Skipped, report.Busy)
			return nil
		},
	}
}

func migrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := migrations.Apply(ctx, a.pool); err != nil {
				return err
			}
			logging.Info(ctx, "migrations applied", slog.Any("files", migrations.Names()))
			return nil
		},
	}
}

func usersCmd(configFile *string) *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Manage users"}

	var email, name, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.auth.CreateUser(ctx, auth.CreateUserParams{Email: email, FullName: name, Role: auth.Role(role)})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&name, "name", "", "full name")
	create.Flags().StringVar(&role, "role", string(auth.RoleClient), "client, professional or admin")
	_ = create.MarkFlagRequired("email")

	users.AddCommand(create)
	return users
}

func tokenCmd(configFile *string) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an existing user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.auth.GetUserByID(ctx, userID)
			if err != nil {
				return err
			}
			token, err := a.auth.IssueToken(u.ID, u.Role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
