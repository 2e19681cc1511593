package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	entrypoint "github.com/louisbranch/formstate/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/formstate/internal/platform/grpc"
	"github.com/louisbranch/formstate/internal/platform/timeouts"
	statestore "github.com/louisbranch/formstate/internal/services/statestore"
	server "github.com/louisbranch/formstate/internal/services/statestore/app"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

func newServeCommand(opts *options) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST state backend on SQLite, plus the state API when a secret is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.GRPCAddr = grpcAddr
			}
			serverCfg := server.Config{
				HTTPAddr:   cfg.HTTPAddr,
				GRPCAddr:   cfg.GRPCAddr,
				DBPath:     cfg.DBPath,
				Collection: cfg.Collection,
				Username:   cfg.Username,
				Password:   cfg.Password,
				State:      storeConfig(cfg),
				Logger:     opts.logger,
			}
			if cfg.Secret != "" {
				c, err := newCodec(cfg)
				if err != nil {
					return err
				}
				serverCfg.Codec = c
			} else {
				opts.logger.Warn("FORMSTATE_SECRET is not set; serving the REST backend without the state API")
			}
			runOpts := entrypoint.RunOptions{Logger: opts.logger}
			return entrypoint.RunWithTelemetryAndOptions(cmd.Context(), entrypoint.ServiceStateStore, runOpts, func(ctx context.Context) error {
				return server.Run(ctx, serverCfg)
			})
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "REST listen address (default from FORMSTATE_HTTP_ADDR)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (default from FORMSTATE_GRPC_ADDR)")
	return cmd
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value persisted under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			value, found, err := s.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q not found", args[0])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), value.String())
			return err
		},
	}
}

func newInspectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <key>",
		Short: "Show the metadata of a persisted record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			rec, err := backend.Fetch(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("key %q not found", args[0])
			}
			if err != nil {
				return err
			}

			session := rec.SessionID
			if session == "" {
				session = "-"
			}
			tbl := table.New("Field", "Value").WithWriter(cmd.OutOrStdout()).WithPadding(2)
			tbl.AddRow("key", rec.Key)
			tbl.AddRow("encoding", rec.Value.Format)
			tbl.AddRow("origin", rec.Origin)
			tbl.AddRow("session", session)
			tbl.AddRow("initial", strconv.FormatBool(rec.Initial))
			tbl.AddRow("bytes", rec.Value.Len())
			tbl.AddRow("stored", rec.StoredAt.Format(time.RFC3339))
			tbl.Print()
			return nil
		},
	}
}

func newExpireSessionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-session <session-id>",
		Short: "Delete the persisted entries of one ended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.ExpirePersistentBySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d entries for session %s\n", n, args[0])
			return err
		},
	}
}

func newExpireSessionsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-sessions",
		Short: "Delete every persisted entry owned by a session, as a store does on startup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newCodec(opts.cfg)
			if err != nil {
				return err
			}
			cfg := opts.cfg
			scope := statestore.NewScope(statestore.NewFactory(storeConfig(cfg), func(ctx context.Context) (storage.Backend, error) {
				return openBackend(ctx, cfg, opts.logger)
			}, c, statestore.WithLogger(opts.logger)))
			defer scope.Close()

			s, err := scope.Store(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d entries with session information\n", s.Stats().Expired)
			return err
		},
	}
}

func newPurgeCommand(opts *options) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every persisted entry in the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errors.New("purge deletes every persisted entry; pass --yes to confirm")
			}
			s, err := openStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.ExpireAllPersistent(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d entries\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm the purge")
	return cmd
}

func newHealthCommand(opts *options) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Wait until the backend server reports SERVING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = opts.cfg.GRPCAddr
			}
			if strings.HasPrefix(addr, ":") {
				addr = "127.0.0.1" + addr
			}
			conn, err := platformgrpc.DialWithHealth(cmd.Context(), addr, server.HealthService, timeout, opts.logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is serving\n", addr)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC health address (default from FORMSTATE_GRPC_ADDR)")
	cmd.Flags().DurationVar(&timeout, "timeout", timeouts.HealthProbe, "How long to wait for SERVING")
	return cmd
}
