// Command vai-relay bridges Twilio Media Streams phone calls to the OpenAI
// Realtime API.
//
// Usage:
//
//	vai-relay serve              run the relay (default)
//	vai-relay migrate up         apply call ledger migrations
//	vai-relay migrate status     list call ledger migrations
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ledger"
	gatewayserver "github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/server"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/telemetry"
)

type relayDeps struct {
	loadConfig      func() (config.Config, error)
	newServer       func(config.Config, *slog.Logger, gatewayserver.Options) *gatewayserver.Server
	openLedger      func(context.Context, string) (ledger.Store, error)
	setupTracing    func(ctx context.Context, serviceName, endpoint string, enabled bool) (func(context.Context) error, error)
	migrateUp       func(context.Context, string) ([]int64, error)
	migrationStatus func(context.Context, string) ([]ledger.MigrationState, error)
	signalNotify    func(chan<- os.Signal, ...os.Signal)
	signalStop      func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:      config.LoadFromEnv,
		newServer:       gatewayserver.New,
		openLedger:      ledger.Open,
		setupTracing:    telemetry.Setup,
		migrateUp:       ledger.MigrateUp,
		migrationStatus: ledger.MigrationStatus,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newRootCmd(ctx context.Context, stdout, stderr io.Writer, deps relayDeps) *cobra.Command {
	bootLogger := slog.New(slog.NewTextHandler(stderr, nil))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the call relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(ctx, bootLogger, stderr, deps)
		},
	}

	root := &cobra.Command{
		Use:   "vai-relay",
		Short: "Twilio Media Streams to OpenAI Realtime voice relay",
		Long: `vai-relay answers Twilio voice webhooks with TwiML that opens a media
stream, then relays each call's audio to an OpenAI Realtime session and the
model's speech back to the caller, cutting playback when the caller talks over it.

Configuration is read from the environment (and a .env file in the working
directory). OPENAI_API_KEY is required; see VAI_RELAY_* for the rest.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(serve, newMigrateCmd(ctx, stdout, deps))
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps relayDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-relay: load .env: %v\n", err)
		return 1
	}

	root := newRootCmd(ctx, stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultRelayDeps()))
}
