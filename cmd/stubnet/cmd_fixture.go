package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/fixture"
)

var fixtureCmd = &cobra.Command{
	Use:   "fixture",
	Short: "Serve a JSONPlaceholder-compatible /posts API for offline runs",
	Example: `  stubnet fixture --listen 127.0.0.1:3000 &
  stubnet serve --upstream http://127.0.0.1:3000`,
	RunE: runFixture,
}

func init() {
	fixtureCmd.Flags().String("listen", "127.0.0.1:3000", "Listen address")
	fixtureCmd.Flags().Duration("graceful-shutdown", 0, "Time allowed for in-flight requests on shutdown")

	viper.BindPFlag("fixture.listen", fixtureCmd.Flags().Lookup("listen"))
	viper.BindPFlag("fixture.graceful-shutdown", fixtureCmd.Flags().Lookup("graceful-shutdown"))

	rootCmd.AddCommand(fixtureCmd)
}

func runFixture(cmd *cobra.Command, args []string) error {
	ln, err := net.Listen("tcp", viper.GetString("fixture.listen"))
	if err != nil {
		return errx.Wrap(ErrListenFixture, err)
	}

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	fmt.Fprintf(cmd.ErrOrStderr(), "Fixture listening on http://%s\n", ln.Addr())
	return serveListeners(ctx, viper.GetDuration("fixture.graceful-shutdown"),
		namedListener{name: "fixture", ln: ln, handler: fixture.New(slog.Default())})
}
