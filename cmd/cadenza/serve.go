package main

import (
	"github.com/cadenzaio/cadenza/ipc"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session to a front end over HTTP",
	Long: `Serve the session to a front end over HTTP. Commands are posted to
/api/commands/{name} and events are streamed from /api/events.`,
	Args: cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		s, stop, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer stop()
		srv := ipc.NewServer(s, ipc.Options{
			AllowedOrigins: serveOrigins,
			Log:            log.WithField("component", "ipc"),
		})
		log.WithField("addr", serveAddr).Info("serving")
		return srv.ListenAndServe(ctx, serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:7878", "address to listen on")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "origin", nil, "origin allowed to call the API, any if none given")
	rootCmd.AddCommand(serveCmd)
}
