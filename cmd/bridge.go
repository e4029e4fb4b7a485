package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/handlers"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/tbapi"
	"github.com/jake-scott/thingsboard-rpc/pkg/middlewares"
)

var _bridgeCmdOpts struct {
	listen          string
	tlsCertPath     string
	tlsKeyPath      string
	gracefulTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	corsOrigins     []string
	logRequests     bool
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve a local REST API that forwards RPC requests to the platform",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doBridge(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: checkPlatformFlags,
}

func init() {
	bridgeCmd.Flags().StringVar(&_bridgeCmdOpts.listen, "listen", "127.0.0.1:8089", "address to listen on")
	bridgeCmd.Flags().StringVar(&_bridgeCmdOpts.tlsCertPath, "tls-cert", "", "TLS certificate file, serve plain HTTP if not set")
	bridgeCmd.Flags().StringVar(&_bridgeCmdOpts.tlsKeyPath, "tls-key", "", "TLS key file")
	bridgeCmd.Flags().DurationVar(&_bridgeCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	bridgeCmd.Flags().DurationVar(&_bridgeCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	bridgeCmd.Flags().DurationVar(&_bridgeCmdOpts.writeTimeout, "write-timeout", time.Second*120, "duration to wait for response write, must cover the longest RPC wait")
	bridgeCmd.Flags().StringSliceVar(&_bridgeCmdOpts.corsOrigins, "cors-origin", nil, "browser origins allowed to call the bridge")
	bridgeCmd.Flags().BoolVar(&_bridgeCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("bridge.listen", bridgeCmd.Flags().Lookup("listen")))
	errPanic(viper.GetViper().BindPFlag("bridge.cert", bridgeCmd.Flags().Lookup("tls-cert")))
	errPanic(viper.GetViper().BindPFlag("bridge.key", bridgeCmd.Flags().Lookup("tls-key")))
	errPanic(viper.GetViper().BindPFlag("bridge.graceful-timeout", bridgeCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("bridge.read-timeout", bridgeCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("bridge.write-timeout", bridgeCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("bridge.cors-origins", bridgeCmd.Flags().Lookup("cors-origin")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", bridgeCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(bridgeCmd)
}

// newBridgeHandler builds the middleware chain and routes for the bridge
func newBridgeHandler(client rpc.Client, logRequests bool, corsOrigins []string) http.Handler {
	h := handlers.NewRPCHandler(client)

	r := mux.NewRouter()
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	h.Register(r)

	// CORS wraps the router, preflight requests match no route
	if len(corsOrigins) > 0 {
		return middlewares.NewCors(middlewares.BridgeCorsOptions(corsOrigins), r)
	}

	return r
}

func doBridge() error {
	wait := viper.GetDuration("bridge.graceful-timeout")
	listen := viper.GetString("bridge.listen")
	certFile := viper.GetString("bridge.cert")
	keyFile := viper.GetString("bridge.key")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	// The bridge holds one platform session for its lifetime
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		r := newBridgeHandler(c, logRequests, viper.GetStringSlice("bridge.cors-origins"))

		s := &http.Server{
			Addr:         listen,
			ReadTimeout:  viper.GetDuration("bridge.read-timeout"),
			WriteTimeout: viper.GetDuration("bridge.write-timeout"),
			IdleTimeout:  time.Second * 60,
			Handler:      r,
		}

		errc := make(chan error, 1)
		logging.Logger(nil).Infof("Serving on %s", listen)
		go func() {
			var err error
			if certFile != "" {
				err = s.ListenAndServeTLS(certFile, keyFile)
			} else {
				err = s.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errc <- err
			}
			close(errc)
		}()

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt)

		// Block until we receive a signal or the listener fails
		select {
		case <-sigc:
		case err, ok := <-errc:
			if ok {
				return fmt.Errorf("running server: %w", err)
			}
		}

		// Create a deadline to wait for.
		sctx, scancel := context.WithTimeout(context.Background(), wait)
		defer scancel()
		logging.Logger(nil).Info("shutting down")
		if err := s.Shutdown(sctx); err != nil {
			logging.Logger(nil).WithError(err).Errorf("shutting down")
		}
		logging.Logger(nil).Info("exiting")
		return nil
	})
}
