package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/tbapi"
)

var _rootCmdOpts struct {
	configFile      string
	debug           bool
	logLevel        string
	logFormat       string
	logLocation     string
	platformURL     string
	username        string
	password        string
	insecure        bool
	platformTimeout time.Duration
	rateLimit       float64
	rateBurst       int
	timeoutBuffer   time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "tbrpc",
	Short: "Invoke RPC methods on devices managed by a ThingsBoard platform",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _rootCmdOpts.debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the root command, exiting non-zero on error
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	viper.SetDefault("thingsboard.timeout", time.Second*30)
	viper.SetDefault("rpc.timeout-buffer", rpc.DefaultTimeoutBuffer)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&_rootCmdOpts.configFile, "config", "", "config file (default $HOME/.tbrpc.yaml)")
	flags.BoolVarP(&_rootCmdOpts.debug, "debug", "d", false, "enable debug logging")
	flags.StringVar(&_rootCmdOpts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&_rootCmdOpts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&_rootCmdOpts.logLocation, "log-location", "stderr", "stdout, stderr or a file name")
	flags.StringVar(&_rootCmdOpts.platformURL, "url", "", "ThingsBoard base URL, eg. https://tb.example.com")
	flags.StringVar(&_rootCmdOpts.username, "username", "", "ThingsBoard user name")
	flags.StringVar(&_rootCmdOpts.password, "password", "", "ThingsBoard password")
	flags.BoolVar(&_rootCmdOpts.insecure, "insecure", false, "do not verify the platform TLS certificate")
	flags.DurationVar(&_rootCmdOpts.platformTimeout, "api-timeout", time.Second*30, "default duration of a platform API call, eg. 1m or 10s")
	flags.Float64Var(&_rootCmdOpts.rateLimit, "rate-limit", 0, "maximum platform API calls per second, 0 for no limit")
	flags.IntVar(&_rootCmdOpts.rateBurst, "rate-burst", 1, "platform API call burst size when rate limited")
	flags.DurationVar(&_rootCmdOpts.timeoutBuffer, "timeout-buffer", rpc.DefaultTimeoutBuffer, "extra time allowed to the network on top of a two-way RPC timeout")

	errPanic(viper.GetViper().BindPFlag("logging.level", flags.Lookup("log-level")))
	errPanic(viper.GetViper().BindPFlag("logging.format", flags.Lookup("log-format")))
	errPanic(viper.GetViper().BindPFlag("logging.location", flags.Lookup("log-location")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.url", flags.Lookup("url")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.username", flags.Lookup("username")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.password", flags.Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.insecure-skip-verify", flags.Lookup("insecure")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.timeout", flags.Lookup("api-timeout")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.rate-limit", flags.Lookup("rate-limit")))
	errPanic(viper.GetViper().BindPFlag("thingsboard.rate-burst", flags.Lookup("rate-burst")))
	errPanic(viper.GetViper().BindPFlag("rpc.timeout-buffer", flags.Lookup("timeout-buffer")))
}

func initConfig() {
	if _rootCmdOpts.configFile != "" {
		viper.SetConfigFile(_rootCmdOpts.configFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			logging.Logger(nil).WithError(err).Warn("finding home directory")
		} else {
			viper.AddConfigPath(home)
			viper.AddConfigPath(filepath.Join(home, ".config"))
		}
		viper.SetConfigName(".tbrpc")
	}

	// TBRPC_THINGSBOARD_PASSWORD etc.
	viper.SetEnvPrefix("tbrpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || _rootCmdOpts.configFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %s\n", err)
			os.Exit(1)
		}
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) || viper.GetString(f) == "" {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func checkPlatformFlags(cmd *cobra.Command, args []string) error {
	return checkRequiredFlags("thingsboard.url", "thingsboard.username", "thingsboard.password")
}

func newPlatform() (tbapi.Platform, error) {
	live, err := tbapi.NewLiveClient(
		viper.GetString("thingsboard.url"),
		viper.GetString("thingsboard.username"),
		viper.GetString("thingsboard.password"),
	)
	if err != nil {
		return nil, err
	}

	var p tbapi.Platform = live
	p = p.WithTimeout(viper.GetDuration("thingsboard.timeout"))

	if viper.GetBool("thingsboard.insecure-skip-verify") {
		logging.Logger(nil).Warn("platform TLS certificate will not be verified")
		p = p.WithInsecureSkipVerify()
	}

	if r := viper.GetFloat64("thingsboard.rate-limit"); r > 0 {
		p = p.WithRateLimit(rate.Limit(r), viper.GetInt("thingsboard.rate-burst"))
	}

	return p, nil
}

// withSession logs in, runs fn and always logs out again
func withSession(ctx context.Context, fn func(p tbapi.Platform, c rpc.Client) error) (err error) {
	p, err := newPlatform()
	if err != nil {
		return err
	}

	if err := p.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(context.Background()); cerr != nil {
			logging.Logger(ctx).WithError(cerr).Warn("closing platform session")
			if err == nil {
				err = errors.Wrap(cerr, "closing platform session")
			}
		}
	}()

	c := rpc.NewLiveClient(p).
		WithTimeoutBuffer(viper.GetDuration("rpc.timeout-buffer")).
		WithContext(ctx)

	return fn(p, c)
}
