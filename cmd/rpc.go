package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/korovkin/limiter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/tbapi"
)

var _rpcCmdOpts struct {
	deviceIDs       []string
	method          string
	params          string
	concurrency     int
	timeout         time.Duration
	waitTimeout     time.Duration
	retries         int
	retryDelay      time.Duration
	expireIn        time.Duration
	pollInterval    time.Duration
	cancelOnTimeout bool
}

var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "Send RPC requests to devices",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return checkPlatformFlags(cmd, args)
	},
}

var rpcOneWayCmd = &cobra.Command{
	Use:   "oneway",
	Short: "Send a fire-and-forget command to one or more devices",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doOneWay()
	},
}

var rpcTwoWayCmd = &cobra.Command{
	Use:   "twoway",
	Short: "Send a command to a device and wait for its reply",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doTwoWay()
	},
}

var rpcSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a persistent command for a device that may be offline",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doSubmit()
	},
}

var rpcStatusCmd = &cobra.Command{
	Use:   "status REQUEST-ID",
	Short: "Show the status of a persistent command",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return doStatus(args[0])
	},
}

var rpcWaitCmd = &cobra.Command{
	Use:   "wait REQUEST-ID",
	Short: "Wait for a persistent command to complete",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return doWait(args[0])
	},
}

var rpcCancelCmd = &cobra.Command{
	Use:   "cancel REQUEST-ID",
	Short: "Delete a persistent command",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return doCancel(args[0])
	},
}

func addCallFlags(cmd *cobra.Command, multiDevice bool) {
	if multiDevice {
		cmd.Flags().StringSliceVar(&_rpcCmdOpts.deviceIDs, "device", nil, "device ID, may be repeated")
	} else {
		cmd.Flags().StringSliceVar(&_rpcCmdOpts.deviceIDs, "device", nil, "device ID")
	}
	cmd.Flags().StringVar(&_rpcCmdOpts.method, "method", "", "RPC method name")
	cmd.Flags().StringVar(&_rpcCmdOpts.params, "params", "{}", "RPC parameters as a JSON object")
	errPanic(cmd.MarkFlagRequired("device"))
	errPanic(cmd.MarkFlagRequired("method"))
}

func init() {
	addCallFlags(rpcOneWayCmd, true)
	rpcOneWayCmd.Flags().IntVar(&_rpcCmdOpts.concurrency, "concurrency", 4, "number of devices to send to at once")

	addCallFlags(rpcTwoWayCmd, false)
	rpcTwoWayCmd.Flags().DurationVar(&_rpcCmdOpts.timeout, "timeout", time.Second*10, "how long the device has to reply, eg. 1m or 10s")
	rpcTwoWayCmd.Flags().IntVar(&_rpcCmdOpts.retries, "retries", 0, "number of times to retry a failed or timed out call")
	rpcTwoWayCmd.Flags().DurationVar(&_rpcCmdOpts.retryDelay, "retry-delay", time.Second, "delay between retries")

	addCallFlags(rpcSubmitCmd, false)
	rpcSubmitCmd.Flags().DurationVar(&_rpcCmdOpts.expireIn, "expire-in", time.Hour, "discard the command if not delivered within this time")

	rpcWaitCmd.Flags().DurationVar(&_rpcCmdOpts.waitTimeout, "timeout", time.Minute, "how long to wait, eg. 1m or 10s")
	rpcWaitCmd.Flags().DurationVar(&_rpcCmdOpts.pollInterval, "interval", time.Second, "status poll interval")
	rpcWaitCmd.Flags().BoolVar(&_rpcCmdOpts.cancelOnTimeout, "cancel-on-timeout", true, "delete the command if the wait times out")

	rpcCmd.AddCommand(rpcOneWayCmd, rpcTwoWayCmd, rpcSubmitCmd, rpcStatusCmd, rpcWaitCmd, rpcCancelCmd)
	rootCmd.AddCommand(rpcCmd)
}

func parseParams() (rpc.Params, error) {
	params := rpc.Params{}
	if err := json.Unmarshal([]byte(_rpcCmdOpts.params), &params); err != nil {
		return nil, errors.Wrap(err, "parsing --params, expected a JSON object")
	}

	return params, nil
}

func singleDevice() (string, error) {
	if len(_rpcCmdOpts.deviceIDs) != 1 {
		return "", errors.New("exactly one --device is required")
	}

	return _rpcCmdOpts.deviceIDs[0], nil
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))
	return nil
}

type responseOutput struct {
	RequestID  string          `json:"requestId,omitempty"`
	Method     string          `json:"method"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

func newResponseOutput(resp *rpc.Response) responseOutput {
	return responseOutput{
		RequestID:  resp.RequestID,
		Method:     resp.Method,
		Payload:    resp.Payload,
		ReceivedAt: resp.ReceivedAt,
	}
}

// interruptContext is cancelled on ctrl-c
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		select {
		case <-c:
			logging.Logger(nil).Info("interrupted")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}

type oneWayResult struct {
	DeviceID  string `json:"deviceId"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func doOneWay() error {
	params, err := parseParams()
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	var results []oneWayResult
	err = withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		var mu sync.Mutex
		limit := limiter.NewConcurrencyLimiter(_rpcCmdOpts.concurrency)

		for _, deviceID := range _rpcCmdOpts.deviceIDs {
			deviceID := deviceID
			limit.ExecuteWithTicket(func(ticket int) {
				logging.Logger(ctx).Debugf("one-way goroutine %d: device %s", ticket, deviceID)

				delivered, sendErr := c.SendOneWay(deviceID, _rpcCmdOpts.method, params)
				res := oneWayResult{DeviceID: deviceID, Delivered: delivered}
				if sendErr != nil {
					res.Error = sendErr.Error()
				}

				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			})
		}

		limit.Wait()
		return nil
	})
	if err != nil {
		return err
	}

	if err := printJSON(results); err != nil {
		return err
	}

	for _, res := range results {
		if !res.Delivered {
			return errors.New("one or more devices did not accept the command")
		}
	}

	return nil
}

func doTwoWay() error {
	deviceID, err := singleDevice()
	if err != nil {
		return err
	}
	params, err := parseParams()
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		var resp *rpc.Response
		if _rpcCmdOpts.retries > 0 {
			resp, err = c.SendWithRetry(deviceID, _rpcCmdOpts.method, params, _rpcCmdOpts.timeout, _rpcCmdOpts.retries, _rpcCmdOpts.retryDelay)
		} else {
			resp, err = c.SendTwoWay(deviceID, _rpcCmdOpts.method, params, _rpcCmdOpts.timeout)
		}
		if err != nil {
			return err
		}

		return printJSON(newResponseOutput(resp))
	})
}

func doSubmit() error {
	deviceID, err := singleDevice()
	if err != nil {
		return err
	}
	params, err := parseParams()
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		handle, err := c.Submit(deviceID, _rpcCmdOpts.method, params, time.Now().Add(_rpcCmdOpts.expireIn))
		if err != nil {
			return err
		}

		return printJSON(handle)
	})
}

func doStatus(requestID string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		result, err := c.PollStatus(requestID)
		if err != nil {
			return err
		}

		out := struct {
			RequestID string          `json:"requestId"`
			DeviceID  string          `json:"deviceId,omitempty"`
			Method    string          `json:"method,omitempty"`
			Status    rpc.Status      `json:"status"`
			ExpiresAt time.Time       `json:"expiresAt"`
			Payload   json.RawMessage `json:"payload,omitempty"`
		}{
			RequestID: result.RequestID,
			DeviceID:  result.DeviceID,
			Method:    result.Method,
			Status:    result.Status,
			ExpiresAt: result.ExpiresAt,
		}
		if result.Response != nil {
			out.Payload = result.Response.Payload
		}

		return printJSON(out)
	})
}

func doWait(requestID string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		resp, err := c.WaitFor(requestID, _rpcCmdOpts.waitTimeout, _rpcCmdOpts.pollInterval)
		if err != nil {
			// the platform keeps the request after a local timeout
			if rpc.IsTimeout(err) && _rpcCmdOpts.cancelOnTimeout {
				deleted, cerr := c.WithContext(context.Background()).Cancel(requestID)
				if cerr != nil {
					logging.Logger(ctx).WithError(cerr).Warnf("cancelling persistent rpc %s", requestID)
				} else if deleted {
					logging.Logger(ctx).Infof("cancelled persistent rpc %s", requestID)
				}
			}
			return err
		}

		return printJSON(newResponseOutput(resp))
	})
}

func doCancel(requestID string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		deleted, err := c.Cancel(requestID)
		if err != nil {
			return err
		}

		if !deleted {
			logging.Logger(ctx).Infof("persistent rpc %s was already gone", requestID)
		}

		return printJSON(struct {
			RequestID string `json:"requestId"`
			Deleted   bool   `json:"deleted"`
		}{requestID, deleted})
	})
}
