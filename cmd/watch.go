/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/cdpcore/common"
	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

const (
	invalidConfigExitCode = 104
	connectionExitCode    = 105
)

const metricsShutdownTimeout = 5 * time.Second

// cmdWatch handles the `cdpcore watch` sub-command
type cmdWatch struct {
	gs *globalState
}

func (c *cmdWatch) run(cmd *cobra.Command, args []string) error {
	cliConf := getConfig(cmd.Flags())
	if len(args) > 0 {
		cliConf.TargetURL = null.StringFrom(args[0])
	}
	conf, err := getConsolidatedConfig(c.gs, cliConf)
	if err != nil {
		return exitCodeError{error: err, code: invalidConfigExitCode}
	}
	receiveDelay, err := parseNullDuration(conf.ReceiveDelay)
	if err != nil {
		return exitCodeError{error: err, code: invalidConfigExitCode}
	}

	ctx, stop := signal.NotifyContext(c.gs.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(c.gs.logger, false, nil)
	if err := logger.SetCategoryFilter(c.gs.flags.logCategories); err != nil {
		return exitCodeError{error: err, code: invalidConfigExitCode}
	}

	registry := prometheus.NewRegistry()
	bm, err := metrics.RegisterBuiltinMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if addr := conf.MetricsAddr.String; addr != "" {
		shutdown := c.serveMetrics(addr, registry)
		defer shutdown()
	}

	conn, err := common.NewConnection(ctx, conf.WSURL.String, logger,
		common.WithReceiveDelay(receiveDelay),
		common.WithMetrics(bm),
		common.WithCloseHandler(func() {
			c.gs.logger.Debug("Browser connection closed")
		}),
	)
	if err != nil {
		return exitCodeError{error: fmt.Errorf("connecting to %s: %w", conf.WSURL.String, err), code: connectionExitCode}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.gs.logger.WithError(err).Debug("Closing browser connection")
		}
	}()

	tid, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, conn))
	if err != nil {
		return fmt.Errorf("creating page target: %w", err)
	}
	session, err := conn.CreateSession(ctx, tid)
	if err != nil {
		return fmt.Errorf("attaching to target %s: %w", tid, err)
	}

	fs := common.NewFrameSession(ctx, session, logger, bm)
	printer := newEventPrinter(c.gs)
	fs.FrameManager().OnAll(printer.onFrameEvent)
	fs.NetworkManager().OnAll(printer.onNetworkEvent)
	if conf.Intercept.Bool {
		fs.NetworkManager().On(common.EventRequest, continueIntercepted(ctx, c.gs.logger))
	}

	if err := fs.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing page session: %w", err)
	}
	if err := applyNetworkConfig(ctx, fs.NetworkManager(), conf); err != nil {
		return err
	}

	c.gs.logger.Infof("Navigating to %s", conf.TargetURL.String)
	if _, err := fs.Navigate(ctx, conf.TargetURL.String); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		c.gs.logger.Debug("Interrupted, detaching")
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := session.Detach(dctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.gs.logger.WithError(err).Debug("Detaching from target")
		}
	case <-session.Done():
		c.gs.logger.Info("Target detached")
	case <-conn.Done():
		return exitCodeError{error: errors.New("browser connection closed"), code: connectionExitCode}
	}
	return nil
}

// continueIntercepted lets every intercepted request go on unchanged.
func continueIntercepted(ctx context.Context, logger logrus.FieldLogger) common.EventHandler[common.EventKind] {
	return func(ev common.Event[common.EventKind]) {
		req, ok := ev.Data.(*common.Request)
		if !ok {
			return
		}
		go func() {
			if err := req.Continue(ctx, common.ContinueOptions{}); err != nil {
				logger.WithError(err).WithField("url", req.URL()).Debug("Continuing intercepted request")
			}
		}()
	}
}

func applyNetworkConfig(ctx context.Context, nm *common.NetworkManager, conf Config) error {
	if ua := conf.UserAgent.String; ua != "" {
		if err := nm.SetUserAgent(ctx, ua); err != nil {
			return fmt.Errorf("setting user agent: %w", err)
		}
	}
	if conf.Username.String != "" {
		creds := &common.Credentials{Username: conf.Username.String, Password: conf.Password.String}
		if err := nm.Authenticate(ctx, creds); err != nil {
			return fmt.Errorf("setting credentials: %w", err)
		}
	}
	if conf.Intercept.Bool {
		if err := nm.SetRequestInterception(ctx, true); err != nil {
			return fmt.Errorf("enabling request interception: %w", err)
		}
	}
	if name := conf.Throttle.String; name != "" {
		profile, err := common.LookupNetworkProfile(name)
		if err != nil {
			return err
		}
		if err := nm.ThrottleNetwork(ctx, profile); err != nil {
			return err
		}
	}
	if conf.Offline.Bool {
		if err := nm.SetOfflineMode(ctx, true); err != nil {
			return fmt.Errorf("enabling offline mode: %w", err)
		}
	}
	return nil
}

// serveMetrics exposes registry on addr/metrics until the returned function
// is called.
func (c *cmdWatch) serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		c.gs.logger.WithField("addr", addr).Debug("Metrics server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.gs.logger.WithError(err).Error("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			c.gs.logger.WithError(err).Error("Metrics server shutdown")
		}
	}
}

func getCmdWatch(gs *globalState) *cobra.Command {
	c := &cmdWatch{gs: gs}

	exampleText := `
  # Watch a page loading in a browser started with --remote-debugging-port=9222
  cdpcore watch --ws-url ws://127.0.0.1:9222/devtools/browser/<id> https://example.com

  # Pause and continue every request, answering auth challenges
  cdpcore watch --intercept --username user --password secret https://example.com/private

  # Watch a page over an emulated slow mobile network
  cdpcore watch --ws-url ws://127.0.0.1:9222/devtools/browser/<id> --throttle "Slow 3G" https://example.com

  # Expose Prometheus metrics while watching
  cdpcore watch --metrics-addr localhost:9090 https://example.com`[1:]

	watchCmd := &cobra.Command{
		Use:   "watch [url]",
		Short: "Open a page and print its frame and network events",
		Long: `Open a page and print its frame and network events.

The command attaches to the browser endpoint, opens a new page target,
navigates it to the given URL and prints every frame and network event
until it is interrupted or the target goes away.`,
		Example: exampleText,
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.run,
	}

	watchCmd.Flags().SortFlags = false
	watchCmd.Flags().AddFlagSet(configFlagSet())

	return watchCmd
}
