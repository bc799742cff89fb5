// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/gngram/usb-passthrough-manager/channel"
	"github.com/gngram/usb-passthrough-manager/guest"
	"github.com/gngram/usb-passthrough-manager/host"
	"github.com/gngram/usb-passthrough-manager/protocol"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	mode := viper.GetString("mode")
	if mode != modeHost && mode != modeGuest {
		return fmt.Errorf("mode %q unknown; possible values are: %s, %s", mode, modeHost, modeGuest)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	switch mode {
	case modeHost:
		if err := setupHost(&g, logger, r); err != nil {
			return err
		}
	case modeGuest:
		if err := setupGuest(&g, logger, r); err != nil {
			return err
		}
	}

	return g.Run()
}

// setupHost wires the authoritative registry behind either a listening
// server or, with --dial, a reconnecting client toward the GUI VM.
func setupHost(g *run.Group, logger log.Logger, r prometheus.Registerer) error {
	var executor host.Executor
	if cmd := viper.GetString("attach-command"); cmd != "" {
		executor = host.CommandExecutor{Command: cmd}
	}
	svc := host.NewService(host.ServiceConfig{
		Executor:   executor,
		Logger:     log.With(logger, "component", "registry"),
		Registerer: r,
	})

	devices, err := getConfiguredDevices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if !svc.NotifyDeviceConnected(dev) {
			return fmt.Errorf("failed to register configured device %q", dev.DeviceID)
		}
	}

	port := viper.GetUint32("port")
	peerCID := viper.GetUint32("peer-cid")

	if viper.GetBool("dial") {
		if peerCID == 0 {
			return fmt.Errorf("peer-cid must be set when dialing")
		}
		var client *channel.Client
		client = channel.NewClient(channel.ClientConfig{
			Target:       channel.Addr{ContextID: peerCID, Port: port},
			Dialer:       channel.VsockDialer{},
			OnMessage:    svc.HandleMessage,
			OnConnect:    func() { svc.AttachSender(client) },
			OnDisconnect: func() { svc.AttachSender(nil) },
			Logger:       log.With(logger, "component", "client"),
			Registerer:   r,
		})
		g.Add(func() error {
			return client.Run()
		}, func(error) {
			client.Stop()
		})
		return nil
	}

	if peerCID == 0 {
		return fmt.Errorf("peer-cid must be set to the GUI VM's context id")
	}
	l, err := channel.Listen(port)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on vsock port %d", port)
	}
	srv := channel.NewServer(channel.ServerConfig{
		Listener:   l,
		Logger:     log.With(logger, "component", "server"),
		Registerer: r,
	})
	if !srv.RegisterHandler(peerCID, svc) {
		return fmt.Errorf("handler for cid %d already registered", peerCID)
	}
	g.Add(func() error {
		_ = logger.Log("msg", fmt.Sprintf("Starting the usb-passthrough-manager host on vsock port %d.", port))
		return srv.Serve()
	}, func(error) {
		srv.Stop()
	})
	return nil
}

// setupGuest wires the mirror register behind a reconnecting client plus
// the FIFO intake for UI requests.
func setupGuest(g *run.Group, logger log.Logger, r prometheus.Registerer) error {
	dataDir := viper.GetString("data-dir")
	store, err := guest.NewStore(dataDir)
	if err != nil {
		return errors.Wrap(err, "failed to set up device registry store")
	}

	var notifier guest.Notifier
	if cmd := viper.GetString("notify-command"); cmd != "" {
		notifier = guest.CommandNotifier{Command: cmd, Logger: logger}
	} else {
		notifier = guest.LogNotifier{Logger: logger}
	}

	port := viper.GetUint32("port")
	peerCID := viper.GetUint32("peer-cid")
	if peerCID == 0 {
		return fmt.Errorf("peer-cid must be set to the host's context id")
	}

	var reg *guest.Register
	client := channel.NewClient(channel.ClientConfig{
		Target:       channel.Addr{ContextID: peerCID, Port: port},
		Dialer:       channel.VsockDialer{},
		OnMessage:    func(env protocol.Envelope) { reg.OnMessage(env) },
		OnConnect:    func() { reg.OnConnect() },
		OnDisconnect: func() { reg.OnDisconnect() },
		Logger:       log.With(logger, "component", "client"),
		Registerer:   r,
	})
	reg = guest.NewRegister(guest.RegisterConfig{
		Sender:     client,
		Store:      store,
		Notifier:   notifier,
		Logger:     log.With(logger, "component", "mirror"),
		Registerer: r,
	})

	g.Add(func() error {
		_ = logger.Log("msg", fmt.Sprintf("Starting the usb-passthrough-manager guest toward cid %d.", peerCID))
		return client.Run()
	}, func(error) {
		client.Stop()
		if err := store.Remove(); err != nil {
			_ = level.Warn(logger).Log("msg", "removing registry file failed", "err", err)
		}
	})

	reader, err := guest.NewRequestReader(dataDir, func(deviceID, targetVM string) {
		reg.RequestPassthrough(deviceID, targetVM)
	}, log.With(logger, "component", "requests"))
	if err != nil {
		return errors.Wrap(err, "failed to set up request fifo")
	}
	g.Add(func() error {
		return reader.Run()
	}, func(error) {
		reader.Stop()
	})

	return nil
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
