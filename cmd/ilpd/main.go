// Copyright 2025 The ilpd Authors
// This file is part of ilpd.
//
// ilpd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ilpd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with ilpd. If not, see <http://www.gnu.org/licenses/>.

// ilpd is the Interledger connector daemon: it accepts and dials BTP
// peers, forwards ILP packets between them, and keeps double-entry
// settlement accounts.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/interledger-go/ilpd/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration `FILE`",
	}
	nodeIDFlag = &cli.StringFlag{
		Name:  "nodeid",
		Usage: "ILP address of this connector (overrides config)",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "BTP WebSocket listen `ADDR` (overrides config)",
	}
	adminFlag = &cli.StringFlag{
		Name:  "admin",
		Usage: "health and metrics listen `ADDR` (overrides config)",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory for the accounting database (overrides config)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "loglevel",
		Usage: "log level: debug, info, warn, error",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "logformat",
		Usage: "log format: json or console",
	}
)

func main() {
	app := &cli.App{
		Name:    "ilpd",
		Usage:   "Interledger connector daemon",
		Version: version,
		Flags: []cli.Flag{
			configFlag, nodeIDFlag, listenFlag, adminFlag,
			dataDirFlag, logLevelFlag, logFormatFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log, err := buildLogger(&cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	n, err := node.New(cfg, log.Named("node"))
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	var admin *http.Server
	if cfg.Node.AdminAddr != "" {
		admin = startAdmin(cfg.Node.AdminAddr, n, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("Shutting down", zap.String("signal", got.String()))

	if admin != nil {
		admin.Close()
	}
	return n.Stop()
}

// loadConfig reads the config file (if any) and layers CLI flag overrides
// on top.
func loadConfig(ctx *cli.Context) (*node.Config, error) {
	cfg := node.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = node.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if v := ctx.String(nodeIDFlag.Name); v != "" {
		cfg.Node.ID = v
	}
	if ctx.IsSet(listenFlag.Name) {
		cfg.Node.ListenAddr = ctx.String(listenFlag.Name)
	}
	if v := ctx.String(adminFlag.Name); v != "" {
		cfg.Node.AdminAddr = v
	}
	if v := ctx.String(dataDirFlag.Name); v != "" {
		cfg.Node.DataDir = v
	}
	if v := ctx.String(logLevelFlag.Name); v != "" {
		cfg.Log.Level = v
	}
	if v := ctx.String(logFormatFlag.Name); v != "" {
		cfg.Log.Format = v
	}
	return cfg, cfg.Validate()
}

func buildLogger(cfg *node.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}
	return zap.New(zapcore.NewCore(encoder, sink, level)), nil
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status         string          `json:"status"`
	Peers          int             `json:"peers"`
	ConnectedPeers int             `json:"connectedPeers"`
	PeerHealth     map[string]bool `json:"peerHealth"`
}

// startAdmin serves /healthz and Prometheus /metrics. It is deliberately
// separate from the BTP listener so operational probes never share a port
// with peer traffic.
func startAdmin(addr string, n *node.Node, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := n.Registry().Health()
		peers, connected := n.Registry().Counts()
		resp := healthResponse{
			Status:         "ok",
			Peers:          peers,
			ConnectedPeers: connected,
			PeerHealth:     health,
		}
		w.Header().Set("Content-Type", "application/json")
		if peers > 0 && connected == 0 {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Admin server terminated", zap.Error(err))
		}
	}()
	log.Info("Admin server listening", zap.String("addr", addr))
	return srv
}
