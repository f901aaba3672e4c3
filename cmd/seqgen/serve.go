package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samcharles93/seqgen/internal/api"
	"github.com/samcharles93/seqgen/internal/inference"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/store"
	"github.com/urfave/cli/v3"
)

type serveOptions struct {
	addr          string
	readTimeout   time.Duration
	store         string
	maxConcurrent int64
	rateLimit     float64
	rateBurst     int64
}

func serveCmd() *cli.Command {
	var o serveOptions

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &o.addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &o.readTimeout,
			},
			&cli.StringFlag{
				Name:        "store",
				Usage:       "generation store: \"memory\" or a SQLite database path",
				Value:       "memory",
				Destination: &o.store,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "generations running at once (0 = unbounded)",
				Value:       4,
				Destination: &o.maxConcurrent,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second per client on /v1 (0 = off)",
				Destination: &o.rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "rate limiter burst size",
				Destination: &o.rateBurst,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, LoadConfig(), &o)

			cfg, err := loadModelConfig(c)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m, err := inference.Open(cfg,
				inference.WithLogger(log),
				inference.WithMetrics(inference.NewMetrics(reg)),
				inference.WithMaxConcurrent(int(o.maxConcurrent)),
			)
			if err != nil {
				return err
			}
			defer m.Close()

			st, err := openStore(o.store)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := []api.Option{api.WithLogger(log), api.WithMetrics(reg)}
			if o.rateLimit > 0 {
				opts = append(opts, api.WithRateLimit(api.NewRateLimitStore(o.rateLimit, int(o.rateBurst))))
			}
			server := api.NewServer(m, st, opts...)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server",
				"address", o.addr,
				"family", m.Family(),
				"device", m.Device().Kind(),
				"store", o.store,
			)
			sc := echo.StartConfig{
				Address: o.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = o.readTimeout
					return nil
				},
			}
			serveErr := sc.Start(ctx, e)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn("background generations did not stop in time", "error", err)
			}
			return serveErr
		},
	}
}

func openStore(target string) (store.Store, error) {
	if target == "" || target == "memory" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(target)
}
