package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"exchangeServer/internal/config"
	"exchangeServer/internal/observe"
	"exchangeServer/internal/throttle"
	"exchangeServer/pkg"
	"exchangeServer/pkg/exchange"
)

// transforms are the output_content functions a config file may name.
var transforms = map[string]exchange.OutputTransform{
	"trim_space": func(_ context.Context, payload []byte, encoding string, x *exchange.Exchange) error {
		return x.WriteEncoded(bytes.TrimSpace(payload), encoding)
	},
}

// hooks are the form_parse hooks a config file may name.
var hooks = map[string]exchange.Hook{
	"json": exchange.JSONFormHook,
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to the YAML config file")
		envFile    = flag.String("env", ".env", "Path to an optional .env file")
	)
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		logrus.WithError(err).Fatal("load env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	log, err := observe.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.WithError(err).Fatal("build logger")
	}

	xcfg, err := cfg.Exchange(transforms, hooks)
	if err != nil {
		log.WithError(err).Fatal("resolve exchange config")
	}

	reg := prometheus.NewRegistry()
	metrics := observe.NewMetrics(reg)

	opts := []exchange.Option{
		exchange.WithLogger(log),
		exchange.WithAfterEnd(metrics.Observe),
		exchange.WithAfterEnd(observe.AccessLog(log)),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Handle("/echo", exchange.Handler(xcfg, echo, opts...))
	r.Handle("/upload", exchange.Handler(xcfg, upload, opts...)).Methods(http.MethodPost, http.MethodPut)
	r.Handle("/jsonp", exchange.Handler(xcfg, jsonp, opts...)).Methods(http.MethodGet)
	r.Handle("/visit", exchange.Handler(xcfg, visit, opts...)).Methods(http.MethodGet)

	var handler http.Handler = r
	if cfg.Throttle.Rate > 0 {
		handler = throttle.New(cfg.Throttle.Rate, cfg.Throttle.Burst, log).Middleware(r)
	}

	srv := &pkg.MiniServer{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		Logger:            log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithField("addr", cfg.Server.Addr).Info("listening")

	if err := srv.ListenAndServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("serve")
	}
}

// echo answers with every parameter it received in the success envelope.
func echo(x *exchange.Exchange) {
	_ = x.Success(x.Params(), "")
}

func upload(x *exchange.Exchange) {
	files := make(map[string]any, len(x.Files()))

	for name, f := range x.Files() {
		files[name] = map[string]any{
			"filename": f.OriginalFilename,
			"size":     f.Size,
		}
	}

	if len(files) == 0 {
		_ = x.Fail(1001, "no file uploaded", nil)

		return
	}

	_ = x.Success(files, "")
}

func jsonp(x *exchange.Exchange) {
	_ = x.JSONP(x.QueryAll())
}

// visit counts the requests of a browser in a cookie.
func visit(x *exchange.Exchange) {
	n, _ := strconv.Atoi(x.Cookie("visits"))
	n++

	x.SetCookie("visits", strconv.Itoa(n), exchange.WithCookieTimeout(3600))

	_ = x.Success(map[string]int{"visits": n}, "")
}
