package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/api"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/constants"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/data"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference/backend"
	logging "github.com/ipfs/go-log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
)

var log = logging.Logger("diseaseapp")

const shutdownTimeout = 10 * time.Second

func main() {
	app := cli.NewApp()

	app.Name = "diseaseapp"
	app.Usage = constants.ServiceName
	app.Version = constants.ServiceVersion
	app.Flags = runFlags
	app.Action = run.Action
	app.Commands = []*cli.Command{
		run,
	}

	app.RunAndExitOnError()
}

var runFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen",
		Usage:   "address to serve the api on",
		Value:   constants.ListenAddr,
		EnvVars: []string{"LISTEN_ADDR"},
	},
	&cli.StringFlag{
		Name:    "model-url",
		Usage:   "remote model repository (hf://owner/repo or http(s) url)",
		Value:   constants.ModelURL,
		EnvVars: []string{"MODEL_URL"},
	},
	&cli.StringFlag{
		Name:    "model-file",
		Usage:   "model file fetched from the remote repository",
		Value:   constants.ModelFile,
		EnvVars: []string{"MODEL_FILE"},
	},
	&cli.StringFlag{
		Name:    "local-model",
		Usage:   "local model used when the remote model is unavailable",
		Value:   constants.LocalModelPath,
		EnvVars: []string{"LOCAL_MODEL_PATH"},
	},
	&cli.StringFlag{
		Name:    "model-cache",
		Usage:   "directory for downloaded models (defaults to the user cache dir)",
		EnvVars: []string{"MODEL_CACHE_DIR"},
	},
	&cli.DurationFlag{
		Name:    "fetch-timeout",
		Usage:   "timeout for downloading the remote model",
		Value:   constants.ModelFetchTimeout,
		EnvVars: []string{"MODEL_FETCH_TIMEOUT"},
	},
	&cli.StringFlag{
		Name:    "onnx-lib",
		Usage:   "path to the onnxruntime shared library",
		EnvVars: []string{"ONNXRUNTIME_LIB"},
	},
	&cli.StringFlag{
		Name:    "history-dsn",
		Usage:   "mysql dsn for prediction history (disabled when empty)",
		EnvVars: []string{"HISTORY_DSN"},
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "address to serve prometheus metrics on (disabled when empty)",
		Value:   constants.MetricsAddr,
		EnvVars: []string{"METRICS_ADDR"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "log level (debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	},
}

var run = &cli.Command{
	Name:  "run",
	Usage: "load the model and serve the prediction api",
	Flags: runFlags,
	Action: func(cctx *cli.Context) error {
		if err := logging.SetLogLevel("*", cctx.String("log-level")); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		open := backend.Opener(backend.Options{
			InputSize:   constants.InputSize,
			NumClasses:  len(constants.DiseaseClasses),
			ONNXLibrary: cctx.String("onnx-lib"),
		})

		modelURL := cctx.String("model-url")
		handle := inference.Load(ctx,
			&inference.Remote{
				URL:      modelURL,
				File:     cctx.String("model-file"),
				CacheDir: cctx.String("model-cache"),
				Timeout:  cctx.Duration("fetch-timeout"),
				Open:     open,
			},
			&inference.Local{
				Path: cctx.String("local-model"),
				Open: open,
			},
		)
		defer func() {
			if err := handle.Close(); err != nil {
				log.Errorf("Model close failed: %s", err)
			}
		}()

		if handle.IsLoaded() {
			api.ModelLoaded.Set(1)
		} else {
			api.ModelLoaded.Set(0)
		}

		i := inference.New(inference.Config{
			Handle: handle,
		})

		m, err := data.New(ctx, cctx.String("history-dsn"))
		if err != nil {
			return err
		}
		defer m.Destroy()

		var metricsServer *http.Server
		if addr := cctx.String("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("Metrics server failed: %s", err)
				}
			}()
		}

		r := gin.New()
		r.Use(gin.Logger(), gin.CustomRecovery(api.Recovery), cors.Default(), api.Metrics())

		api.Register(r, &api.APIs{
			I:        i,
			M:        m,
			ModelURL: modelURL,
		})

		server := &http.Server{
			Addr:              cctx.String("listen"),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		banner(i, modelURL, server.Addr)

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("Metrics server shutdown failed: %s", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info("Server gracefully stopped")

		return nil
	},
}

func banner(i *inference.Inference, modelURL, addr string) {
	handle := i.Handle()

	backendName := handle.Backend()
	if backendName == "" {
		backendName = constants.DefaultBackend
	}

	line := strings.Repeat("=", 60)
	log.Info(line)
	log.Infof("%s v%s", constants.ServiceName, constants.ServiceVersion)
	log.Info(line)
	log.Infof("Model status: %s", handle.Status())
	if handle.IsLoaded() {
		log.Infof("Model source: %s", handle.Source())
	}
	log.Infof("Model URL: %s", modelURL)
	log.Infof("Backend: %s", backendName)
	log.Infof("Input size: %dx%d", constants.InputSize, constants.InputSize)
	log.Infof("Classes: %s", strings.Join(i.Labels(), ", "))
	log.Infof("Listening on %s", addr)
	log.Info(line)
}
