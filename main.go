package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tutortoise/image-classification-service/classification"
	"github.com/Tutortoise/image-classification-service/models"
	"github.com/Tutortoise/image-classification-service/modelstore"
	"github.com/sirupsen/logrus"
)

const usage = `Usage:
  %[1]s serve   [-config FILE]
  %[1]s predict [-config FILE] [-top N] IMAGE
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "predict":
		err = runPredict(os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprintf(os.Stdout, usage, os.Args[0])
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	if err != nil {
		logrus.Fatal(err)
	}
}

func setupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log.format %q", cfg.Format)
	}
	return nil
}

// engine is everything loaded once at startup and shared for the process lifetime.
type engine struct {
	classifier *classification.Classifier
	newSession SessionFactory
}

func loadEngine(ctx context.Context, cfg *Config) (*engine, error) {
	store := modelstore.New(cfg.Model.CacheDir)

	modelPath, err := store.Ensure(ctx, cfg.Model.Path, cfg.Model.URL)
	if err != nil {
		return nil, fmt.Errorf("model weights: %w", err)
	}
	labelsPath, err := store.Ensure(ctx, cfg.Model.LabelsPath, cfg.Model.LabelsURL)
	if err != nil {
		return nil, fmt.Errorf("label index: %w", err)
	}

	labels, err := classification.LoadLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	if len(labels) != cfg.Model.NumClasses {
		return nil, fmt.Errorf("label index has %d classes, model has %d", len(labels), cfg.Model.NumClasses)
	}

	preprocessor, err := classification.NewPreprocessor(classification.PreprocessOptions{
		Width:  cfg.Preprocess.Width,
		Height: cfg.Preprocess.Height,
		Mode:   classification.Mode(cfg.Preprocess.Mode),
		Layout: classification.Layout(cfg.Preprocess.Layout),
		Filter: cfg.Preprocess.Filter,
	})
	if err != nil {
		return nil, err
	}

	classifier, err := classification.NewClassifier(preprocessor, labels, classification.Options{
		TopK:    cfg.Predict.TopK,
		Softmax: cfg.Predict.Softmax,
	})
	if err != nil {
		return nil, err
	}

	libPath, err := resolveRuntimeLibrary(cfg.Runtime.LibraryPath)
	if err != nil {
		return nil, err
	}
	if err := classification.InitEnvironment(libPath); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"model":        modelPath,
		"labels":       labelsPath,
		"runtime":      libPath,
		"input_shape":  preprocessor.InputShape(),
		"cpu_features": classification.CPUFeatures(),
	}).Info("Model ready")

	sessionCfg := classification.SessionConfig{
		ModelPath:      modelPath,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
		InputShape:     preprocessor.InputShape(),
		NumClasses:     cfg.Model.NumClasses,
		IntraOpThreads: cfg.Model.IntraOpThreads,
		InterOpThreads: cfg.Model.InterOpThreads,
	}

	return &engine{
		classifier: classifier,
		newSession: func() (classification.Session, error) {
			return classification.NewModelSession(sessionCfg)
		},
	}, nil
}

func destroyEnvironment() {
	if err := classification.DestroyEnvironment(); err != nil {
		logrus.WithError(err).Warn("Failed to destroy onnxruntime environment")
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", envStr("CONFIG_FILE", ""), "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := loadEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer destroyEnvironment()

	pool, err := NewModelSessionPool(eng.newSession, cfg.Model.PoolSize)
	if err != nil {
		return fmt.Errorf("failed to create model session pool: %w", err)
	}
	defer pool.Destroy()

	state := &AppState{
		Pool:           pool,
		Classifier:     eng.classifier,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Log:            logrus.StandardLogger(),
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logrus.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runPredict(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	configPath := fs.String("config", envStr("CONFIG_FILE", ""), "YAML config file")
	top := fs.Int("top", 0, "number of labels to print (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("predict takes exactly one image path, got %d", fs.NArg())
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	img, err := classification.OpenImage(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := loadEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer destroyEnvironment()

	session, err := eng.newSession()
	if err != nil {
		return err
	}
	defer session.Destroy()

	timings := &models.ProcessingTimings{RequestID: "cli"}
	predictions, err := eng.classifier.Classify(ctx, img, session, *top, timings)
	if err != nil {
		return err
	}
	logTimings(logrus.StandardLogger(), timings)

	return printPredictions(out, predictions)
}

func printPredictions(w io.Writer, predictions []models.Prediction) error {
	for i, p := range predictions {
		if _, err := fmt.Fprintf(w, "%d. %-12s %-30s %.4f\n", i+1, p.ClassID, p.Label, p.Score); err != nil {
			return err
		}
	}
	return nil
}
