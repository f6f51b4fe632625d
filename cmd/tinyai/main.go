package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/config"
	"github.com/tsawler/tinyai/layers"
	"github.com/tsawler/tinyai/model"
	"github.com/tsawler/tinyai/server"
	"github.com/tsawler/tinyai/tensor"
	"github.com/tsawler/tinyai/training"
	"github.com/tsawler/tinyai/vision/dataloader"
	"github.com/tsawler/tinyai/vision/dataset"
	"github.com/tsawler/tinyai/vision/preprocessing"
)

const usage = `usage: tinyai <command> [-config file]

commands:
  init      index <dataset.folder>/data/<answer>/<images> into a folder database
  convert   split the folder database into train/test tensor layers
  train     train the classifier on the converted database
  predict   store predictions for the test layer
  serve     serve the inspection API
  info      print the database layers and the compute device
`

type command func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error

var commands = map[string]command{
	"init":    runInit,
	"convert": runConvert,
	"train":   runTrain,
	"predict": runPredict,
	"serve":   runServe,
	"info":    runInfo,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func runInit(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	summary, err := dataset.InitFolderDatabase(ctx, cfg.Dataset.Kind, cfg.Dataset.Folder, 0, logger)
	if err != nil {
		return err
	}
	fmt.Print(summary)
	return nil
}

func runConvert(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	d := cfg.Dataset
	summary, err := dataset.ConvertFolderDatabase(ctx, d.Folder, d.SplitDest, dataset.ConvertOptions{
		Split:   dataset.SplitTrainTest,
		TrainK:  d.TrainK,
		Seed:    d.Seed,
		Convert: dataset.ImageTensorConverter(preprocessing.NewImageProcessor(d.ImageSize), d.TrainLayer, d.TestLayer),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Converted %d records: %v\n", summary.Total, summary.Kinds)
	return nil
}

// workspace is the converted database with the datasets and vocabulary
// derived from it
type workspace struct {
	db      *catalog.Catalog
	labels  []string
	train   training.Dataset
	test    training.Dataset
	inputs  int
	classes int
}

func openWorkspace(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*workspace, error) {
	d := cfg.Dataset
	db := catalog.New(d.SplitDest, logger)
	if err := db.Open(ctx, true); err != nil {
		return nil, fmt.Errorf("open %s (run convert first): %w", d.SplitDest, err)
	}
	for _, layer := range []int{d.TrainLayer, d.TestLayer} {
		if err := db.ReadLayer(ctx, layer); err != nil {
			db.Close()
			return nil, err
		}
	}

	labels := db.Answers(d.TrainLayer)
	for _, answer := range db.Answers(d.TestLayer) {
		if _, ok := db.AnswerIndex(d.TrainLayer)[answer]; !ok {
			labels = append(labels, answer)
		}
	}
	if len(labels) == 0 {
		db.Close()
		return nil, errors.New("the converted database has no answers")
	}

	var opts []dataset.Option
	if d.CacheSize > 0 {
		opts = append(opts, dataset.WithCache(dataloader.NewCacheManager(d.CacheSize)))
	}
	folder := dataset.NewFolderDataset(db, dataset.TensorDecoder(dataset.LabelEncoder(dataset.MakeIndex(labels))), opts...)

	ws := &workspace{
		db:      db,
		labels:  labels,
		train:   dataset.NewTransformDataset(folder.Layer(d.TrainLayer), dataset.Flatten, nil),
		test:    dataset.NewTransformDataset(folder.Layer(d.TestLayer), dataset.Flatten, nil),
		inputs:  3 * d.ImageSize * d.ImageSize,
		classes: len(labels),
	}
	if ws.train.Len() > 0 {
		x, _, err := ws.train.Get(0)
		if err != nil {
			db.Close()
			return nil, err
		}
		ws.inputs = x.Numel()
	}
	return ws, nil
}

// modelSpec builds the dense classifier described by cfg.Model
func modelSpec(cfg *config.Config, inputs, classes int) (*layers.ModelSpec, error) {
	b := layers.NewModelBuilder([]int{cfg.Train.BatchSize, inputs})
	for i, n := range cfg.Model.Hidden {
		b.AddDense(n, true, fmt.Sprintf("fc%d", i+1))
		name := fmt.Sprintf("%s%d", cfg.Model.Activation, i+1)
		switch cfg.Model.Activation {
		case "sigmoid":
			b.AddSigmoid(name)
		case "tanh":
			b.AddTanh(name)
		default:
			b.AddReLU(name)
		}
	}
	b.AddDense(classes, true, "out")
	return b.Compile()
}

func newManager(cfg *config.Config, ws *workspace, logger *zap.Logger) (*model.Manager, *layers.ModelSpec, error) {
	spec, err := modelSpec(cfg, ws.inputs, ws.classes)
	if err != nil {
		return nil, nil, err
	}
	m := model.New(cfg.Model.Namespace, model.SequentialFactory(spec, cfg.Model.Seed),
		model.WithLogger(logger),
		model.WithOptimizer(cfg.Optimizer),
		model.WithScheduler(cfg.Scheduler),
		model.WithLoss(cfg.Loss.Name, cfg.Loss.Reduction),
		model.WithProgressSink(training.MultiSink{training.NewConsoleSink(os.Stdout), training.LogSink{Logger: logger}}),
		model.WithCheckpointEvery(cfg.Model.CheckpointEvery),
		model.WithResume(cfg.Model.Resume),
	)
	return m, spec, nil
}

func accuracy(b *training.Batch, output *tensor.Tensor) (int, error) {
	return training.ClassAccuracy(output, b.Labels)
}

func runTrain(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	device, err := tensor.ParseDevice(cfg.Train.Device)
	if err != nil {
		return err
	}
	logger.Info("Using device", zap.Stringer("device", device))

	ws, err := openWorkspace(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ws.db.Close()

	m, spec, err := newManager(cfg, ws, logger)
	if err != nil {
		return err
	}
	training.NewModelArchitecturePrinter("Classifier").PrintArchitecture(os.Stdout, spec)

	if err := m.Create(); err != nil {
		return err
	}
	var val training.Dataset
	if ws.test.Len() > 0 {
		val = ws.test
	}
	history, err := m.Train(ctx, ws.train, val, cfg.Train)
	if err != nil {
		return err
	}
	if last, ok := history.Last(); ok {
		logger.Info("Training finished",
			zap.Stringer("state", history.CurrentState()),
			zap.Int("epochs", history.Len()),
			zap.Float64("loss_val", last.LossVal))
	}

	saved, err := saveRun(m, logger)
	if err != nil {
		return err
	}
	if !saved || ctx.Err() != nil || ws.test.Len() == 0 {
		return nil
	}

	correct, total, err := m.Control(ctx, ws.test, cfg.Train.BatchSize, accuracy)
	if err != nil {
		return err
	}
	logger.Info("Test accuracy",
		zap.Int("correct", correct),
		zap.Int("total", total),
		zap.Float64("accuracy", float64(correct)/float64(total)))
	return nil
}

// saveRun writes the history of the last run and, when the run left a
// trained model, its checkpoint. It reports whether the model was saved.
func saveRun(m *model.Manager, logger *zap.Logger) (bool, error) {
	if err := m.SaveHistory(); err != nil {
		return false, err
	}
	if !m.IsTrained() {
		logger.Warn("Model is not trained, checkpoint not written", zap.String("path", m.Path()))
		return false, nil
	}
	if err := m.Save(""); err != nil {
		return false, err
	}
	if err := m.SaveHistoryPlot(); err != nil {
		logger.Warn("Failed to plot history", zap.Error(err))
	}
	return true, nil
}

func runPredict(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ws, err := openWorkspace(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ws.db.Close()

	m, _, err := newManager(cfg, ws, logger)
	if err != nil {
		return err
	}
	if err := m.Create(); err != nil {
		return err
	}
	if err := m.Load(""); err != nil {
		return err
	}
	if !m.IsTrained() {
		return fmt.Errorf("no trained model in %s", m.Namespace())
	}

	layer := cfg.Dataset.TestLayer
	report := training.NewClassificationReport(ws.classes)
	for i := 0; i < ws.test.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		x, y, err := ws.test.Get(i)
		if err != nil {
			return err
		}
		batch, err := x.Reshape([]int{1, x.Numel()})
		if err != nil {
			return err
		}
		out, err := m.Predict(batch)
		if err != nil {
			return err
		}
		target, err := y.Reshape([]int{1, y.Numel()})
		if err != nil {
			return err
		}
		if err := report.Update(out, target); err != nil {
			return err
		}

		rec, _ := ws.db.GetRecordByIndex(i, layer)
		if err := ws.db.SetPredict(ctx, layer, rec.FileName, ws.labels[argmax(out.Data)]); err != nil {
			return err
		}
	}

	fmt.Printf("Predicted %d records, accuracy %.4f, macro F1 %.4f, Brier score %.4f\n",
		ws.test.Len(), report.Accuracy(), report.Matrix.GetMetric(training.MacroF1), report.BrierScore())
	if auc, ok := report.AUC(); ok {
		fmt.Printf("ROC AUC %.4f\n", auc)
	}
	return nil
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db := catalog.New(cfg.Dataset.SplitDest, logger)
	if err := db.Open(ctx, true); err != nil {
		return err
	}
	defer db.Close()

	historyPath := filepath.Join(cfg.Model.Namespace, model.HistoryFile)
	history := func() (*training.History, error) {
		return training.LoadHistory(historyPath)
	}
	return server.New(db, history, logger).Run(ctx, cfg.Server.Addr)
}

func runInfo(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	fmt.Printf("Device: %s\n", tensor.DefaultDevice())

	for _, folder := range []string{cfg.Dataset.Folder, cfg.Dataset.SplitDest} {
		db := catalog.New(folder, logger)
		if _, err := os.Stat(db.DBPath()); err != nil {
			fmt.Printf("%s: no database\n", folder)
			continue
		}
		if err := db.Open(ctx, true); err != nil {
			return err
		}
		fmt.Printf("%s:\n", folder)
		for _, layer := range db.Layers() {
			if err := db.ReadLayer(ctx, layer); err != nil {
				db.Close()
				return err
			}
			fmt.Printf("  layer %d: %d records, %d answers\n", layer, db.LayerCount(layer), len(db.Answers(layer)))
		}
		db.Close()
	}
	return nil
}
