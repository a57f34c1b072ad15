package logger_test

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

func TestNew_Defaults(t *testing.T) {
	log, err := logger.New(logger.Config{OutputPaths: []string{"stderr"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("hello", logger.String("k", "v"), logger.RunID(1))
	_ = log.Sync()
}

func TestNew_Development(t *testing.T) {
	log, err := logger.New(logger.Config{Development: true, OutputPaths: []string{"stderr"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	child := log.With(logger.TaskID(42))
	child.Debug("debug entry", logger.Error(errors.New("boom")))
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := logger.Config{}
	cfg.SetDefaults()

	if cfg.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Level)
	}
	if len(cfg.OutputPaths) != 1 || cfg.OutputPaths[0] != "stdout" {
		t.Errorf("OutputPaths = %v, want [stdout]", cfg.OutputPaths)
	}
}

func TestFieldHelpers(t *testing.T) {
	f := logger.NodeID(7)
	if f.Key != "node_id" || f.Type != zapcore.Int64Type || f.Integer != 7 {
		t.Errorf("NodeID field = %+v", f)
	}
}

func TestNewNop(t *testing.T) {
	log := logger.NewNop()
	log.Error("discarded")
	if err := log.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
}
