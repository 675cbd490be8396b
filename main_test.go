package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Tutortoise/image-classification-service/models"
	"github.com/sirupsen/logrus"
)

func TestPrintPredictions(t *testing.T) {
	var buf bytes.Buffer
	err := printPredictions(&buf, []models.Prediction{
		{ClassID: "n02123045", Label: "tabby", Score: 0.81234},
		{ClassID: "n02124075", Label: "Egyptian_cat", Score: 0.1},
	})
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "1. n02123045") || !strings.Contains(lines[0], "tabby") || !strings.HasSuffix(lines[0], "0.8123") {
		t.Errorf("line 1 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2. n02124075") {
		t.Errorf("line 2 = %q", lines[1])
	}
}

func TestRunPredictArguments(t *testing.T) {
	clearEnv(t)
	var out bytes.Buffer

	if err := runPredict(nil, &out); err == nil {
		t.Error("expected error without an image path")
	}
	if err := runPredict([]string{"a.jpg", "b.jpg"}, &out); err == nil {
		t.Error("expected error with two image paths")
	}
	if err := runPredict([]string{"/does/not/exist.jpg"}, &out); err == nil {
		t.Error("expected decode error for a missing image")
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed on failure, got %q", out.String())
	}
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	if err := setupLogging(LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatal(err)
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", logrus.GetLevel())
	}
	if err := setupLogging(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := setupLogging(LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
