package main

import (
	"context"
	"testing"
	"time"

	"github.com/opentranscript/streamwatch/pkg/providers/mock"
	"github.com/opentranscript/streamwatch/pkg/transcribe"
)

func TestPipelineDrainerWaitsForPipelines(t *testing.T) {
	engine := mock.NewEngine(mock.EngineConfig{Transcript: "hi"})
	model := transcribe.NewModelManager(engine, 1, time.Hour, nil, nil)
	if err := model.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	pipelines := make(chan struct{})
	d := pipelineDrainer{pipelines: pipelines, model: model}
	result := make(chan error, 1)
	go func() { result <- d.Drain() }()

	select {
	case <-result:
		t.Fatalf("drain returned while sessions were still winding down")
	case <-time.After(50 * time.Millisecond):
	}

	close(pipelines)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("drain never returned")
	}
	if model.Loaded() {
		t.Fatalf("model still loaded after drain")
	}
}
