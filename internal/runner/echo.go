package runner

import (
	"context"

	"github.com/jagc-sh/jagc/internal/store"
)

// EchoExecutor returns the input text as the output. Used when
// RUNNER=echo and throughout the test suite.
type EchoExecutor struct {
	sink func(Progress)
}

func NewEchoExecutor() *EchoExecutor { return &EchoExecutor{} }

func (e *EchoExecutor) SetProgressSink(sink func(Progress)) { e.sink = sink }

func (e *EchoExecutor) Execute(ctx context.Context, run *store.Run, images []*store.InputImage) (*store.RunOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.sink != nil {
		e.sink(Progress{RunID: run.RunID, Type: EventMessageEnd, Event: &Event{
			Type: EventMessageEnd,
			Role: "assistant",
			Text: run.InputText,
		}})
	}
	return &store.RunOutput{
		Type:         "message",
		Text:         run.InputText,
		DeliveryMode: string(run.DeliveryMode),
	}, nil
}
