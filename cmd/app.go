package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/auth"
	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/config"
	"github.com/xkilldash9x/authflow/internal/mailbox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errAttemptFailed marks a run whose result was printed but did not succeed.
var errAttemptFailed = errors.New("authentication failed")

// runner executes authentication attempts.
type runner interface {
	Execute(ctx context.Context, req auth.AttemptRequest) auth.AttemptResult
}

// newRunner builds the production orchestrator: a chromedp launcher and the
// HTTP mailbox client. Replaced in tests.
var newRunner = func(cfg *config.Config, logger *zap.Logger) (runner, error) {
	mb, err := mailbox.NewClient(cfg.Mailbox, logger)
	if err != nil {
		return nil, fmt.Errorf("creating mailbox client: %w", err)
	}
	o, err := auth.NewOrchestrator(auth.Dependencies{
		Sessions: browser.NewLauncher(cfg.Browser, logger),
		Mailbox:  mb,
	}, auth.OptionsFromConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// writeJSON prints v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
