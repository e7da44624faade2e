package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// StaticFetcher always returns the configured credential.
type StaticFetcher struct {
	Credential Credential
}

func (f StaticFetcher) Fetch(context.Context) (Credential, error) {
	if !f.Credential.Valid() {
		return Credential{}, errors.New("static credential requires token and endpoint")
	}
	return f.Credential, nil
}

// ExecFetcher runs an external command that prints a credential as JSON on
// stdout: {"token": "...", "endpoint": "...", "client_id": "...", "origin": "..."}.
type ExecFetcher struct {
	cmd     []string
	timeout time.Duration
}

func NewExecFetcher(command string, timeout time.Duration) (*ExecFetcher, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse credential command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("credential command is empty")
	}
	return &ExecFetcher{cmd: args, timeout: timeout}, nil
}

func (f *ExecFetcher) Fetch(ctx context.Context) (Credential, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, f.cmd[0], f.cmd[1:]...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Credential{}, fmt.Errorf("credential command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var cred Credential
	if err := json.Unmarshal(stdout.Bytes(), &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential command output: %w", err)
	}
	return cred, nil
}

// NewFetcher builds the fetcher selected by cfg.Mode.
func NewFetcher(cfg config.CredentialsConfig) (Fetcher, error) {
	switch cfg.Mode {
	case "", "static":
		return StaticFetcher{Credential: Credential{
			Token:    cfg.Token,
			Endpoint: cfg.Endpoint,
			ClientID: cfg.ClientID,
			Origin:   cfg.Origin,
		}}, nil
	case "exec":
		return NewExecFetcher(cfg.Command, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unknown credentials mode %q", cfg.Mode)
	}
}
