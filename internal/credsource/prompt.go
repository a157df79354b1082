// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credsource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/redaction"
)

// PromptProvider asks for credentials on a terminal. It is meant for local
// development only and refuses to run when its input is not a terminal.
type PromptProvider struct {
	// Username is used without prompting when set.
	Username string

	in  *os.File
	out io.Writer

	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
	// reader wraps in for the username line.
	reader *bufio.Reader

	mu sync.Mutex
	// pending is the terminal read in progress, or one whose caller gave up
	// before it completed. Later callers take it over instead of starting a
	// second reader on the same descriptor.
	pending *pendingPrompt
}

type pendingPrompt struct {
	done   chan struct{}
	result promptResult
}

// NewPromptProvider returns a PromptProvider reading from in and writing
// prompts to out.
func NewPromptProvider(in *os.File, out io.Writer, username string) *PromptProvider {
	return &PromptProvider{
		Username:     username,
		in:           in,
		out:          out,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

type promptResult struct {
	creds Credentials
	err   error
}

// Credentials implements Provider.
func (p *PromptProvider) Credentials(ctx context.Context) (Credentials, error) {
	if p.in == nil || !p.isTerminal(int(p.in.Fd())) {
		return Credentials{}, fmt.Errorf("%w: interactive prompt requires a terminal", autherrors.ErrMissingCredentials)
	}

	// Terminal reads cannot be interrupted, so the read runs on its own
	// goroutine and a canceled caller simply stops waiting for it.
	pp := p.startPrompt()
	select {
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	case <-pp.done:
		p.mu.Lock()
		if p.pending == pp {
			p.pending = nil
		}
		p.mu.Unlock()
		return pp.result.creds, pp.result.err
	}
}

func (p *PromptProvider) startPrompt() *pendingPrompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return p.pending
	}
	pp := &pendingPrompt{done: make(chan struct{})}
	p.pending = pp
	go func() {
		creds, err := p.prompt()
		pp.result = promptResult{creds: creds, err: err}
		close(pp.done)
	}()
	return pp
}

func (p *PromptProvider) prompt() (Credentials, error) {
	username := p.Username
	if username == "" {
		if p.reader == nil {
			p.reader = bufio.NewReader(p.in)
		}
		_, _ = fmt.Fprint(p.out, "Username: ")
		line, err := p.reader.ReadString('\n')
		if err != nil && line == "" {
			return Credentials{}, fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}

	_, _ = fmt.Fprint(p.out, "Password: ")
	pw, err := p.readPassword(int(p.in.Fd()))
	_, _ = fmt.Fprintln(p.out)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read password: %w", err)
	}

	creds := Credentials{Username: username, Password: redaction.Secret(strings.TrimSpace(string(pw)))}
	if creds.Empty() {
		return Credentials{}, fmt.Errorf("%w: username and password are required", autherrors.ErrMissingCredentials)
	}
	return creds, nil
}
