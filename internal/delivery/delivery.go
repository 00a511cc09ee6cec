// Package delivery decides whether and how a generated reply reaches the
// transport. Auto sends straight away; Confirm asks on the console first.
package delivery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stupiduntilnot/replybot/internal/commander"
	"github.com/stupiduntilnot/replybot/internal/control"
)

// ConfirmPrompt is printed after each proposed reply.
const ConfirmPrompt = "Do you want to send the message? [y/N]\t"

var (
	// ErrDeclined is returned when the operator does not approve a reply.
	ErrDeclined = errors.New("delivery declined")
	// ErrInputClosed is returned when the console can no longer answer.
	ErrInputClosed = errors.New("console input closed")
)

// Auto delivers every reply without asking.
type Auto struct {
	Sender  commander.Sender
	Timeout time.Duration
}

func (a Auto) Deliver(ctx context.Context, key, text string) error {
	ctx, cancel := control.WithTimeout(ctx, a.Timeout)
	defer cancel()
	return a.Sender.Deliver(ctx, key, text)
}

// Confirm shows each reply on out and sends it only after a "y" answer
// read from in. Prompts for different conversations are shown one at a
// time; each prompt consumes exactly one answer line.
type Confirm struct {
	sender  commander.Sender
	timeout time.Duration
	out     io.Writer

	console chan struct{}
	lines   chan string
}

// NewConfirm starts reading answer lines from in. The reader goroutine
// exits when in reaches EOF or fails.
func NewConfirm(sender commander.Sender, in io.Reader, out io.Writer, timeout time.Duration) *Confirm {
	c := &Confirm{
		sender:  sender,
		timeout: timeout,
		out:     out,
		console: make(chan struct{}, 1),
		lines:   make(chan string),
	}
	go c.readLines(in)
	return c
}

func (c *Confirm) readLines(in io.Reader) {
	defer close(c.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
}

func (c *Confirm) Deliver(ctx context.Context, key, text string) error {
	select {
	case c.console <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	answer, err := c.ask(ctx, key, text)
	<-c.console
	if err != nil {
		return err
	}
	if !approved(answer) {
		return ErrDeclined
	}

	ctx, cancel := control.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.sender.Deliver(ctx, key, text)
}

func (c *Confirm) ask(ctx context.Context, key, text string) (string, error) {
	if _, err := fmt.Fprintf(c.out, "\n[%s]\n%s\n\n%s", key, text, ConfirmPrompt); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", ErrInputClosed
		}
		return line, nil
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	}
}

func approved(answer string) bool {
	a := strings.TrimSpace(answer)
	return a == "y" || a == "Y"
}
