package push

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Permission is the user's decision about notifications.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ErrUndecided is returned by a Prompter that cannot ask the user.
var ErrUndecided = errors.New("push: notification permission not decided")

// Prompter asks the user for notification permission.
type Prompter interface {
	Prompt(ctx context.Context) (Permission, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context) (Permission, error)

func (f PrompterFunc) Prompt(ctx context.Context) (Permission, error) { return f(ctx) }

// ConfiguredPrompter answers from the notification_permission setting.
// "prompt" cannot be answered non-interactively and yields ErrUndecided.
func ConfiguredPrompter(setting string) Prompter {
	return PrompterFunc(func(context.Context) (Permission, error) {
		switch Permission(strings.ToLower(setting)) {
		case PermissionGranted:
			return PermissionGranted, nil
		case PermissionDenied:
			return PermissionDenied, nil
		}
		return "", ErrUndecided
	})
}

// TerminalPrompter asks a yes/no question on out and reads the answer from in.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p TerminalPrompter) Prompt(ctx context.Context) (Permission, error) {
	fmt.Fprint(p.Out, "Allow progress notifications (reminders and update alerts)? [y/N]: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return "", a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return PermissionGranted, nil
		}
		return PermissionDenied, nil
	}
}
