// Package challenge asks the operator at the terminal to solve the CAPTCHA,
// type the login OTP and confirm clearing a competing session.
package challenge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gookit/color"
)

// ErrNoInput is returned when the input stream ends before an answer.
var ErrNoInput = errors.New("no answer entered")

// Terminal prompts on out and reads answers line by line from in. CAPTCHA
// images are written to ImageDir (the system temp dir when empty) so the
// operator can open them.
type Terminal struct {
	ImageDir string

	in  *bufio.Reader
	out io.Writer

	// lines carries answers from the single reader goroutine, so a
	// cancelled prompt does not lose the next line.
	once  sync.Once
	lines chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// NewTerminal creates a prompt reading from in and writing to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// NewStdio prompts on the process's standard streams.
func NewStdio() *Terminal {
	return NewTerminal(os.Stdin, os.Stdout)
}

// PresentCaptcha saves the image and waits for its text.
func (t *Terminal) PresentCaptcha(ctx context.Context, image []byte) (string, error) {
	path, err := t.saveImage(image)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, color.Cyan.Sprintf("CAPTCHA saved to %s", path))
	return t.ask(ctx, "Enter the CAPTCHA text: ")
}

// PresentOTPPrompt waits for the one-time password sent to the registered
// phone.
func (t *Terminal) PresentOTPPrompt(ctx context.Context) (string, error) {
	fmt.Fprintln(t.out)
	return t.ask(ctx, "Enter the OTP sent to your registered mobile: ")
}

// NotifyConflict tells the operator that another session is active and
// waits for confirmation before it is replaced.
func (t *Terminal) NotifyConflict(ctx context.Context) error {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, color.Yellow.Sprint("The portal reports another active session for this account."))
	answer, err := t.readLine(ctx, "Press Enter to log it out and continue, or type 'n' to stop: ")
	if err != nil {
		return err
	}
	if strings.EqualFold(answer, "n") || strings.EqualFold(answer, "no") {
		return errors.New("operator declined to replace the active session")
	}
	return nil
}

// ask repeats the prompt until a non-empty answer is given.
func (t *Terminal) ask(ctx context.Context, prompt string) (string, error) {
	for {
		answer, err := t.readLine(ctx, prompt)
		if err != nil {
			return "", err
		}
		if answer != "" {
			return answer, nil
		}
		fmt.Fprintln(t.out, color.Red.Sprint("An answer is required."))
	}
}

func (t *Terminal) readLine(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(t.out, color.Bold.Sprint(prompt))

	t.once.Do(func() {
		t.lines = make(chan lineResult)
		go t.readLoop()
	})

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	case r, ok := <-t.lines:
		if !ok {
			return "", ErrNoInput
		}
		return r.text, r.err
	}
}

func (t *Terminal) readLoop() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if err != nil {
			if line != "" {
				t.lines <- lineResult{text: line}
			}
			if !errors.Is(err, io.EOF) {
				t.lines <- lineResult{err: err}
			}
			return
		}
		t.lines <- lineResult{text: line}
	}
}

func (t *Terminal) saveImage(image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty captcha image")
	}
	dir := t.ImageDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "echarvest-captcha-*"+imageExt(image))
	if err != nil {
		return "", fmt.Errorf("save captcha image: %w", err)
	}
	if _, err := f.Write(image); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("save captcha image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}

func imageExt(b []byte) string {
	switch {
	case len(b) >= 8 && string(b[:8]) == "\x89PNG\r\n\x1a\n":
		return ".png"
	case len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return ".jpg"
	case len(b) >= 6 && (string(b[:6]) == "GIF87a" || string(b[:6]) == "GIF89a"):
		return ".gif"
	default:
		return ".img"
	}
}
