package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// ClearProgress is the escape sequence that erases the line written by a
// ProgressPrinter.
const ClearProgress = "\033[2K\r"

// HandleFatalError prints the error and exits. Friendly errors are printed
// as is, everything else is logged with its full context.
func HandleFatalError(err error) {
	if msg, ok := errors.GetFriendlyMessage(err); ok {
		fmt.Fprintln(os.Stderr, msg)
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred directly.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Errorf("Unexpected crash. Stack trace:\n%s", debug.Stack())
		exit(1)
	}
}

// PromptYesOrNo asks the user a yes or no question. Anything other than an
// explicit yes is treated as no.
func PromptYesOrNo(prompt string) (bool, error) {
	fmt.Fprintf(stdout, "%s (y/N) ", prompt)
	reply, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, errors.WithContext(err, "read reply")
	}

	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// ProgressPrinter prints a message followed by a growing row of dots until
// it's stopped.
type ProgressPrinter struct {
	out  io.Writer
	msg  string
	stop chan string
	done chan struct{}
}

// NewProgressPrinter returns a ProgressPrinter that writes to `out`. It
// doesn't print anything until Run is called.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:  out,
		msg:  msg,
		stop: make(chan string),
		done: make(chan struct{}),
	}
}

// Run prints the progress message until Stop is called.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)

	fmt.Fprint(pp.out, pp.msg)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		case final := <-pp.stop:
			fmt.Fprint(pp.out, final)
			return
		}
	}
}

// Stop stops the printer and ends the progress line.
func (pp *ProgressPrinter) Stop() {
	pp.StopWithPrint("\n")
}

// StopWithPrint stops the printer and writes `final`. Pass ClearProgress to
// erase the progress line.
func (pp *ProgressPrinter) StopWithPrint(final string) {
	pp.stop <- final
	<-pp.done
}

// StateString returns the colored name of a transfer state.
func StateString(state transfer.State) string {
	var color int
	switch state {
	case transfer.Acknowledged:
		color = goterm.GREEN
	case transfer.Failed:
		color = goterm.RED
	case transfer.Pending:
		color = goterm.BLACK
	default:
		color = goterm.YELLOW
	}
	return goterm.Color(state.String(), color)
}
