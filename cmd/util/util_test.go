package util

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/buger/goterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

func mockExit(t *testing.T) *int {
	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = os.Exit })
	return &code
}

func TestHandleFatalError(t *testing.T) {
	code := mockExit(t)
	HandleFatalError(errors.NewFriendlyError("no nodes configured"))
	assert.Equal(t, 1, *code)

	*code = -1
	HandleFatalError(errors.New("boom"))
	assert.Equal(t, 1, *code)
}

func TestHandlePanic(t *testing.T) {
	code := mockExit(t)
	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, 1, *code)

	*code = -1
	func() {
		defer HandlePanic()
	}()
	assert.Equal(t, -1, *code)
}

func TestPromptYesOrNo(t *testing.T) {
	tests := []struct {
		input string
		exp   bool
	}{
		{"y\n", true},
		{"Yes\n", true},
		{"  YES  \n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
		{"y", true},
		{"", false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.input, func(t *testing.T) {
			var out bytes.Buffer
			stdin = strings.NewReader(test.input)
			stdout = &out

			reply, err := PromptYesOrNo("Trust this key?")
			require.NoError(t, err)
			assert.Equal(t, test.exp, reply)
			assert.Equal(t, "Trust this key? (y/N) ", out.String())
		})
	}
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	pp := NewProgressPrinter(&out, "Pushing")
	go pp.Run()
	pp.StopWithPrint(ClearProgress)

	assert.True(t, strings.HasPrefix(out.String(), "Pushing"))
	assert.True(t, strings.HasSuffix(out.String(), ClearProgress))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, goterm.Color("acknowledged", goterm.GREEN), StateString(transfer.Acknowledged))
	assert.Equal(t, goterm.Color("failed", goterm.RED), StateString(transfer.Failed))
	assert.Equal(t, goterm.Color("sent", goterm.YELLOW), StateString(transfer.Sent))
}
