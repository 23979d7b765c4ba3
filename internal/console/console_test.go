package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reclaimr/internal/aggregate"
	"github.com/loykin/reclaimr/internal/negotiate"
)

var chrome = negotiate.Suggestion{
	Group:         aggregate.Group{Name: "chrome", Count: 3, CPUPercent: 4.5, MemoryMB: 900},
	Score:         904.5,
	Justification: "low priority (2.00)",
}

func TestAskAcceptReject(t *testing.T) {
	tests := []struct {
		in   string
		want negotiate.Decision
	}{
		{"a\n", negotiate.Accept},
		{"Accept\n", negotiate.Accept},
		{"r\n", negotiate.Reject},
		{"x\n", negotiate.Exit},
		{"maybe\n2\n", negotiate.Reject},
		{"exit", negotiate.Exit},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.in), func(t *testing.T) {
			var out bytes.Buffer
			p := NewWithIO(strings.NewReader(tt.in), &out)
			d, err := p.AskAcceptReject(context.Background(), chrome)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
			assert.Contains(t, out.String(), `close "chrome" (3 instances)`)
		})
	}
}

func TestAskContinue(t *testing.T) {
	p := NewWithIO(strings.NewReader("\nn\nwhat\ny\n"), &bytes.Buffer{})
	ctx := context.Background()

	for _, want := range []bool{true, false, true} {
		got, err := p.AskContinue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := p.AskContinue(ctx)
	assert.ErrorIs(t, err, ErrNoAnswer)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWithIO(strings.NewReader("a\n"), &bytes.Buffer{}).AskAcceptReject(ctx, chrome)
	assert.ErrorIs(t, err, context.Canceled)
}

// A full session driven through the console.
type fixedGroups map[string]aggregate.Group

func (f fixedGroups) Groups(context.Context) (map[string]aggregate.Group, error) { return f, nil }

type highUsage struct{}

func (highUsage) MemoryPercent(context.Context) (float64, error) { return 90, nil }

func TestSessionOverConsole(t *testing.T) {
	groups := fixedGroups{"chrome": {Name: "chrome", PIDs: []int32{1}, Count: 1, Priority: 1, PriorityKnown: true}}
	p := NewWithIO(strings.NewReader("r\nn\n"), &bytes.Buffer{})
	e := negotiate.New(negotiate.DefaultConfig(), groups, highUsage{}, p, nil)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, negotiate.UserStopped, res.Outcome)
	assert.Equal(t, []string{"chrome"}, res.Rejected)
}
