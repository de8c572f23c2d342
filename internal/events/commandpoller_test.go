package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScriptedPoller(mode DiffMode, outputs []struct {
	stdout   string
	exitCode int
}) *CommandPoller {
	p := &CommandPoller{cfg: CommandPollerConfig{Command: "scripted", Interval: time.Hour, Mode: mode}}
	idx := 0
	p.runCommand = func(ctx context.Context) (string, int, error) {
		o := outputs[idx]
		if idx < len(outputs)-1 {
			idx++
		}
		return o.stdout, o.exitCode, nil
	}
	return p
}

func TestCommandPollerFirstRunEstablishesBaselineWithoutFiring(t *testing.T) {
	p := newScriptedPoller(DiffHash, []struct {
		stdout   string
		exitCode int
	}{{stdout: "v1"}})

	fired := false
	p.poll(context.Background(), func(ctx context.Context, payload Payload) { fired = true })

	assert.False(t, fired)
	assert.True(t, p.hasRun)
}

func TestCommandPollerHashModeFiresOnChangedOutput(t *testing.T) {
	p := newScriptedPoller(DiffHash, []struct {
		stdout   string
		exitCode int
	}{{stdout: "v1"}, {stdout: "v2"}})

	var fired []Payload
	trigger := func(ctx context.Context, payload Payload) { fired = append(fired, payload) }

	p.poll(context.Background(), trigger)
	p.poll(context.Background(), trigger)

	require.Len(t, fired, 1)
	assert.Equal(t, "v2", fired[0].Data["stdout"])
}

func TestCommandPollerHashModeDoesNotFireOnUnchangedOutput(t *testing.T) {
	p := newScriptedPoller(DiffHash, []struct {
		stdout   string
		exitCode int
	}{{stdout: "same"}, {stdout: "same"}})

	fireCount := 0
	trigger := func(ctx context.Context, payload Payload) { fireCount++ }

	p.poll(context.Background(), trigger)
	p.poll(context.Background(), trigger)

	assert.Equal(t, 0, fireCount)
}

func TestCommandPollerExitCodeModeFiresOnChangedCode(t *testing.T) {
	p := newScriptedPoller(DiffExitCode, []struct {
		stdout   string
		exitCode int
	}{{exitCode: 0}, {exitCode: 1}})

	fireCount := 0
	trigger := func(ctx context.Context, payload Payload) { fireCount++ }

	p.poll(context.Background(), trigger)
	p.poll(context.Background(), trigger)

	assert.Equal(t, 1, fireCount)
}

func TestCommandPollerFullModeComparesExactString(t *testing.T) {
	p := newScriptedPoller(DiffFull, []struct {
		stdout   string
		exitCode int
	}{{stdout: "abc"}, {stdout: "abcd"}})

	var fired []Payload
	trigger := func(ctx context.Context, payload Payload) { fired = append(fired, payload) }

	p.poll(context.Background(), trigger)
	p.poll(context.Background(), trigger)

	require.Len(t, fired, 1)
}

func TestCommandPollerStartStopLifecycle(t *testing.T) {
	p := NewCommandPoller(CommandPollerConfig{Command: "echo", Args: []string{"hi"}, Interval: time.Millisecond, Mode: DiffFull})

	err := p.Start(context.Background(), func(ctx context.Context, payload Payload) {})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Stop())
}
