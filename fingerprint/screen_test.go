package fingerprint_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/fingerprint"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/storage/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func fixedProbe(v string) fingerprint.Probe {
	return fingerprint.ProbeFunc(func(context.Context) (string, error) { return v, nil })
}

func generator(env fingerprint.Environment) *fingerprint.Generator {
	return fingerprint.NewGenerator(env,
		fingerprint.WithLogger(discard),
		fingerprint.WithProbes(fixedProbe("c"), fixedProbe("h"), fixedProbe("a")))
}

func baseEnv() fingerprint.Environment {
	return fingerprint.Environment{
		UserAgent:           "warden/1.0",
		Platform:            "linux/amd64",
		Language:            "en-GB",
		ColorDepth:          24,
		TimezoneName:        "UTC",
		HardwareConcurrency: 4,
		DurableStorage:      true,
		SessionStorage:      true,
	}
}

func TestPinScreen_RecordsFirstGeometry(t *testing.T) {
	kv := storage.NewAdapter(storage.ModeDurable, memory.NewStore(nil), storage.WithLogger(discard))

	detached := fingerprint.PinScreen(kv, baseEnv())
	assert.Zero(t, detached.ScreenWidth)
	_, ok := kv.Get(fingerprint.KeyScreen)
	assert.False(t, ok, "nothing is recorded without a terminal")

	env := baseEnv()
	env.SetScreen(80, 24)
	pinned := fingerprint.PinScreen(kv, env)
	assert.Equal(t, 80, pinned.ScreenWidth)
	assert.Equal(t, 23, pinned.AvailHeight)

	resized := baseEnv()
	resized.SetScreen(200, 60)
	pinned = fingerprint.PinScreen(kv, resized)
	assert.Equal(t, 80, pinned.ScreenWidth)
	assert.Equal(t, 24, pinned.ScreenHeight)
}

func TestPinScreen_RedirectedRunStillValidates(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewAdapter(storage.ModeDurable, memory.NewStore(nil), storage.WithLogger(discard))

	// Signed in from an 80x24 terminal.
	tty := baseEnv()
	tty.SetScreen(80, 24)
	signIn := session.NewManager(kv, generator(fingerprint.PinScreen(kv, tty)), session.WithLogger(discard))
	_, err := signIn.CreateSession(ctx)
	require.NoError(t, err)

	// A later run with output piped sees no terminal at all.
	piped := session.NewManager(kv, generator(fingerprint.PinScreen(kv, baseEnv())), session.WithLogger(discard))
	v := piped.ValidateSession(ctx)
	assert.True(t, v.Valid, v.Reason)

	// Without pinning the same run would be rejected.
	unpinned := session.NewManager(kv, generator(baseEnv()), session.WithLogger(discard))
	assert.False(t, unpinned.ValidateSession(ctx).Valid)
}
