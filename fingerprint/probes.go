package fingerprint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/warden/internal/clock"
)

// Probe samples one side-channel signal. A probe that cannot produce a value
// returns an error; the generator substitutes a sentinel.
type Probe interface {
	Sample(ctx context.Context) (string, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (string, error)

func (f ProbeFunc) Sample(ctx context.Context) (string, error) { return f(ctx) }

// Sentinels recorded in place of probe values that could not be sampled.
const (
	SentinelCanvasError      = "canvas-error"
	SentinelHardwareMissing  = "webgl-unsupported"
	SentinelAudioError       = "audio-error"
	SentinelAudioTimeout     = "audio-timeout"
	defaultAudioProbeTimeout = time.Second
)

// ErrUnsupported is returned by probes that have nothing to measure on this
// platform.
var ErrUnsupported = errors.New("probe unsupported on this platform")

// RenderProbe rasterises a fixed scene offscreen and hashes the encoded
// image. Differences in the image and compression stack of the build show
// up in the hash.
type RenderProbe struct{}

func (RenderProbe) Sample(ctx context.Context) (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, 220, 60))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{0xf6, 0x60, 0x00, 0xff}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(125, 1, 187, 21), &image.Uniform{color.RGBA{0x06, 0x90, 0x00, 0xff}}, image.Point{}, draw.Src)

	// Translucent disc composited over the background.
	disc := image.NewAlpha(img.Bounds())
	cx, cy, r := 60.0, 30.0, 24.0
	for y := 0; y < 60; y++ {
		for x := 0; x < 220; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			if d <= r {
				disc.SetAlpha(x, y, color.Alpha{A: uint8(180 - 100*d/r)})
			}
		}
	}
	draw.DrawMask(img, img.Bounds(), &image.Uniform{color.RGBA{0x66, 0xcc, 0x00, 0xff}}, image.Point{}, disc, image.Point{}, draw.Over)

	// Glyph-like strokes standing in for the probe text.
	for i, ch := range "Warden,probe <1.0>" {
		x0 := 4 + i*11
		for k := 0; k < 9; k++ {
			y := 40 + (int(ch)*(k+1))%14
			img.Set(x0+k%8, y, color.RGBA{uint8(ch), uint8(ch * 3), 0x66, 0xb3})
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding render probe: %w", err)
	}
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	sum := sha256.Sum256([]byte(dataURI))
	return hex.EncodeToString(sum[:]), nil
}

// HardwareProbe reports a vendor/renderer style identity string for the
// machine: the CPU architecture and the platform hardware UUID.
type HardwareProbe struct {
	// Lookup overrides the platform identity lookup. Nil uses the OS.
	Lookup func(ctx context.Context) (string, error)
}

func (p HardwareProbe) Sample(ctx context.Context) (string, error) {
	lookup := p.Lookup
	if lookup == nil {
		lookup = hardwareID
	}
	id, err := lookup(ctx)
	if err != nil {
		return "", err
	}
	return runtime.GOARCH + "~" + id, nil
}

func hardwareID(ctx context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if b, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(b)); id != "" {
					return id, nil
				}
			}
		}
		return "", errors.New("no machine id found on linux")
	case "darwin":
		out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(out), "\n") {
			if strings.Contains(line, "IOPlatformUUID") {
				parts := strings.Split(line, "\"")
				if len(parts) >= 4 {
					return parts[3], nil
				}
			}
		}
		return "", errors.New("no IOPlatformUUID found")
	case "windows":
		out, err := exec.CommandContext(ctx, "wmic", "csproduct", "get", "UUID").Output()
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(out), "\n") {
			s := strings.TrimSpace(line)
			if s != "" && !strings.EqualFold(s, "UUID") {
				return s, nil
			}
		}
		return "", errors.New("no hardware UUID found on windows")
	default:
		return "", ErrUnsupported
	}
}

// OscillatorProbe runs a muted triangle oscillator through a compressor
// stage and sums a window of the output. Floating point differences between
// CPUs and math implementations change the sum. The sample is bounded by
// Timeout; when it elapses the probe reports SentinelAudioTimeout instead of
// blocking the caller.
type OscillatorProbe struct {
	Timeout time.Duration
	Clock   clock.Clock
	// Render overrides the signal computation. Nil uses the built-in oscillator.
	Render func(ctx context.Context) (float64, error)
}

func (p OscillatorProbe) Sample(ctx context.Context) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultAudioProbeTimeout
	}
	render := p.Render
	if render == nil {
		render = renderOscillator
	}
	clk := clock.OrReal(p.Clock)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		sum float64
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := render(ctx)
		done <- result{sum, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return strconv.FormatFloat(res.sum, 'f', -1, 64), nil
	case <-clk.After(timeout):
		return SentinelAudioTimeout, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

const (
	sampleRate     = 44100
	oscillatorFreq = 10000
	renderLength   = 5000
	windowStart    = 4500
)

// renderOscillator mirrors an offline audio graph: triangle oscillator ->
// dynamics compressor -> muted destination.
func renderOscillator(ctx context.Context) (float64, error) {
	const (
		threshold = -50.0
		knee      = 40.0
		ratio     = 12.0
		attack    = 0.0
		release   = 0.25
	)
	envelope := 0.0
	attackCoef := math.Exp(-1 / (sampleRate * math.Max(attack, 1e-4)))
	releaseCoef := math.Exp(-1 / (sampleRate * release))

	var sum float64
	for i := 0; i < renderLength; i++ {
		if i%1000 == 0 && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		phase := math.Mod(float64(i)*oscillatorFreq/sampleRate, 1)
		x := 4*math.Abs(phase-0.5) - 1

		level := 20 * math.Log10(math.Max(math.Abs(x), 1e-9))
		var over float64
		switch {
		case level < threshold-knee/2:
			over = 0
		case level > threshold+knee/2:
			over = level - threshold
		default:
			d := level - threshold + knee/2
			over = d * d / (2 * knee)
		}
		gainReduction := over * (1 - 1/ratio)
		if gainReduction > envelope {
			envelope = attackCoef*envelope + (1-attackCoef)*gainReduction
		} else {
			envelope = releaseCoef*envelope + (1-releaseCoef)*gainReduction
		}
		y := x * math.Pow(10, -envelope/20)

		if i >= windowStart {
			sum += math.Abs(y)
		}
	}
	return sum, nil
}
