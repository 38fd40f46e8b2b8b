package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-audio/wav"
)

// AudioInfo is what a probe learns about an upload.
type AudioInfo struct {
	DurationSeconds float64
	SampleRate      int
	Channels        int
	Bitrate         int
}

// Prober extracts audio metadata from raw upload bytes.
type Prober interface {
	Probe(ctx context.Context, data []byte, mime string) (*AudioInfo, error)
}

// defaultProber decodes WAV natively and shells out to ffprobe for
// compressed formats, estimating from size when ffprobe is unavailable.
type defaultProber struct{}

func (defaultProber) Probe(ctx context.Context, data []byte, mime string) (*AudioInfo, error) {
	if mime == "audio/wav" {
		return probeWAV(data)
	}
	info, err := probeFFprobe(ctx, data)
	if err == nil {
		return info, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return estimateCompressed(data), nil
	}
	return nil, err
}

func probeWAV(data []byte) (*AudioInfo, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav header")
	}
	dur, err := dec.Duration()
	if err != nil {
		return nil, fmt.Errorf("wav duration: %w", err)
	}
	rate := int(dec.SampleRate)
	ch := int(dec.NumChans)
	return &AudioInfo{
		DurationSeconds: dur.Seconds(),
		SampleRate:      rate,
		Channels:        ch,
		Bitrate:         rate * ch * int(dec.BitDepth),
	}, nil
}

func probeFFprobe(ctx context.Context, data []byte) (*AudioInfo, error) {
	tmp, err := os.CreateTemp("", "probe-*")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration,bit_rate:stream=sample_rate,channels",
		"-of", "json", tmp.Name())
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			SampleRate string `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}

	dur, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || dur <= 0 {
		return nil, fmt.Errorf("no duration in ffprobe output")
	}
	info := &AudioInfo{DurationSeconds: dur}
	if br, err := strconv.Atoi(parsed.Format.BitRate); err == nil {
		info.Bitrate = br
	}
	if len(parsed.Streams) > 0 {
		if sr, err := strconv.Atoi(parsed.Streams[0].SampleRate); err == nil {
			info.SampleRate = sr
		}
		info.Channels = parsed.Streams[0].Channels
	}
	return info, nil
}

// estimateCompressed approximates duration for compressed audio from the
// byte count at a nominal 128 kbit/s.
func estimateCompressed(data []byte) *AudioInfo {
	const nominalBitrate = 128_000
	return &AudioInfo{
		DurationSeconds: float64(len(data)*8) / nominalBitrate,
		Bitrate:         nominalBitrate,
	}
}
