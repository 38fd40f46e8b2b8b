package intake

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/snarg/gijiroku/internal/storage"
	"github.com/snarg/gijiroku/internal/store"
)

type fakeProber struct {
	info *AudioInfo
	err  error
}

func (f *fakeProber) Probe(ctx context.Context, data []byte, mime string) (*AudioInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.info != nil {
		return f.info, nil
	}
	return &AudioInfo{DurationSeconds: 10}, nil
}

func testService(t *testing.T, maxBytes int64, probe Prober) (*Service, *store.Store, *storage.LocalStore) {
	t.Helper()
	st, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	files, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return NewService(st, files, maxBytes, probe, zerolog.Nop()), st, files
}

func wavBytes(t *testing.T, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gen.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 64) * 100
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

func m4aBytes() []byte {
	b := []byte{0, 0, 0, 0x20}
	b = append(b, []byte("ftypM4A ")...)
	return append(b, make([]byte, 24)...)
}

func mp3Bytes() []byte {
	b := []byte("ID3\x03\x00\x00\x00\x00\x00\x00")
	return append(b, make([]byte, 64)...)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError %s", err, code)
	}
	if ve.Code != code {
		t.Errorf("code = %s, want %s", ve.Code, code)
	}
}

func TestAcceptRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty_file", func(t *testing.T) {
		svc, _, _ := testService(t, 1<<20, &fakeProber{})
		_, _, err := svc.Accept(ctx, "a.wav", nil, "meeting")
		wantCode(t, err, CodeEmptyFile)
	})

	t.Run("size_boundary_inclusive", func(t *testing.T) {
		data := wavBytes(t, 4096)
		svc, _, _ := testService(t, int64(len(data)), &fakeProber{})
		if _, _, err := svc.Accept(ctx, "a.wav", data, "meeting"); err != nil {
			t.Errorf("exact-limit upload rejected: %v", err)
		}
	})

	t.Run("over_limit", func(t *testing.T) {
		data := wavBytes(t, 4096)
		svc, _, _ := testService(t, int64(len(data))-1, &fakeProber{})
		_, _, err := svc.Accept(ctx, "a.wav", data, "meeting")
		wantCode(t, err, CodeFileTooLarge)
	})

	t.Run("unknown_extension", func(t *testing.T) {
		svc, _, _ := testService(t, 1<<20, &fakeProber{})
		_, _, err := svc.Accept(ctx, "notes.flac", wavBytes(t, 256), "meeting")
		wantCode(t, err, CodeInvalidFormat)
	})

	t.Run("content_extension_mismatch", func(t *testing.T) {
		svc, _, _ := testService(t, 1<<20, &fakeProber{})
		_, _, err := svc.Accept(ctx, "song.mp3", wavBytes(t, 256), "meeting")
		wantCode(t, err, CodeInvalidFormat)
	})

	t.Run("corrupt_audio", func(t *testing.T) {
		svc, st, files := testService(t, 1<<20, &fakeProber{err: errors.New("bad stream")})
		_, _, err := svc.Accept(ctx, "a.wav", wavBytes(t, 256), "meeting")
		wantCode(t, err, CodeCorruptFile)

		// Nothing persisted.
		jobs, _ := st.ListJobs(ctx, store.ListFilter{})
		if len(jobs) != 0 {
			t.Errorf("job persisted after rejection")
		}
		entries, _ := os.ReadDir(files.Dir())
		if len(entries) != 0 {
			t.Errorf("file persisted after rejection: %v", entries)
		}
	})
}

func TestAcceptStoresJobAndFile(t *testing.T) {
	ctx := context.Background()
	svc, st, files := testService(t, 1<<20, &fakeProber{info: &AudioInfo{
		DurationSeconds: 42.5, SampleRate: 16000, Channels: 1, Bitrate: 256000,
	}})

	data := wavBytes(t, 2048)
	job, dedup, err := svc.Accept(ctx, "定例会議.wav", data, "meeting")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if dedup {
		t.Error("fresh upload reported as duplicate")
	}
	if job.Status != store.StatusUploaded {
		t.Errorf("Status = %q", job.Status)
	}
	if job.MimeType != "audio/wav" {
		t.Errorf("MimeType = %q", job.MimeType)
	}
	if job.FileSize != int64(len(data)) {
		t.Errorf("FileSize = %d", job.FileSize)
	}

	if !files.Exists(job.StoredFilename) {
		t.Errorf("stored file missing: %s", job.StoredFilename)
	}
	rc, err := files.Open(job.StoredFilename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	var got bytes.Buffer
	if _, err := got.ReadFrom(rc); err != nil {
		t.Fatalf("read stored: %v", err)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Error("stored bytes differ from upload")
	}

	res, err := st.GetResults(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if res.Audio == nil || res.Audio.DurationSeconds != 42.5 {
		t.Errorf("audio meta = %+v", res.Audio)
	}
}

func TestAcceptDedup(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := testService(t, 1<<20, &fakeProber{})
	data := wavBytes(t, 1024)

	first, _, err := svc.Accept(ctx, "a.wav", data, "meeting")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	second, dedup, err := svc.Accept(ctx, "copy.wav", data, "meeting")
	if err != nil {
		t.Fatalf("Accept duplicate: %v", err)
	}
	if !dedup || second.ID != first.ID {
		t.Errorf("dedup = %v, id = %s, want existing %s", dedup, second.ID, first.ID)
	}

	// Same content for a different usage type is a new job.
	third, dedup, err := svc.Accept(ctx, "a.wav", data, "interview")
	if err != nil {
		t.Fatalf("Accept interview: %v", err)
	}
	if dedup || third.ID == first.ID {
		t.Errorf("usage types share a job: %s", third.ID)
	}
}

func TestMimeNormalization(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		file string
		data []byte
		want string
	}{
		{"m4a", "rec.m4a", m4aBytes(), "audio/m4a"},
		{"mp4_audio_becomes_m4a", "rec.mp4", m4aBytes(), "audio/m4a"},
		{"mp3", "rec.mp3", mp3Bytes(), "audio/mp3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := testService(t, 1<<20, &fakeProber{})
			job, _, err := svc.Accept(ctx, tc.file, tc.data, "meeting")
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if job.MimeType != tc.want {
				t.Errorf("MimeType = %q, want %q", job.MimeType, tc.want)
			}
		})
	}
}

func TestProbeWAV(t *testing.T) {
	data := wavBytes(t, 16000) // one second at 16 kHz mono
	info, err := probeWAV(data)
	if err != nil {
		t.Fatalf("probeWAV: %v", err)
	}
	if info.DurationSeconds < 0.9 || info.DurationSeconds > 1.1 {
		t.Errorf("DurationSeconds = %f, want ~1.0", info.DurationSeconds)
	}
	if info.SampleRate != 16000 || info.Channels != 1 {
		t.Errorf("rate/channels = %d/%d", info.SampleRate, info.Channels)
	}

	if _, err := probeWAV([]byte("not audio at all")); err == nil {
		t.Error("garbage accepted as wav")
	}
}
