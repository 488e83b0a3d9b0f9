package media

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Source names what ffmpeg should capture. An empty Format means Input is a
// file path or URL that ffmpeg can detect on its own.
type Source struct {
	Format string
	Input  string
	// Realtime paces file input at its native rate, like a live device.
	Realtime bool
}

func (s Source) IsDevice() bool {
	return s.Format != ""
}

func (f *FFmpeg) captureArgs(source Source) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if source.Realtime {
		args = append(args, "-re")
	}
	if source.Format != "" {
		args = append(args, "-f", source.Format)
	}
	return append(args,
		"-i", source.Input,
		"-ac", "1",
		"-ar", fmt.Sprint(f.sampleRate),
		"-f", "s16le",
		"-",
	)
}

// PCMStream is a running ffmpeg capture producing mono signed 16-bit
// little-endian samples.
type PCMStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// FFmpegCapturePCM starts capturing source. The process is killed when ctx is
// done or the stream is closed.
func (f *FFmpeg) FFmpegCapturePCM(ctx context.Context, source Source) (*PCMStream, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegBinary, f.captureArgs(source)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	return &PCMStream{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReader(stdout),
	}, nil
}

// Read fills samples completely. It returns io.EOF once the source ends.
func (s *PCMStream) Read(samples []int16) error {
	err := binary.Read(s.reader, binary.LittleEndian, samples)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Close stops ffmpeg and waits for it to exit.
func (s *PCMStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.stdout.Close()

		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.closeErr = fmt.Errorf("waiting for ffmpeg: %w", err)
		}
	})
	return s.closeErr
}
