package media

import (
	"time"
)

const DefaultFFmpegBinary = "ffmpeg"
const DefaultFFprobeBinary = "ffprobe"

// DefaultCommandTimeout bounds one-shot commands such as probing. Capture
// streams run until they are closed.
const DefaultCommandTimeout = time.Second * 30

// DefaultSampleRate matches what speech command models are trained on.
const DefaultSampleRate = 16000

type FFmpegOptions func(*FFmpeg)

type FFmpeg struct {
	ffmpegBinary   string
	ffprobeBinary  string
	commandTimeout time.Duration
	sampleRate     int
}

func WithFFmpegBinary(ffmpegBinary string) FFmpegOptions {
	return func(f *FFmpeg) {
		f.ffmpegBinary = ffmpegBinary
	}
}

func WithFFprobeBinary(ffprobeBinary string) FFmpegOptions {
	return func(f *FFmpeg) {
		f.ffprobeBinary = ffprobeBinary
	}
}

func WithCommandTimeout(timeout time.Duration) FFmpegOptions {
	return func(f *FFmpeg) {
		f.commandTimeout = timeout
	}
}

func WithSampleRate(rate int) FFmpegOptions {
	return func(f *FFmpeg) {
		f.sampleRate = rate
	}
}

func NewFFmpeg(options ...FFmpegOptions) *FFmpeg {
	ffmpeg := &FFmpeg{
		ffmpegBinary:   DefaultFFmpegBinary,
		ffprobeBinary:  DefaultFFprobeBinary,
		commandTimeout: DefaultCommandTimeout,
		sampleRate:     DefaultSampleRate,
	}

	for _, option := range options {
		option(ffmpeg)
	}

	return ffmpeg
}

func (f *FFmpeg) SampleRate() int {
	return f.sampleRate
}
