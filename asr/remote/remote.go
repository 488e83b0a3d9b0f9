package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/media"
	"github.com/K3das/turtle/utils"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// max response body size in bytes
const MaxResponseSize = 1024 * 1024

const frameFileName = "frame.wav"

type APIResponse[T any] struct {
	Result   *T    `json:"result"`
	Success  bool  `json:"success"`
	Errors   []any `json:"errors"`
	Messages []any `json:"messages"`
}

type LabelsResponse struct {
	Labels []string `json:"labels"`
}

type ClassifyResponse struct {
	// One score per label, in label order
	Scores []float64 `json:"scores"`
}

type ClassifierOptions struct {
	Endpoint  string `env:"ENDPOINT"`
	Token     string `env:"TOKEN"`
	ModelType string `env:"MODEL_TYPE" envDefault:"BROWSER_FFT"`

	// InputFormat is the ffmpeg input device format (pulse, alsa,
	// avfoundation...). Leave empty to stream a file from Input.
	InputFormat string `env:"INPUT_FORMAT" envDefault:"pulse"`
	Input       string `env:"INPUT" envDefault:"default"`

	// WindowSamples is the length of audio scored per frame.
	WindowSamples int `env:"WINDOW_SAMPLES" envDefault:"16000"`
}

// Classifier scores overlapping windows of captured audio on an HTTP
// classification endpoint.
type Classifier struct {
	log *zap.Logger

	endpoint  string
	token     string
	modelType string
	source    media.Source
	window    int

	ffmpeg  *media.FFmpeg
	http    *http.Client
	scratch afero.Fs

	mu        sync.Mutex
	labels    commands.Vocabulary
	listening bool
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ asr.Classifier = (*Classifier)(nil)

type ClassifierExtraOptions func(*Classifier)

func WithHTTPClient(client *http.Client) ClassifierExtraOptions {
	return func(c *Classifier) {
		c.http = client
	}
}

func WithFFmpeg(ffmpeg *media.FFmpeg) ClassifierExtraOptions {
	return func(c *Classifier) {
		c.ffmpeg = ffmpeg
	}
}

func NewClassifier(parentLogger *zap.Logger, options ClassifierOptions, extraOptions ...ClassifierExtraOptions) (*Classifier, error) {
	if options.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is empty")
	}
	if _, err := url.Parse(options.Endpoint); err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if options.WindowSamples <= 0 {
		options.WindowSamples = media.DefaultSampleRate
	}

	c := &Classifier{
		log:       parentLogger.Named("asr_remote"),
		endpoint:  options.Endpoint,
		token:     options.Token,
		modelType: options.ModelType,
		source: media.Source{
			Format:   options.InputFormat,
			Input:    options.Input,
			Realtime: options.InputFormat == "",
		},
		window:  options.WindowSamples,
		ffmpeg:  media.NewFFmpeg(),
		http:    http.DefaultClient,
		scratch: afero.NewMemMapFs(),
	}
	for _, option := range extraOptions {
		option(c)
	}

	return c, nil
}

func (c *Classifier) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u, err := url.JoinPath(c.endpoint, path)
	if err != nil {
		return nil, fmt.Errorf("building url: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func do[T any](c *Classifier, req *http.Request) (*T, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-ok http response: [%d] %s", resp.StatusCode, resp.Status)
	}

	body, err := utils.ReadAllLimit(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var apiResp APIResponse[T]
	err = json.Unmarshal(body, &apiResp)
	if err != nil {
		return nil, fmt.Errorf("decoding response json: %w", err)
	}

	if !apiResp.Success {
		return nil, fmt.Errorf("request unsuccessful: %v", apiResp.Errors)
	}
	if apiResp.Result == nil {
		return nil, fmt.Errorf("nil result")
	}

	return apiResp.Result, nil
}

// EnsureModelLoaded fetches the model's vocabulary. It is a no-op once the
// labels are known.
func (c *Classifier) EnsureModelLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.labels != nil {
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, "labels", url.Values{"model": {c.modelType}}, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", asr.ErrModelLoad, err)
	}

	resp, err := do[LabelsResponse](c, req)
	if err != nil {
		return fmt.Errorf("%w: fetching labels: %w", asr.ErrModelLoad, err)
	}
	if len(resp.Labels) == 0 {
		return fmt.Errorf("%w: model has no labels", asr.ErrModelLoad)
	}

	c.labels = resp.Labels
	c.log.With(zap.String("model", c.modelType), zap.Int("labels", len(c.labels))).Info("model loaded")
	return nil
}

func (c *Classifier) WordLabels() commands.Vocabulary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.labels
}

func (c *Classifier) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Listen starts ffmpeg and scores a window every hop. The stream outlives
// ctx's cancellation and only ends with StopListening or the end of a file
// source.
func (c *Classifier) Listen(ctx context.Context, onFrame asr.FrameFunc, onEnd asr.EndFunc, options asr.ListenOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.labels == nil {
		return asr.ErrModelNotLoaded
	}
	if c.listening {
		return asr.ErrAlreadyListening
	}

	if !c.source.IsDevice() {
		info, err := c.ffmpeg.FFprobeSource(ctx, c.source.Input)
		if err != nil {
			return fmt.Errorf("probing source: %w", err)
		}
		c.log.With(zap.String("input", c.source.Input), zap.Float64("duration", info.Duration)).Info("streaming file source")
	}

	if c.cancel != nil {
		// previous file source ran out on its own
		c.cancel()
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.ffmpeg.FFmpegCapturePCM(streamCtx, c.source)
	if err != nil {
		cancel()
		return fmt.Errorf("starting capture: %w", err)
	}

	c.listening = true
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.stream(streamCtx, stream, onFrame, onEnd, options, c.done)

	return nil
}

func (c *Classifier) stream(ctx context.Context, stream *media.PCMStream, onFrame asr.FrameFunc, onEnd asr.EndFunc, options asr.ListenOptions, done chan struct{}) {
	log := utils.GetLogFromContext(ctx, c.log)

	var streamErr error
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn("closing capture", zap.Error(err))
		}
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		close(done)

		// stopped streams don't report back
		if ctx.Err() == nil && onEnd != nil {
			onEnd(streamErr)
		}
	}()
	defer utils.PanicRecovery(log)

	streamErr = c.classifyStream(ctx, stream, onFrame, options)
}

// classifyStream scores windows until the capture ends. A clean end of input
// returns nil.
func (c *Classifier) classifyStream(ctx context.Context, stream *media.PCMStream, onFrame asr.FrameFunc, options asr.ListenOptions) error {
	log := utils.GetLogFromContext(ctx, c.log)

	window := media.NewWindow(c.window)
	hop := make([]int16, media.HopSize(c.window, options.OverlapFactor))

	for {
		err := stream.Read(hop)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			log.Info("capture ended")
			return nil
		} else if err != nil {
			return fmt.Errorf("reading capture: %w", err)
		}

		window.Add(hop)
		if !window.Full() {
			continue
		}

		scores, err := c.classify(ctx, window.Read(), options)
		if ctx.Err() != nil {
			return nil
		} else if err != nil {
			log.Warn("classifying frame", zap.Error(err))
			continue
		}

		if options.Passes(scores) {
			onFrame(scores)
		}
	}
}

func (c *Classifier) classify(ctx context.Context, samples []int16, options asr.ListenOptions) (commands.ScoreVector, error) {
	data, err := c.encodeWAV(samples)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	query := url.Values{"model": {c.modelType}}
	if options.IncludeSpectrogram {
		query.Set("include_spectrogram", "true")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "classify", query, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := do[ClassifyResponse](c, req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	return resp.Scores, nil
}

// encodeWAV writes samples as a mono 16-bit WAV through the in-memory
// scratch filesystem, since the encoder needs to seek back to its header.
func (c *Classifier) encodeWAV(samples []int16) ([]byte, error) {
	f, err := c.scratch.Create(frameFileName)
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}
	defer f.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	sampleRate := c.ffmpeg.SampleRate()
	encoder := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	err = encoder.Write(&audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("writing samples: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("finalizing wav: %w", err)
	}

	return afero.ReadFile(c.scratch, frameFileName)
}

// StopListening stops capture and waits for the stream goroutine to exit.
func (c *Classifier) StopListening() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
