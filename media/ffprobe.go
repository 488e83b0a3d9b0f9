package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

var ErrFFprobeDurationInvalid = fmt.Errorf("got no packets from ffprobe, likely a bad file")

type Packet struct {
	CodecType    string `json:"codec_type"`
	StreamIndex  int    `json:"stream_index"`
	PtsTime      string `json:"pts_time"`
	DurationTime string `json:"duration_time"`

	ParsedPtsTime      float64 `json:"-"`
	ParsedDurationTime float64 `json:"-"`
}

type FFprobePacketsOutput struct {
	Packets []Packet `json:"packets"`
}

// SourceInfo describes a file source before it is streamed.
type SourceInfo struct {
	Duration     float64
	AudioPackets int
}

func (f *FFmpeg) ffprobeGetPacketsFromFile(ctx context.Context, filePath string) ([]Packet, error) {
	cmd := exec.CommandContext(ctx,
		f.ffprobeBinary,
		"-i", filePath,
		"-v", "error",
		"-select_streams", "a",
		"-print_format", "json",
		"-show_entries", "packet=codec_type,stream_index,pts_time,duration_time",
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe: %w", err)
	}

	return parsePackets(output)
}

func parsePackets(output []byte) ([]Packet, error) {
	var response FFprobePacketsOutput
	err := json.Unmarshal(output, &response)
	if err != nil {
		return nil, fmt.Errorf("parsing ffprobe json response: %w", err)
	}

	for i := range response.Packets {
		packet := &response.Packets[i]

		packet.ParsedPtsTime, err = strconv.ParseFloat(packet.PtsTime, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing PtsTime: %w", err)
		}
		packet.ParsedDurationTime, err = strconv.ParseFloat(packet.DurationTime, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing DurationTime: %w", err)
		}
	}

	return response.Packets, nil
}

// sourceInfoFromPackets measures duration as `max pts time + duration time`,
// which holds for containers without duration metadata.
func sourceInfoFromPackets(packets []Packet) (*SourceInfo, error) {
	if len(packets) == 0 {
		return nil, ErrFFprobeDurationInvalid
	}

	last := packets[0]
	for _, packet := range packets[1:] {
		if packet.ParsedPtsTime > last.ParsedPtsTime {
			last = packet
		}
	}

	return &SourceInfo{
		Duration:     last.ParsedPtsTime + last.ParsedDurationTime,
		AudioPackets: len(packets),
	}, nil
}

// FFprobeSource checks that a file source holds decodable audio.
func (f *FFmpeg) FFprobeSource(ctx context.Context, filePath string) (*SourceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	packets, err := f.ffprobeGetPacketsFromFile(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("getting packets: %w", err)
	}

	return sourceInfoFromPackets(packets)
}
