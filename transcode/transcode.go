package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nvr-engine/logging"

	"github.com/rs/zerolog"
)

var (
	// ErrSpawnFailed is returned when the transcoding tool cannot be started
	ErrSpawnFailed = errors.New("transcoding tool spawn failed")
	// ErrCutFailed is returned for a non-zero exit or an empty output file
	ErrCutFailed = errors.New("clip cut failed")
)

// CodecMode selects stream copy or full re-encode
type CodecMode string

const (
	ModeCopy     CodecMode = "copy"
	ModeReencode CodecMode = "reencode"
)

// CutRequest describes one clip cut. Inputs are contiguous segments in time
// order; Offset is measured from the start of the first one.
type CutRequest struct {
	Inputs   []string
	Offset   time.Duration
	Duration time.Duration
	Output   string
	Mode     CodecMode
}

// Cutter materializes clips
type Cutter interface {
	Cut(ctx context.Context, req CutRequest) error
}

// FFmpegCutter cuts clips with ffmpeg
type FFmpegCutter struct {
	FFmpegPath  string
	FFprobePath string // Optional; when set, copy-mode output must report a positive duration
	log         zerolog.Logger
}

// NewFFmpegCutter creates a cutter using the given ffmpeg binary
func NewFFmpegCutter(ffmpegPath, ffprobePath string) *FFmpegCutter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegCutter{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		log:         logging.For("transcode"),
	}
}

// Cut runs the transcoding tool and validates that a non-empty output exists.
// A failed cut leaves no output file behind.
func (c *FFmpegCutter) Cut(ctx context.Context, req CutRequest) error {
	if len(req.Inputs) == 0 {
		return fmt.Errorf("%w: no input segments", ErrCutFailed)
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	inputArgs := []string{"-i", req.Inputs[0]}
	if len(req.Inputs) > 1 {
		list, err := writeConcatList(filepath.Dir(req.Output), req.Inputs)
		if err != nil {
			return err
		}
		defer os.Remove(list)
		inputArgs = []string{"-f", "concat", "-safe", "0", "-i", list}
	}

	args := BuildCutArgs(inputArgs, req)
	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, c.FFmpegPath, err)
	}
	if err := cmd.Wait(); err != nil {
		os.Remove(req.Output)
		return fmt.Errorf("%w: %s mode: %v: %s", ErrCutFailed, req.Mode, err, lastLine(stderr.String()))
	}

	info, err := os.Stat(req.Output)
	if err != nil || info.Size() == 0 {
		os.Remove(req.Output)
		return fmt.Errorf("%w: %s mode produced no output", ErrCutFailed, req.Mode)
	}

	if req.Mode == ModeCopy && c.FFprobePath != "" {
		d, err := GetVideoDuration(ctx, c.FFprobePath, req.Output)
		switch {
		case err != nil:
			c.log.Debug().Err(err).Str("output", req.Output).Msg("skipping duration check")
		case d <= 0:
			os.Remove(req.Output)
			return fmt.Errorf("%w: copy mode output has no playable duration", ErrCutFailed)
		}
	}

	c.log.Debug().
		Str("output", req.Output).
		Str("mode", string(req.Mode)).
		Int("inputs", len(req.Inputs)).
		Int64("size", info.Size()).
		Dur("took", time.Since(started)).
		Msg("clip cut")
	return nil
}

// BuildCutArgs returns the ffmpeg arguments for a cut. The seek is placed before
// the input so the offset is relative to the first input.
func BuildCutArgs(inputArgs []string, req CutRequest) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-ss", FormatSeconds(req.Offset)}
	args = append(args, inputArgs...)
	args = append(args, "-t", FormatSeconds(req.Duration))
	if req.Mode == ModeReencode {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "23",
			"-c:a", "aac",
		)
	} else {
		args = append(args,
			"-c:v", "copy",
			"-c:a", "copy",
			"-avoid_negative_ts", "make_zero",
		)
	}
	return append(args, "-movflags", "+faststart", "-y", req.Output)
}

// FormatSeconds renders d as seconds with millisecond precision
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func writeConcatList(dir string, inputs []string) (string, error) {
	f, err := os.CreateTemp(dir, ".concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if _, err := f.WriteString(b.String()); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	return f.Name(), nil
}

// GetVideoDuration returns the duration of a video file using ffprobe
func GetVideoDuration(ctx context.Context, ffprobePath, filePath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		filePath)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to get video duration using ffprobe: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	if durationStr == "" {
		return 0, fmt.Errorf("empty duration output from ffprobe")
	}
	secs, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration '%s': %w", durationStr, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// IsMP4File checks if the given file is an MP4 file based on extension
func IsMP4File(filePath string) bool {
	return strings.ToLower(filepath.Ext(filePath)) == ".mp4"
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
