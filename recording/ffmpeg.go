package recording

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nvr-engine/database"
)

// SourceURL returns the stream a camera is captured from. With a relay template
// the camera ID is substituted into it; otherwise the camera address is used with
// its credentials filled in.
func SourceURL(cam database.Camera, relayTemplate string) (string, error) {
	if relayTemplate != "" {
		if strings.Contains(relayTemplate, "%s") {
			return fmt.Sprintf(relayTemplate, cam.ID), nil
		}
		return strings.TrimSuffix(relayTemplate, "/") + "/" + cam.ID, nil
	}
	if cam.Address == "" {
		return "", fmt.Errorf("camera %s has no source address", cam.ID)
	}
	u, err := url.Parse(cam.Address)
	if err != nil {
		return "", fmt.Errorf("camera %s has an invalid source address: %w", cam.ID, err)
	}
	if u.User == nil && cam.Username != "" {
		u.User = url.UserPassword(cam.Username, cam.Password)
	}
	return u.String(), nil
}

// CaptureArgs builds the segmenter arguments: stream copy, clock-aligned cuts of
// segment length, one strftime-named MP4 per segment under outputPattern.
func CaptureArgs(source, outputPattern string, segment time.Duration) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(source, "rtsp://") || strings.HasPrefix(source, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args,
		"-i", source,
		"-c:v", "copy",
		"-c:a", "aac",
		"-ac", "2",
		"-ar", "44100",
		"-af", "aresample=async=1",
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(segment.Seconds())),
		"-segment_atclocktime", "1",
		"-segment_format", "mp4",
		"-segment_format_options", "movflags=frag_keyframe+empty_moov+default_base_moof",
		"-reset_timestamps", "1",
		"-strftime", "1",
		"-strftime_mkdir", "1",
		outputPattern,
	)
}
