package camera

import (
	"fmt"
	"strings"
	"time"
)

// ParseSource builds a Device from a CAMERA_SOURCE value:
// "static", "dir:<path>" or an http(s) snapshot URL.
func ParseSource(source string, poll time.Duration) (Device, error) {
	switch {
	case source == "" || source == "static":
		return StaticDevice{}, nil
	case strings.HasPrefix(source, "dir:"):
		path := strings.TrimPrefix(source, "dir:")
		if path == "" {
			return nil, fmt.Errorf("camera source %q: empty directory", source)
		}
		return DirDevice{Path: path}, nil
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		return SnapshotDevice{URL: source, Interval: poll}, nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", source)
	}
}
