package camera

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SnapshotDevice polls an IP camera's still-image endpoint in the background
// and exposes the latest decoded picture as the live frame.
type SnapshotDevice struct {
	URL      string
	Interval time.Duration
	HTTP     *http.Client
}

// Open probes the endpoint once, then starts polling.
func (d SnapshotDevice) Open(ctx context.Context) (Stream, error) {
	client := d.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	first, err := fetchSnapshot(ctx, client, d.URL)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &snapshotStream{latest: first, cancel: cancel}
	s.wg.Add(1)
	go s.poll(pollCtx, client, d.URL, interval)
	return s, nil
}

func fetchSnapshot(ctx context.Context, client *http.Client, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: snapshot endpoint returned %s", ErrPermissionDenied, resp.Status)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: snapshot endpoint returned %s: %s", ErrDeviceUnavailable, resp.Status, string(body))
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		// The device answered but has no picture yet; the stream starts empty.
		log.Debug().Err(err).Str("url", url).Msg("snapshot not decodable")
		return nil, nil
	}
	return img, nil
}

type snapshotStream struct {
	mu     sync.Mutex
	latest image.Image
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *snapshotStream) poll(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			img, err := fetchSnapshot(ctx, client, url)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("url", url).Msg("snapshot poll failed")
				}
				continue
			}
			if img != nil {
				s.mu.Lock()
				s.latest = img
				s.mu.Unlock()
			}
		}
	}
}

func (s *snapshotStream) Frame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *snapshotStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.mu.Lock()
		s.latest = nil
		s.mu.Unlock()
	})
}
