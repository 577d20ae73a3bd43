package tui

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/batchwrap/internal/events"
)

// Stream connects to the /events endpoint of a status API and delivers
// its events until ctx ends, the run finishes, or the server goes away.
// The returned channel is closed when the stream ends.
func Stream(ctx context.Context, apiURL, token string) (<-chan events.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/events", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", apiURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("connect to %s: %s", apiURL, resp.Status)
	}

	ch := make(chan events.Event, 100)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var current events.Event
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" {
				if current.Type == events.TypeStreamEnd {
					return
				}
				if current.Data != nil {
					current.At = time.Now()
					select {
					case ch <- current:
					case <-ctx.Done():
						return
					}
				}
				current = events.Event{}
				continue
			}

			switch {
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					current.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				current.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				current.Data = []byte(line[6:])
			}
		}
	}()
	return ch, nil
}
