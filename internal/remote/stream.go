package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// EventCollectionChange is emitted by the server after a successful write.
const EventCollectionChange = "collection-change"

// ChangePayload names the records touched by a server-side write.
type ChangePayload struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
}

// ChangeEvent is a single server-push notification.
type ChangeEvent struct {
	Type    string        `json:"type"`
	Payload ChangePayload `json:"payload"`
}

// Subscribe opens the server-push change stream. The returned channel closes when the stream
// ends or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	request, err := c.newRequest(ctx, requestSpec{operation: "subscribe", method: http.MethodGet, path: "/events", authenticated: true})
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")

	response, err := c.stream.Do(request)
	if err != nil {
		return nil, connectivityError("subscribe", err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, &StatusError{StatusCode: response.StatusCode, Code: readErrorCode(response.Body)}
	}

	events := make(chan ChangeEvent, 16)
	go func() {
		defer close(events)
		defer response.Body.Close()
		c.readEvents(ctx, bufio.NewScanner(response.Body), events)
	}()
	return events, nil
}

func (c *Client) readEvents(ctx context.Context, scanner *bufio.Scanner, events chan<- ChangeEvent) {
	var (
		eventName string
		data      strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == EventCollectionChange && data.Len() > 0 {
				var event ChangeEvent
				if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
					c.logger.Warn("discarding malformed change event", zap.Error(err))
				} else {
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Info("change stream closed", zap.Error(err))
	}
}
