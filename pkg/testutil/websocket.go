package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AxonStream/axonpuls/pkg/validation"
)

// WebSocketTestClient is a client for testing websocket endpoints. It speaks
// the axonpuls frame protocol and keeps enough state to assert on what the
// server sends back.
type WebSocketTestClient struct {
	conn      *websocket.Conn
	serverURL string
}

// NewWebSocketTestClient dials a websocket endpoint with a JWT. The serverURL
// is an http(s) URL (typically from httptest.Server); it is converted to the
// ws(s) scheme before dialing.
func NewWebSocketTestClient(serverURL, jwtToken string) (*WebSocketTestClient, error) {
	wsURL := strings.Replace(serverURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	headers := http.Header{}
	if jwtToken != "" {
		headers.Set("Authorization", "Bearer "+jwtToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &WebSocketTestClient{conn: conn, serverURL: serverURL}, nil
}

// NewWebSocketTestClientQueryToken dials with the JWT in the token query
// parameter instead of the Authorization header.
func NewWebSocketTestClientQueryToken(serverURL, jwtToken string) (*WebSocketTestClient, error) {
	sep := "?"
	if strings.Contains(serverURL, "?") {
		sep = "&"
	}
	return NewWebSocketTestClient(serverURL+sep+"token="+jwtToken, "")
}

// SendFrame writes a protocol frame to the server.
func (c *WebSocketTestClient) SendFrame(frame *validation.Frame) error {
	return c.conn.WriteJSON(frame)
}

// SendJSON writes an arbitrary JSON value. Useful for malformed-input tests.
func (c *WebSocketTestClient) SendJSON(v interface{}) error {
	return c.conn.WriteJSON(v)
}

// SendRaw writes a raw text message.
func (c *WebSocketTestClient) SendRaw(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads the next frame from the server, failing after the timeout.
func (c *WebSocketTestClient) ReadFrame(timeout time.Duration) (*validation.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame validation.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &frame, nil
}

// ReadFrameOfType reads frames until one of the wanted type arrives, skipping
// any others, and fails once the timeout elapses.
func (c *WebSocketTestClient) ReadFrameOfType(want validation.FrameType, timeout time.Duration) (*validation.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for %s frame", want)
		}
		frame, err := c.ReadFrame(remaining)
		if err != nil {
			return nil, err
		}
		if frame.Type == want {
			return frame, nil
		}
	}
}

// Subscribe sends a subscribe frame for the given channels and returns the
// frame ID used, so callers can correlate the ack.
func (c *WebSocketTestClient) Subscribe(channels ...string) (string, error) {
	return c.SubscribeWithOptions(channels, nil)
}

// SubscribeWithOptions sends a subscribe frame with replay or filter options.
func (c *WebSocketTestClient) SubscribeWithOptions(channels []string, opts *validation.SubscribeOptions) (string, error) {
	payload, err := json.Marshal(validation.SubscribePayload{Channels: channels, Options: opts})
	if err != nil {
		return "", err
	}
	frame := &validation.Frame{
		ID:        uuid.New().String(),
		Type:      validation.FrameSubscribe,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	return frame.ID, c.SendFrame(frame)
}

// Unsubscribe sends an unsubscribe frame for the given channels.
func (c *WebSocketTestClient) Unsubscribe(channels ...string) (string, error) {
	payload, err := json.Marshal(validation.UnsubscribePayload{Channels: channels})
	if err != nil {
		return "", err
	}
	frame := &validation.Frame{
		ID:        uuid.New().String(),
		Type:      validation.FrameUnsubscribe,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	return frame.ID, c.SendFrame(frame)
}

// Publish sends a publish frame carrying an event of the given type.
func (c *WebSocketTestClient) Publish(channel, eventType string, eventPayload interface{}) (string, error) {
	return c.PublishWithOptions(channel, eventType, eventPayload, nil)
}

// PublishWithOptions sends a publish frame with delivery options.
func (c *WebSocketTestClient) PublishWithOptions(channel, eventType string, eventPayload interface{}, opts *validation.PublishOptions) (string, error) {
	body, err := json.Marshal(eventPayload)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(validation.PublishPayload{
		Channel: channel,
		Event:   validation.PublishEventBody{Type: eventType, Payload: body},
		Options: opts,
	})
	if err != nil {
		return "", err
	}
	frame := &validation.Frame{
		ID:        uuid.New().String(),
		Type:      validation.FramePublish,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	return frame.ID, c.SendFrame(frame)
}

// Ping sends a protocol-level ping frame (not a websocket control ping).
func (c *WebSocketTestClient) Ping() (string, error) {
	frame := &validation.Frame{
		ID:        uuid.New().String(),
		Type:      validation.FramePing,
		Timestamp: time.Now().UnixMilli(),
	}
	return frame.ID, c.SendFrame(frame)
}

// ExpectError reads frames until an error frame arrives and asserts its code.
func (c *WebSocketTestClient) ExpectError(code string, timeout time.Duration) (*validation.ErrorPayload, error) {
	frame, err := c.ReadFrameOfType(validation.FrameError, timeout)
	if err != nil {
		return nil, err
	}
	var payload validation.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode error payload: %w", err)
	}
	if payload.Error.Code != code {
		return &payload, fmt.Errorf("expected error code %s, got %s (%s)", code, payload.Error.Code, payload.Error.Message)
	}
	return &payload, nil
}

// ExpectAck reads frames until an ack for the given frame or event ID arrives.
func (c *WebSocketTestClient) ExpectAck(eventID string, timeout time.Duration) (*validation.AckPayload, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for ack of %s", eventID)
		}
		frame, err := c.ReadFrameOfType(validation.FrameAck, remaining)
		if err != nil {
			return nil, err
		}
		var payload validation.AckPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode ack payload: %w", err)
		}
		if payload.EventID == eventID {
			return &payload, nil
		}
	}
}

// Close performs a clean websocket close handshake.
func (c *WebSocketTestClient) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

// UnderlyingConn exposes the raw connection for tests that need to break the
// protocol on purpose.
func (c *WebSocketTestClient) UnderlyingConn() *websocket.Conn {
	return c.conn
}
