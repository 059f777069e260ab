package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/havencare/haven/internal/utils"
)

const writeWait = 10 * time.Second

type OpenAIRealtime struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	apiKey  string
	model   string
	baseURL string
	wsURL   string
}

func NewOpenAIRealtime(apiKey, model, baseURL string) *OpenAIRealtime {
	if model == "" {
		model = "gpt-realtime"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	wsURL := baseURL
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	return &OpenAIRealtime{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dialer:     websocket.DefaultDialer,
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		wsURL:      wsURL,
	}
}

func (o *OpenAIRealtime) Provision(ctx context.Context, offerSDP string) (*ProvisionResult, error) {
	const op = "realtime.Provision"

	endpoint := o.baseURL + "/v1/realtime/calls?model=" + url.QueryEscape(o.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build provision request", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.E(utils.CodeTimeout, op, "call provisioning timed out", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "realtime provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, utils.E(utils.CodeProviderError, op, "read provision response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("provider error (%d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, utils.E(utils.CodeProviderError, op,
			fmt.Sprintf("provider rejected call (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	callID := callIDFromLocation(resp.Header.Get("Location"))
	if callID == "" {
		return nil, utils.E(utils.CodeCorrelationMissing, op, "provider response carried no call id", nil)
	}

	return &ProvisionResult{CallID: callID, AnswerSDP: string(body)}, nil
}

func (o *OpenAIRealtime) Dial(ctx context.Context, callID string) (Transport, error) {
	const op = "realtime.Dial"

	endpoint := o.wsURL + "/v1/realtime?call_id=" + url.QueryEscape(callID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.apiKey)

	conn, resp, err := o.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, utils.E(utils.CodeProviderError, op,
					fmt.Sprintf("control channel rejected (%d)", resp.StatusCode), err)
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.E(utils.CodeTimeout, op, "control channel dial timed out", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "control channel dial failed", err)
	}

	return &wsTransport{c: conn}, nil
}

// callIDFromLocation extracts the call id from the correlation header: the
// last path segment, whether the header holds a full URL or a bare path.
func callIDFromLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		loc = u.Path
	}
	loc = strings.Trim(loc, "/")
	if loc == "" {
		return ""
	}
	parts := strings.Split(loc, "/")
	return parts[len(parts)-1]
}

// wsTransport serializes writes on a single websocket connection. Reads stay
// unguarded: the connection has exactly one reader.
type wsTransport struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (t *wsTransport) ReadEvent() (*Event, error) {
	_, data, err := t.c.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}

	var env struct {
		Type       string `json:"type"`
		ItemID     string `json:"item_id"`
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		// Keep the channel alive on a malformed frame; the caller can
		// still journal the raw payload.
		return &Event{Raw: data}, nil
	}
	return &Event{Type: env.Type, ItemID: env.ItemID, Transcript: env.Transcript, Raw: data}, nil
}

func (t *wsTransport) SendSessionUpdate(instructions string) error {
	payload := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"type":         "realtime",
			"instructions": instructions,
		},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.SetWriteDeadline(time.Now().Add(writeWait))
	return t.c.WriteJSON(payload)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.c.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	return t.c.Close()
}
