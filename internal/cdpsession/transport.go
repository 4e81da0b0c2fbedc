package cdpsession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is the single physical connection to the browser-level debugger
// endpoint. WriteMessage must be safe for concurrent use; ReadMessage is only
// ever called by the reader goroutine.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type wsTransport struct {
	conn net.Conn
	r    io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// bufferedReadWriter pairs the handshake reader, which may already hold frames
// the browser sent right after the upgrade, with the locked writer.
type bufferedReadWriter struct {
	io.Reader
	io.Writer
}

func dialTransport(ctx context.Context, wsURL string) (*wsTransport, error) {
	conn, br, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	t := &wsTransport{conn: conn, r: conn}
	if br != nil {
		t.r = br
	}
	return t, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	return wsutil.ReadServerText(bufferedReadWriter{Reader: t.r, Writer: t})
}

// Write lets control-frame replies produced while reading share the write lock.
func (t *wsTransport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(p)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientText(t.conn, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// discoverBrowserWSURL fetches the browser-level WebSocket URL from /json/version.
func discoverBrowserWSURL(ctx context.Context, httpBase string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoint := strings.TrimRight(httpBase, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("cdpsession discovery body close failed", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var info struct {
		Browser              string `json:"Browser"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("/json/version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	slog.Debug("cdpsession discovered endpoint", "browser", info.Browser, "ws_url", info.WebSocketDebuggerURL)
	return info.WebSocketDebuggerURL, nil
}
