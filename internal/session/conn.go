package session

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-dictate/internal/credential"
)

// Conn is the subset of a WebSocket connection a session needs.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a connection to the endpoint named by a credential.
type Dialer interface {
	Dial(ctx context.Context, cred credential.Credential) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cred credential.Credential) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	return f(ctx, cred)
}

// WebSocketDialer dials the transcription service with gorilla/websocket.
type WebSocketDialer struct {
	// AuthHeader carries the credential token, e.g. "Authorization" or "Cookie".
	AuthHeader string
	// AuthScheme prefixes the token when non-empty, e.g. "Bearer".
	AuthScheme       string
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	header := http.Header{}
	if cred.Origin != "" {
		header.Set("Origin", cred.Origin)
	}
	if cred.ClientID != "" {
		header.Set("User-Agent", cred.ClientID)
	}
	if cred.Token != "" && d.AuthHeader != "" {
		value := cred.Token
		if scheme := strings.TrimSpace(d.AuthScheme); scheme != "" {
			value = scheme + " " + cred.Token
		}
		header.Set(d.AuthHeader, value)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cred.Endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
