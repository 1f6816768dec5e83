package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "classworks/shared/contracts/realtime/v1"
)

const (
	subprotocol  = "classworks.realtime.v1"
	maxReadBytes = 1 << 20
)

// ErrJoinRejected is returned when the server refuses one of the tokens.
var ErrJoinRejected = errors.New("join rejected")

// WatchOptions configure Watch.
type WatchOptions struct {
	Tokens  []string
	Origin  string
	History int
	// Count stops after that many envelopes; zero watches until ctx ends.
	Count int
	Dial  time.Duration
}

// Watch joins every token on the realtime channel at wsURL and writes each
// envelope it receives to out as one JSON line.
func Watch(ctx context.Context, wsURL string, opts WatchOptions, out io.Writer) error {
	if len(opts.Tokens) == 0 {
		return errors.New("at least one token is required")
	}
	if opts.Dial <= 0 {
		opts.Dial = 10 * time.Second
	}

	h := http.Header{}
	if strings.TrimSpace(opts.Origin) != "" {
		h.Set("Origin", opts.Origin)
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.Dial)
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxReadBytes)

	for _, tok := range opts.Tokens {
		if err := send(ctx, conn, v1.TypeJoinToken, v1.TokenPayload{Token: tok}); err != nil {
			return err
		}
	}
	if opts.History > 0 {
		limit := opts.History
		if err := send(ctx, conn, v1.TypeGetEventHistory, v1.HistoryFetchPayload{Limit: &limit}); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	for seen := 0; opts.Count <= 0 || seen < opts.Count; seen++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("bad envelope: %w", err)
		}
		if err := enc.Encode(env); err != nil {
			return err
		}
		if env.Type == v1.TypeJoinError {
			var p v1.JoinErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("%w: %s", ErrJoinRejected, p.Reason)
		}
	}
	return nil
}

func send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, "", time.Now(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}
