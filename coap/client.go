package coap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Port is the standard CoAP UDP port used by mesh nodes.
const Port = 5683

// DefaultTimeout is the per-call reply-wait window used when the caller
// does not override it.
const DefaultTimeout = 2 * time.Second

// Client sends one-shot CoAP requests to individual mesh nodes. It opens
// a fresh connectionless UDP/IPv6 socket per call; there is no connection
// pooling and no retransmission — a lost request or missing reply is
// reported to the caller, and nothing in this package sends it again.
type Client struct {
	Timeout time.Duration
}

// NewClient returns a Client using DefaultTimeout.
func NewClient() *Client {
	return &Client{Timeout: DefaultTimeout}
}

// Post sends a CoAP POST to ip:5683/uriPath. If waitReply is false, it
// returns immediately after the datagram is written. If waitReply is true,
// it waits up to Timeout for a 2.xx reply and decodes its payload as JSON;
// a timeout or non-2.xx reply yields (nil, false, nil) — a "no answer"
// signal rather than an error, matching the original's timeout-as-signal
// contract.
func (c *Client) Post(ctx context.Context, ip net.IP, uriPath string, payload []byte, waitReply bool) (reply map[string]any, ok bool, err error) {
	return c.send(ctx, ip, EncodePost(uriPath, payload), waitReply)
}

// Get sends a CoAP GET to ip:5683/uriPath and optionally waits for a
// 2.xx JSON reply, on the same terms as Post.
func (c *Client) Get(ctx context.Context, ip net.IP, uriPath string, waitReply bool) (reply map[string]any, ok bool, err error) {
	return c.send(ctx, ip, EncodeGet(uriPath), waitReply)
}

func (c *Client) send(ctx context.Context, ip net.IP, frame []byte, waitReply bool) (map[string]any, bool, error) {
	addr := &net.UDPAddr{IP: ip, Port: Port}
	conn, err := net.DialUDP("udp6", nil, addr)
	if err != nil {
		return nil, false, fmt.Errorf("coap: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return nil, false, fmt.Errorf("coap: send to %s: %w", addr, err)
	}
	if !waitReply {
		return nil, true, nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, nil
	}

	msg, err := Decode(buf[:n])
	if err != nil {
		return nil, false, nil
	}
	if !msg.IsSuccess() {
		return nil, false, nil
	}
	if len(msg.Payload) == 0 {
		return map[string]any{}, true, nil
	}

	var out map[string]any
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return nil, false, nil
	}
	return out, true, nil
}
