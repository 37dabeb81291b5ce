package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/firehose"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

var _ engine.Core = (*Client)(nil)

// Client drives a remote simulation through its HTTP API. Errors carry the
// same sentinels as the in-process core.
type Client struct {
	base     string
	adminKey string
	http     *http.Client
	dialer   *websocket.Dialer
}

// NewClient returns a client for the server at baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		base:     strings.TrimSuffix(baseURL, "/"),
		adminKey: adminKey,
		http:     &http.Client{Timeout: 30 * time.Second},
		dialer:   websocket.DefaultDialer,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		json.NewDecoder(resp.Body).Decode(&eb)
		return decodeError(resp.StatusCode, eb)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) Create(ctx context.Context, spec engine.EntitySpec) (entity.GID, error) {
	var out gidBody
	err := c.do(ctx, http.MethodPost, "/entities", spec, &out)
	return out.GID, err
}

func (c *Client) Resolve(ctx context.Context, gid entity.GID) (engine.EntityView, error) {
	var out engine.EntityView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/entities/%d", gid), nil, &out)
	return out, err
}

func (c *Client) MarkDead(ctx context.Context, gid entity.GID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/entities/%d", gid), nil, nil)
}

func (c *Client) IsLive(ctx context.Context, gid entity.GID) (bool, error) {
	var out liveBody
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/entities/%d/live", gid), nil, &out)
	return out.Live, err
}

func (c *Client) Now(ctx context.Context) (clock.Time, error) {
	var out timeBody
	err := c.do(ctx, http.MethodGet, "/now", nil, &out)
	return out.Time, err
}

func (c *Client) Advance(ctx context.Context, delta clock.Time) (int, error) {
	return c.processed(ctx, "/clock/advance", deltaBody{Delta: delta})
}

func (c *Client) ScheduleWithJitter(ctx context.Context, gid entity.GID, interval clock.Time) (clock.Time, error) {
	var out jitterBody
	err := c.do(ctx, http.MethodPost, "/clock/jitter", jitterBody{GID: gid, Interval: interval}, &out)
	return out.Offset, err
}

func (c *Client) SetMode(ctx context.Context, mode clock.Mode) error {
	return c.do(ctx, http.MethodPost, "/clock/mode", modeBody{Mode: mode}, nil)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resume", nil, nil)
}

func (c *Client) Schedule(ctx context.Context, spec engine.EventSpec) (event.ID, error) {
	var out eventIDBody
	err := c.do(ctx, http.MethodPost, "/events", spec, &out)
	return out.ID, err
}

func (c *Client) Cancel(ctx context.Context, id event.ID) (bool, error) {
	var out okBody
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/events/%d", id), nil, &out)
	return out.OK, err
}

// DrainUpTo reports an exhausted budget as event.ErrBudgetExhausted, like the
// in-process core.
func (c *Client) DrainUpTo(ctx context.Context, t clock.Time, budget event.Budget) (int, error) {
	req := drainBody{Until: t, MaxEvents: budget.MaxEvents}
	if budget.MaxElapsed > 0 {
		req.MaxElapsed = budget.MaxElapsed.String()
	}
	return c.processed(ctx, "/drain", req)
}

func (c *Client) processed(ctx context.Context, path string, in any) (int, error) {
	var out processedBody
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return 0, err
	}
	if out.Exhausted {
		return out.Processed, event.ErrBudgetExhausted
	}
	return out.Processed, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req engine.OrderRequest) (market.OrderID, error) {
	var out orderIDBody
	err := c.do(ctx, http.MethodPost, "/orders", req, &out)
	return out.ID, err
}

func (c *Client) CancelOrder(ctx context.Context, id market.OrderID) (bool, error) {
	var out okBody
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/orders/%d", id), nil, &out)
	return out.OK, err
}

func (c *Client) AmendOrder(ctx context.Context, id market.OrderID, price ledger.Money, qty int64) (bool, error) {
	var out okBody
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/orders/%d", id), amendBody{Price: price, Quantity: qty}, &out)
	return out.OK, err
}

func (c *Client) BestBid(ctx context.Context, com ledger.Commodity) (engine.Quote, error) {
	var out engine.Quote
	err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(string(com))+"/bid", nil, &out)
	return out, err
}

func (c *Client) BestOffer(ctx context.Context, com ledger.Commodity) (engine.Quote, error) {
	var out engine.Quote
	err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(string(com))+"/offer", nil, &out)
	return out, err
}

// OnTrade subscribes to the trade firehose. fn runs on a reader goroutine;
// unsubscribe closes the connection and waits for it to stop.
func (c *Client) OnTrade(ctx context.Context, fn market.TradeObserver) (func(), error) {
	u, err := url.Parse(c.base + "/api/v1/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial firehose: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg firehose.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("bad firehose message", "error", err)
				continue
			}
			if msg.Type == "trade" && msg.Trade != nil {
				fn(*msg.Trade)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			conn.Close()
			wg.Wait()
		})
	}, nil
}
