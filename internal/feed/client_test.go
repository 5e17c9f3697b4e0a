package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestClient(t *testing.T, handler fasthttp.RequestHandler) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return New("http://feed.test/", "secret", WithHTTPClient(hc))
}

func TestAnnounce(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/api/notes/create" || !ctx.IsPost() {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"createdNote":{"id":"n42"}}`)
	})

	id, err := c.Announce(context.Background(), "hello", "n1")
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if id != "n42" {
		t.Fatalf("id=%q", id)
	}
	if got["i"] != "secret" || got["text"] != "hello" || got["visibility"] != "home" || got["renoteId"] != "n1" {
		t.Fatalf("request body=%v", got)
	}
}

func TestAnnounceOmitsEmptyReply(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetBodyString(`{"createdNote":{"id":"n1"}}`)
	})
	if _, err := c.Announce(context.Background(), "hi", ""); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if _, ok := got["renoteId"]; ok {
		t.Fatalf("renoteId should be omitted: %v", got)
	}
}

func TestAnnounceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			return
		}
		ctx.SetBodyString(`{"createdNote":{"id":"late"}}`)
	})
	id, err := c.Announce(context.Background(), "x", "")
	if err != nil || id != "late" {
		t.Fatalf("Announce=%q, %v", id, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestAnnounceClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(`{"error":"bad"}`)
	})
	_, err := c.Announce(context.Background(), "x", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("err=%v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestAnnounceMissingID(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString(`{}`) })
	if _, err := c.Announce(context.Background(), "x", ""); !errors.Is(err, ErrNoNoteID) {
		t.Fatalf("err=%v", err)
	}
}

func TestAcceptMatch(t *testing.T) {
	var got matchRequest
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/api/reversi/match" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetBodyString(`{"id":"g1","user1Id":"u1"}`)
	})
	raw, err := c.AcceptMatch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("AcceptMatch: %v", err)
	}
	if got.UserID != "u1" || got.I != "secret" {
		t.Fatalf("request=%+v", got)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil || m["id"] != "g1" {
		t.Fatalf("raw=%s err=%v", raw, err)
	}
}

func TestMe(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/api/i" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetBodyString(`{"id":"bot1","username":"reversibot","name":"Bot"}`)
	})
	acc, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if acc.ID != "bot1" || acc.Username != "reversibot" {
		t.Fatalf("account=%+v", acc)
	}
}
