package zmesh

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBlockEncodeDecode(t *testing.T) {
	req := NewRequestBlock("demo.echo", []interface{}{"hi", int64(3)}, map[string]interface{}{"upper": true})
	req.Header = Header{}
	req.Header.Set("traceparent", "00-abc-def-01")

	raw, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBlock(raw)
	if err != nil {
		t.Fatal(err)
	}

	if got.Type != BlockRequest {
		t.Fatalf("type: %s", got.Type)
	}
	if got.RequestID != req.RequestID {
		t.Fatalf("request id: %s != %s", got.RequestID, req.RequestID)
	}
	if got.ServiceName != "demo.echo" {
		t.Fatalf("service name: %s", got.ServiceName)
	}
	if got.Header.Get("traceparent") != "00-abc-def-01" {
		t.Fatalf("header lost: %v", got.Header)
	}
	if len(got.Args) != 2 {
		t.Fatalf("args: %v", got.Args)
	}
}

func TestEncodeRequiresRequestID(t *testing.T) {
	req := NewRequestBlock("demo.echo", nil, nil)
	req.RequestID = ""
	if _, err := req.Encode(); err != ErrNoRequestID {
		t.Fatalf("err: %v", err)
	}
}

func TestBlockTerminal(t *testing.T) {
	req := NewRequestBlock("demo.echo", nil, nil)

	cases := []struct {
		name     string
		b        *Block
		terminal bool
		failed   bool
	}{
		{"reply success", NewReplyBlock(req, ReplySuccess, "ok").Complete(), true, false},
		{"reply error", NewReplyErrorBlock(req, "boom").Complete(), true, true},
		{"reply processing", NewReplyBlock(req, ReplyProcessing, nil), false, false},
		{"stream end", NewEndBlock(req, "3"), true, false},
		{"stream error", NewErrorBlock(req, "3", "boom"), true, true},
		{"stream content", NewStreamingBlock(req, BlockContent, "1", "x"), false, false},
		{"progress", NewProgressBlock(req, "1", 2, 10, "working"), false, false},
	}
	for _, c := range cases {
		if c.b.Terminal() != c.terminal {
			t.Errorf("%s: Terminal() = %v", c.name, c.b.Terminal())
		}
		if c.b.Failed() != c.failed {
			t.Errorf("%s: Failed() = %v", c.name, c.b.Failed())
		}
	}
}

func TestReplyCarriesRequestID(t *testing.T) {
	req := NewRequestBlock("demo.add", []interface{}{1, 2}, nil)
	rep := NewReplyBlock(req, ReplySuccess, 3)
	if diff := cmp.Diff(req.RequestID, rep.RequestID); diff != "" {
		t.Fatalf("request id mismatch (-want +got):\n%s", diff)
	}
	if rep.CompletedAt != 0 {
		t.Fatal("completed_at set before Complete()")
	}
	rep.Complete()
	if rep.CompletedAt == 0 {
		t.Fatal("Complete() did not stamp completed_at")
	}
}

func TestHeader(t *testing.T) {
	h := Header{}
	h.Set("k", "v1")
	h.Add("k", "v2")
	if h.Get("k") != "v1" {
		t.Fatalf("Get: %s", h.Get("k"))
	}
	if !h.Has("k") || h.Has("missing") {
		t.Fatal("Has")
	}
	h.Set("k", "v3")
	if diff := cmp.Diff([]string{"v3"}, h["k"]); diff != "" {
		t.Fatalf("Set did not replace (-want +got):\n%s", diff)
	}
}
