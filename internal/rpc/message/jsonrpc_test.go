package message

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	req, rpcErr := DecodeRequest([]byte(`{"jsonrpc":"2.0","id":"1","method":"agent_device.command","params":{"command":"open"}}`))
	if rpcErr != nil {
		t.Fatalf("decode: %v", rpcErr)
	}
	if req.Method != "agent_device.command" {
		t.Errorf("method = %q", req.Method)
	}
	if string(req.ID) != `"1"` {
		t.Errorf("id bytes = %s", req.ID)
	}
	if len(req.Params) == 0 {
		t.Error("params dropped")
	}
}

func TestDecodeRequestRejects(t *testing.T) {
	tests := []struct {
		body string
		code int
	}{
		{`{broken`, ParseError},
		{`{"jsonrpc":"1.0","id":1,"method":"x"}`, InvalidRequest},
		{`{"jsonrpc":"2.0","id":1}`, InvalidRequest},
		{`{"jsonrpc":"2.0","id":{"bad":1},"method":"x"}`, InvalidRequest},
		{`{"jsonrpc":"2.0","id":[1],"method":"x"}`, InvalidRequest},
	}
	for _, tt := range tests {
		_, rpcErr := DecodeRequest([]byte(tt.body))
		if rpcErr == nil {
			t.Errorf("DecodeRequest(%q) accepted invalid input", tt.body)
			continue
		}
		if rpcErr.Code != tt.code {
			t.Errorf("DecodeRequest(%q) code = %d, want %d", tt.body, rpcErr.Code, tt.code)
		}
	}
}

func TestDecodeRequestIDForms(t *testing.T) {
	for _, id := range []string{`"abc"`, `42`, `-7`, `null`} {
		body := `{"jsonrpc":"2.0","id":` + id + `,"method":"x"}`
		req, rpcErr := DecodeRequest([]byte(body))
		if rpcErr != nil {
			t.Errorf("id %s rejected: %v", id, rpcErr)
			continue
		}
		if string(req.ID) != id {
			t.Errorf("id %s mangled to %s", id, req.ID)
		}
	}
	// A notification has no id at all.
	if _, rpcErr := DecodeRequest([]byte(`{"jsonrpc":"2.0","method":"x"}`)); rpcErr != nil {
		t.Errorf("notification rejected: %v", rpcErr)
	}
}

func TestReplyEchoesID(t *testing.T) {
	resp, err := Reply(json.RawMessage(`42`), map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if !strings.Contains(s, `"id":42`) {
		t.Errorf("id not echoed verbatim: %s", s)
	}
	if !strings.Contains(s, `"result":{"ok":true}`) {
		t.Errorf("result missing: %s", s)
	}
	if !strings.Contains(s, `"jsonrpc":"2.0"`) {
		t.Errorf("version missing: %s", s)
	}
}

func TestFailShape(t *testing.T) {
	resp := Fail(json.RawMessage(`"7"`), Errf(DaemonError, "boom").WithData(map[string]string{"code": "COMMAND_FAILED"}))
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code int             `json:"code"`
			Data json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.JSONRPC != Version || decoded.Error.Code != DaemonError || len(decoded.Error.Data) == 0 {
		t.Errorf("unexpected wire shape: %s", raw)
	}
	if string(decoded.ID) != `"7"` {
		t.Errorf("id = %s", decoded.ID)
	}

	// A nil id serializes as null, never omitted.
	raw, _ = json.Marshal(Fail(nil, Errf(ParseError, "Parse error")))
	if !strings.Contains(string(raw), `"id":null`) {
		t.Errorf("nil id should render as null: %s", raw)
	}
}

func TestErrfFormatsMessage(t *testing.T) {
	rpcErr := Errf(MethodNotFound, "method %q not found", "x.y")
	if rpcErr.Message != `method "x.y" not found` {
		t.Errorf("message = %q", rpcErr.Message)
	}
	if !strings.Contains(rpcErr.Error(), "-32601") {
		t.Errorf("Error() should carry the code: %q", rpcErr.Error())
	}
}
