package rpc

import (
	"strings"
	"testing"
)

func TestEncodeLine(t *testing.T) {
	data, err := EncodeLine(&Request{JSONRPC: "2.0", ID: 7, Method: "tools/list"})
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":7,"method":"tools/list"}` + "\n"
	if string(data) != want {
		t.Errorf("EncodeLine = %q, want %q", data, want)
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Error("encoded message must be a single line")
	}
}

func TestEncodeLine_Unsupported(t *testing.T) {
	if _, err := EncodeLine(make(chan int)); err == nil {
		t.Error("expected error for unsupported value")
	}
}

func TestLineDecoder_Feed(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []string
		expected []string
		buffered int
	}{
		{
			name:     "single line",
			chunks:   []string{"{\"id\":1}\n"},
			expected: []string{`{"id":1}`},
		},
		{
			name:     "split across chunks",
			chunks:   []string{"{\"id\"", ":1}\n{\"id\":2", "}\n"},
			expected: []string{`{"id":1}`, `{"id":2}`},
		},
		{
			name:     "blank and whitespace lines dropped",
			chunks:   []string{"\n  \n{\"id\":1}\r\n\n"},
			expected: []string{`{"id":1}`},
		},
		{
			name:     "partial tail kept",
			chunks:   []string{"{\"id\":1}\n{\"id\""},
			expected: []string{`{"id":1}`},
			buffered: len(`{"id"`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d LineDecoder
			var got []string
			for _, chunk := range tt.chunks {
				for _, line := range d.Feed([]byte(chunk)) {
					got = append(got, string(line))
				}
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("got %q, want %q", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.expected[i])
				}
			}
			if d.Buffered() != tt.buffered {
				t.Errorf("Buffered() = %d, want %d", d.Buffered(), tt.buffered)
			}
		})
	}
}

func TestLineDecoder_LinesSurviveLaterFeeds(t *testing.T) {
	var d LineDecoder
	first := d.Feed([]byte("{\"a\":1}\n{\"b\""))
	d.Feed([]byte(":2}\n"))
	if string(first[0]) != `{"a":1}` {
		t.Errorf("earlier line mutated: %q", first[0])
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		response     bool
		notification bool
		serverReq    bool
		wantErr      bool
	}{
		{name: "response", line: `{"id":1,"result":{}}`, response: true},
		{name: "error response", line: `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, response: true},
		{name: "notification", line: `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`, notification: true},
		{name: "server request", line: `{"jsonrpc":"2.0","id":5,"method":"ping"}`, serverReq: true},
		{name: "malformed", line: `{"id":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if msg.IsResponse() != tt.response {
				t.Errorf("IsResponse() = %v", msg.IsResponse())
			}
			if msg.IsNotification() != tt.notification {
				t.Errorf("IsNotification() = %v", msg.IsNotification())
			}
			if msg.IsServerRequest() != tt.serverReq {
				t.Errorf("IsServerRequest() = %v", msg.IsServerRequest())
			}
		})
	}
}
