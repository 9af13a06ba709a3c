package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestDecodeKinds(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{`{"jsonrpc":"2.0","id":null,"method":"ping"}`, KindNotification},
		{`{"jsonrpc":"2.0","id":"a","result":{}}`, KindResponse},
	}
	for _, tc := range cases {
		m, err := Decode([]byte(tc.in))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.in, err)
		}
		if m.Kind() != tc.want {
			t.Fatalf("%s: want %s got %s", tc.in, tc.want, m.Kind())
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, in := range []string{
		`nope`,
		`{"id":1,"method":"x"}`,
		`{"jsonrpc":"2.0","id":1,"method":"x","result":1}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"m"}}`,
		`{"jsonrpc":"2.0","id":{"x":1},"method":"x"}`,
	} {
		if _, err := Decode([]byte(in)); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	m, err := Decode([]byte(`{"jsonrpc":"2.0","id":9007199254740993,"method":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, err := json.Marshal(NewErrorResponse(m.ID, ErrorCodeServerError, "boom"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":9007199254740993,"error":{"code":-32000,"message":"boom"}}`
	if string(b) != want {
		t.Fatalf("want %s\ngot  %s", want, b)
	}

	id, err := NewRequestID("req-1")
	if err != nil || id.String() != "req-1" {
		t.Fatalf("unexpected id %v %v", id, err)
	}
	if _, err := NewRequestID(1.5); err == nil {
		t.Fatalf("expected error for float id")
	}
}
