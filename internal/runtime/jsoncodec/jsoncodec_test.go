package jsoncodec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "buslink"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestUnmarshalUseNumberKeepsPrecision(t *testing.T) {
	var out map[string]any
	if err := UnmarshalUseNumber([]byte(`{"big":9007199254740993,"dec":0.10}`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	big, ok := out["big"].(json.Number)
	if !ok || big.String() != "9007199254740993" {
		t.Fatalf("expected exact json.Number, got %#v", out["big"])
	}
	if dec := out["dec"].(json.Number); dec.String() != "0.10" {
		t.Fatalf("expected literal decimal text, got %s", dec)
	}

	var plain map[string]any
	if err := Unmarshal([]byte(`{"n":1}`), &plain); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := plain["n"].(float64); !ok {
		t.Fatalf("default config should decode float64, got %T", plain["n"])
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a":[1,2]}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{"a":`)) {
		t.Fatal("expected truncated JSON to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}
