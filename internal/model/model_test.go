package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"go-ebrowser/internal/model"
)

func TestTimestamp_KeepsText(t *testing.T) {
	for _, in := range []string{
		`"2023-06-01T10:20:30.000-04:00"`,
		`"2023-06-01T10:20:30-04:00"`,
		`null`,
	} {
		var ts model.Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		out, err := json.Marshal(ts)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != in {
			t.Fatalf("marshal = %s, want %s", out, in)
		}
	}

	var ts model.Timestamp
	if err := json.Unmarshal([]byte(`"2023-06-01T10:20:30.000-04:00"`), &ts); err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(time.Date(2023, 6, 1, 14, 20, 30, 0, time.UTC)) {
		t.Fatalf("parsed = %v", ts.Time)
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatalf("expect parse error")
	}

	local := model.At(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if out, _ := json.Marshal(local); string(out) != `"2024-01-02T03:04:05Z"` {
		t.Fatalf("local marshal = %s", out)
	}
}

func TestSample_AlternatesShapes(t *testing.T) {
	// 缺失、空对象、含 null 的 urls
	cases := []string{
		`{"has":false,"width":1,"height":1,"url":""}`,
		`{"has":false,"width":1,"height":1,"url":"","alternates":{}}`,
		`{"has":true,"width":1,"height":1,"url":"u","alternates":{"720p":{"type":"video","height":720,"width":1280,"urls":[null,"https://x/720p.mp4"]}}}`,
	}
	for _, in := range cases {
		var s model.Sample
		if err := json.Unmarshal([]byte(in), &s); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		out, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != in {
			t.Fatalf("marshal = %s, want %s", out, in)
		}
	}

	var s model.Sample
	if _, ok := s.Alternate("720p"); ok {
		t.Fatalf("absent alternates must miss")
	}
}
