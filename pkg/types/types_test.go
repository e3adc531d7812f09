package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventMarshalOrder(t *testing.T) {
	event := &Event{
		Fields: []Field{
			{Name: "id", Value: "1"},
			{Name: "val", Value: "x"},
		},
		Source:     "a.csv",
		Sourcetype: "csv_data",
		Index:      "main",
		Time:       time.Unix(1700000000, 250*int64(time.Millisecond)),
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"id":"1","val":"x","source":"a.csv","sourcetype":"csv_data","index":"main","time":1700000000.250}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	again, _ := json.Marshal(event)
	if string(again) != string(data) {
		t.Error("serialization is not deterministic")
	}
}

func TestEventMarshalEscaping(t *testing.T) {
	event := &Event{
		Fields:     []Field{{Name: "msg", Value: "say \"hi\"\nbye"}},
		Source:     "b.csv",
		Sourcetype: "csv_data",
		Index:      "main",
		Time:       time.Unix(0, 0),
	}

	data, err := event.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%s)", err, data)
	}
	if decoded["msg"] != "say \"hi\"\nbye" {
		t.Errorf("msg = %q", decoded["msg"])
	}
}

func TestEventGet(t *testing.T) {
	event := &Event{Fields: []Field{{Name: "a", Value: "1"}}}

	if v, ok := event.Get("a"); !ok || v != "1" {
		t.Errorf("Get(a) = %q, %v", v, ok)
	}
	if _, ok := event.Get("b"); ok {
		t.Error("Get(b) should not be found")
	}
	if m := event.FieldMap(); m["a"] != "1" || len(m) != 1 {
		t.Errorf("FieldMap() = %v", m)
	}
}

func TestEventFieldsJSON(t *testing.T) {
	event := &Event{
		Fields: []Field{
			{Name: "b", Value: "2"},
			{Name: "a", Value: "1"},
		},
		Source: "a.csv",
	}

	data, err := event.FieldsJSON()
	if err != nil {
		t.Fatalf("FieldsJSON() error = %v", err)
	}
	if want := `{"b":"2","a":"1"}`; string(data) != want {
		t.Errorf("FieldsJSON() = %s, want %s", data, want)
	}

	empty, _ := (&Event{}).FieldsJSON()
	if string(empty) != "{}" {
		t.Errorf("empty FieldsJSON() = %s, want {}", empty)
	}
}
