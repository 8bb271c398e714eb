package backend

import "testing"

func TestDecodeEventFlat(t *testing.T) {
	raw := []byte(`{"jobId":"j1","taskId":"t1","deviceId":"d1","actionName":"heat","status":"running"}`)

	ev := DecodeEvent(raw)
	if ev.Kind != EventStatus {
		t.Fatalf("Kind = %v, want EventStatus", ev.Kind)
	}
	if ev.Status.TaskID != "t1" || ev.Status.Status != "running" || ev.Status.JobID != "j1" {
		t.Errorf("decoded = %+v", ev.Status)
	}
}

func TestDecodeEventWrapped(t *testing.T) {
	raw := []byte(`{"code":0,"message":"ok","data":{"jobId":"j1","taskId":"t1","status":"success","returnInfo":{"value":42}}}`)

	ev := DecodeEvent(raw)
	if ev.Kind != EventStatus {
		t.Fatalf("Kind = %v, want EventStatus", ev.Kind)
	}
	if ev.Status.TaskID != "t1" || ev.Status.Status != "success" {
		t.Errorf("decoded = %+v", ev.Status)
	}
	if string(ev.Status.ReturnInfo) != `{"value":42}` {
		t.Errorf("ReturnInfo = %s", ev.Status.ReturnInfo)
	}
}

func TestDecodeEventDoubleWrapped(t *testing.T) {
	raw := []byte(`{"data":{"data":{"taskId":"t1","status":"fail","feedbackData":{"step":3}}}}`)

	ev := DecodeEvent(raw)
	if ev.Kind != EventStatus {
		t.Fatalf("Kind = %v, want EventStatus", ev.Kind)
	}
	if ev.Status.Status != "fail" {
		t.Errorf("Status = %q, want fail (raw spelling preserved)", ev.Status.Status)
	}
}

func TestDecodeEventUnrecognized(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing status", `{"taskId":"t1"}`},
		{"missing task id", `{"status":"running"}`},
		{"empty object", `{}`},
		{"too deep", `{"data":{"data":{"data":{"taskId":"t1","status":"running"}}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := DecodeEvent([]byte(tc.raw))
			if ev.Kind != EventUnrecognized {
				t.Errorf("Kind = %v, want EventUnrecognized", ev.Kind)
			}
			if string(ev.Raw) != tc.raw {
				t.Errorf("Raw not preserved: %s", ev.Raw)
			}
		})
	}
}
