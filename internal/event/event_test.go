package event

import (
	"errors"
	"strings"
	"testing"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 50)

	tests := []struct {
		name     string
		appLabel string
		message  string
		want     string
	}{
		{"short message kept whole", "api", "boom", "api:boom"},
		{"exactly fifty", "api", long, "api:" + long},
		{"cut at fifty", "api", long + "tail", "api:" + long},
		{"empty app label", "", "boom", ":boom"},
		{"no case folding", "api", "Boom", "api:Boom"},
		{"multibyte not split", "api", strings.Repeat("é", 60), "api:" + strings.Repeat("é", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Fingerprint(tt.appLabel, tt.message); got != tt.want {
				t.Errorf("Fingerprint(%q, %q) = %q, want %q", tt.appLabel, tt.message, got, tt.want)
			}
		})
	}
}

func TestFingerprint_PrefixBoundary(t *testing.T) {
	t.Parallel()

	head := "OperationalError: connection to server at db-prod1"
	if len(head) != 50 {
		t.Fatalf("test setup: head is %d chars, want 50", len(head))
	}

	a := LogEvent{AppLabel: "user-data", Message: head + " timed out after 30s"}
	b := LogEvent{AppLabel: "user-data", Message: head + " refused"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("messages sharing a 50-char prefix must collide: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	c := LogEvent{AppLabel: "user-data", Message: "req-0001 " + head}
	d := LogEvent{AppLabel: "user-data", Message: "req-0002 " + head}
	if c.Fingerprint() == d.Fingerprint() {
		t.Errorf("messages differing inside the prefix must not collide: %q", c.Fingerprint())
	}

	e := LogEvent{AppLabel: "billing", Message: a.Message}
	if a.Fingerprint() == e.Fingerprint() {
		t.Error("different app labels must not collide")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("Truncate long = %q, want %q", got, "abcd...")
	}
}

const validEvent = `{"message":"disk quota exceeded","level":"ERROR","k8s_container":"worker","k8s_pod":"worker-33","k8s_namespace":"prod","k8s_app_label":"batch","k8s_job_name":"","k8s_image":"worker:v1","timestamp":"2025-11-17T11:10:01Z"}`

func TestDecodeBatch_SingleObject(t *testing.T) {
	t.Parallel()

	events, err := DecodeBatch([]byte(validEvent))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Message != "disk quota exceeded" || ev.AppLabel != "batch" || ev.Pod != "worker-33" ||
		ev.Namespace != "prod" || ev.Container != "worker" || ev.Image != "worker:v1" ||
		ev.Level != "ERROR" || ev.Timestamp != "2025-11-17T11:10:01Z" || ev.JobName != "" {
		t.Errorf("decoded event = %+v", ev)
	}
}

func TestDecodeBatch_ArrayPreservesOrder(t *testing.T) {
	t.Parallel()

	second := strings.Replace(validEvent, "disk quota exceeded", "deadlock found", 1)
	events, err := DecodeBatch([]byte("[" + validEvent + "," + second + "]"))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Message != "disk quota exceeded" || events[1].Message != "deadlock found" {
		t.Errorf("order not preserved: %q, %q", events[0].Message, events[1].Message)
	}
}

func TestDecodeBatch_EmptyArray(t *testing.T) {
	t.Parallel()

	events, err := DecodeBatch([]byte("[]"))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len = %d, want 0", len(events))
	}
}

func TestDecodeBatch_InvalidJSON(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "{bad", `{"message":`, "\x00\xff"} {
		_, err := DecodeBatch([]byte(body))
		if !errors.Is(err, ErrInvalidJSON) {
			t.Errorf("DecodeBatch(%q) error = %v, want ErrInvalidJSON", body, err)
		}
	}
}

func TestDecodeBatch_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantIndex int
		wantField string
	}{
		{"scalar top level", `"hello"`, -1, ""},
		{"number top level", `42`, -1, ""},
		{"array of scalars", `[1]`, 0, ""},
		{"missing pod", strings.Replace(validEvent, `"k8s_pod":"worker-33",`, "", 1), 0, "k8s_pod"},
		{"non-string level", strings.Replace(validEvent, `"level":"ERROR"`, `"level":3`, 1), 0, "level"},
		{"null image", strings.Replace(validEvent, `"k8s_image":"worker:v1"`, `"k8s_image":null`, 1), 0, "k8s_image"},
		{"empty message", strings.Replace(validEvent, `"message":"disk quota exceeded"`, `"message":""`, 1), 0, "message"},
		{"empty app label", strings.Replace(validEvent, `"k8s_app_label":"batch"`, `"k8s_app_label":""`, 1), 0, "k8s_app_label"},
		{"second element bad", "[" + validEvent + `,{"message":"x"}]`, 1, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeBatch([]byte(tt.body))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Index != tt.wantIndex {
				t.Errorf("Index = %d, want %d", ve.Index, tt.wantIndex)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
			if ve.Error() == "" {
				t.Error("empty error message")
			}
		})
	}
}

func FuzzDecodeBatch(f *testing.F) {
	f.Add([]byte(validEvent))
	f.Add([]byte("[" + validEvent + "]"))
	f.Add([]byte("{}"))
	f.Add([]byte("[]"))
	f.Add([]byte("{bad"))
	f.Add([]byte{0x00, 0xff, 0xfe})

	f.Fuzz(func(t *testing.T, body []byte) {
		events, err := DecodeBatch(body)
		if err != nil {
			return
		}
		for i, ev := range events {
			if ev.Message == "" || ev.AppLabel == "" {
				t.Errorf("event %d accepted with empty message or app label: %+v", i, ev)
			}
		}
	})
}
