package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	if got := String("PIPELINES_ENV_STRING_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
	t.Setenv("PIPELINES_ENV_STRING", "value")
	if got := String("PIPELINES_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestList(t *testing.T) {
	def := []string{"a"}
	if got := List("PIPELINES_ENV_LIST_MISSING", def); !reflect.DeepEqual(got, def) {
		t.Fatalf("List()=%v, want %v", got, def)
	}
	t.Setenv("PIPELINES_ENV_LIST", " openid, ,pipelines ")
	if got := List("PIPELINES_ENV_LIST", def); !reflect.DeepEqual(got, []string{"openid", "pipelines"}) {
		t.Fatalf("List()=%v", got)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("PIPELINES_ENV_DURATION_MISSING", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("Duration()=%v err=%v, want 5s", got, err)
	}
	t.Setenv("PIPELINES_ENV_DURATION", "250ms")
	got, err = Duration("PIPELINES_ENV_DURATION", 5*time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v err=%v, want 250ms", got, err)
	}
	t.Setenv("PIPELINES_ENV_DURATION_INVALID", "soon")
	if _, err := Duration("PIPELINES_ENV_DURATION_INVALID", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool(t *testing.T) {
	got, err := Bool("PIPELINES_ENV_BOOL_MISSING", true)
	if err != nil || !got {
		t.Fatalf("Bool()=%v err=%v, want true", got, err)
	}
	t.Setenv("PIPELINES_ENV_BOOL", "false")
	got, err = Bool("PIPELINES_ENV_BOOL", true)
	if err != nil || got {
		t.Fatalf("Bool()=%v err=%v, want false", got, err)
	}
	t.Setenv("PIPELINES_ENV_BOOL_INVALID", "nope")
	if _, err := Bool("PIPELINES_ENV_BOOL_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt(t *testing.T) {
	got, err := Int("PIPELINES_ENV_INT_MISSING", 42)
	if err != nil || got != 42 {
		t.Fatalf("Int()=%v err=%v, want 42", got, err)
	}
	t.Setenv("PIPELINES_ENV_INT", "7")
	got, err = Int("PIPELINES_ENV_INT", 42)
	if err != nil || got != 7 {
		t.Fatalf("Int()=%v err=%v, want 7", got, err)
	}
	t.Setenv("PIPELINES_ENV_INT_INVALID", "many")
	if _, err := Int("PIPELINES_ENV_INT_INVALID", 42); err == nil {
		t.Fatalf("Int() expected error")
	}
}

func TestFloat(t *testing.T) {
	got, err := Float("PIPELINES_ENV_FLOAT_MISSING", 0.5)
	if err != nil || got != 0.5 {
		t.Fatalf("Float()=%v err=%v, want 0.5", got, err)
	}
	t.Setenv("PIPELINES_ENV_FLOAT", " 0.25 ")
	got, err = Float("PIPELINES_ENV_FLOAT", 0.5)
	if err != nil || got != 0.25 {
		t.Fatalf("Float()=%v err=%v, want 0.25", got, err)
	}
	t.Setenv("PIPELINES_ENV_FLOAT_INVALID", "half")
	if _, err := Float("PIPELINES_ENV_FLOAT_INVALID", 0.5); err == nil {
		t.Fatalf("expected parse error")
	}
}
