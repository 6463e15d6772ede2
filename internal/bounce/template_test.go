package bounce

import (
	"strings"
	"testing"
	"time"
)

func TestExpandSubstitutesMailNameAndHostname(t *testing.T) {
	tmpl := DefaultFail()
	vars := Vars{MailName: "postfixcore", MyHostname: "mx.example.com"}

	out, err := Expand(tmpl, vars, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "This is the postfixcore program at host mx.example.com." {
		t.Fatalf("line 0 = %q", out[0])
	}
}

func TestExpandTimeParameterDividesBySuffixUnit(t *testing.T) {
	tmpl := DefaultDelay()
	vars := Vars{
		MailName:             "postfixcore",
		MyHostname:           "mx.example.com",
		DelayWarningTime:     4 * time.Hour,
		MaximalQueueLifetime: 5 * 24 * time.Hour,
	}

	out, err := Expand(tmpl, vars, nil)
	if err != nil {
		t.Fatal(err)
	}

	var delayLine, lifetimeLine string
	for _, l := range out {
		if strings.Contains(l, "hour(s)") {
			delayLine = l
		}
		if strings.Contains(l, "day(s) old") {
			lifetimeLine = l
		}
	}
	if !strings.Contains(delayLine, "for 4 hour(s)") {
		t.Fatalf("delay line = %q", delayLine)
	}
	if !strings.Contains(lifetimeLine, "is 5 day(s) old") {
		t.Fatalf("lifetime line = %q", lifetimeLine)
	}
}

func TestExpandWarnsOnZeroResult(t *testing.T) {
	tmpl := DefaultDelay()
	vars := Vars{DelayWarningTime: 30 * time.Minute, MaximalQueueLifetime: 5 * 24 * time.Hour}

	var warnings []string
	_, err := Expand(tmpl, vars, func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected a zero-result warning for a half-hour delay expressed in whole hours")
	}
}

func TestExpandWarnsOnExcessiveResult(t *testing.T) {
	tmpl := DefaultDelay()
	vars := Vars{DelayWarningTime: 2000 * time.Hour, MaximalQueueLifetime: 5 * 24 * time.Hour}

	var warnings []string
	_, err := Expand(tmpl, vars, func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected an excessive-result warning for a 2000-hour delay")
	}
}

func TestExpandUndefinedNameIsError(t *testing.T) {
	tmpl := &Template{Class: ClassFail, Body: []string{"value is $no_such_param"}}
	if _, err := Expand(tmpl, Vars{}, nil); err == nil {
		t.Fatal("expected an error for an undefined $name")
	}
}

func TestExpandBadSyntaxIsError(t *testing.T) {
	tmpl := &Template{Class: ClassFail, Body: []string{"trailing dollar $"}}
	if _, err := Expand(tmpl, Vars{}, nil); err == nil {
		t.Fatal("expected an error for a bare trailing $")
	}
}

func TestExpandBracedName(t *testing.T) {
	tmpl := &Template{Class: ClassFail, Body: []string{"hi ${mail_name}!"}}
	out, err := Expand(tmpl, Vars{MailName: "postfixcore"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "hi postfixcore!" {
		t.Fatalf("out = %q", out[0])
	}
}

func TestExpandUnrecognizedTimeSuffixIsError(t *testing.T) {
	tmpl := &Template{Class: ClassDelay, Body: []string{"$delay_warning_time_fortnights"}}
	if _, err := Expand(tmpl, Vars{DelayWarningTime: time.Hour}, nil); err == nil {
		t.Fatal("expected an error for an unrecognized time unit suffix")
	}
}

func TestExpandExtraVars(t *testing.T) {
	tmpl := &Template{Class: ClassFail, Body: []string{"$custom"}}
	out, err := Expand(tmpl, Vars{Extra: map[string]string{"custom": "value"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "value" {
		t.Fatalf("out = %q", out[0])
	}
}
