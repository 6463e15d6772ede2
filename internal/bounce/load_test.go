package bounce

import "testing"

func TestParseTemplateOverridesHeaderFields(t *testing.T) {
	raw := "Charset: iso-8859-1\n" +
		"From: Mail Delivery System <postmaster@example.com>\n" +
		"Subject: Your mail did not arrive\n" +
		"\n" +
		"Custom body line one.\n" +
		"Custom body line two.\n"

	tmpl := ParseTemplate(ClassFail, raw, DefaultFail(), failTestWarn(t))

	if tmpl.Charset != "iso-8859-1" {
		t.Fatalf("charset = %q", tmpl.Charset)
	}
	if tmpl.From != "Mail Delivery System <postmaster@example.com>" {
		t.Fatalf("from = %q", tmpl.From)
	}
	if tmpl.Subject != "Your mail did not arrive" {
		t.Fatalf("subject = %q", tmpl.Subject)
	}
	if len(tmpl.Body) != 2 || tmpl.Body[0] != "Custom body line one." {
		t.Fatalf("body = %#v", tmpl.Body)
	}
}

func TestParseTemplateFallsBackOnUnknownLabel(t *testing.T) {
	raw := "Bogus-Label: value\n\nbody\n"
	var warned bool
	tmpl := ParseTemplate(ClassFail, raw, DefaultFail(), func(string) { warned = true })
	if !warned {
		t.Fatal("expected a warning for the unknown header label")
	}
	if len(tmpl.Body) == 0 || tmpl.Body[0] == "body" {
		t.Fatalf("expected fallback to the built-in default body, got %#v", tmpl.Body)
	}
}

func TestParseTemplateRejectsPostmasterSubjectWhenInapplicable(t *testing.T) {
	raw := "Postmaster-Subject: Should not be allowed here\n\nbody\n"
	var warned bool
	tmpl := ParseTemplate(ClassSuccess, raw, DefaultSuccess(), func(string) { warned = true })
	if !warned {
		t.Fatal("expected a warning: success template has no postmaster subject slot")
	}
	if tmpl.HasPostmasterSubj {
		t.Fatal("fallback template should not have gained a postmaster subject")
	}
}

func TestParseTemplateRejectsNonASCIIBodyWithUSASCIICharset(t *testing.T) {
	raw := "Charset: us-ascii\n\ncaf\xc3\xa9\n"
	var warned bool
	tmpl := ParseTemplate(ClassFail, raw, DefaultFail(), func(string) { warned = true })
	if !warned {
		t.Fatal("expected a warning for 8-bit body text under us-ascii charset")
	}
	if tmpl.Body[0] == "café" {
		t.Fatal("should have fallen back to the built-in body, not kept the 8-bit override")
	}
}

func TestParseTemplateAllows8BitBodyWithOtherCharset(t *testing.T) {
	raw := "Charset: utf-8\n\ncaf\xc3\xa9\n"
	tmpl := ParseTemplate(ClassFail, raw, DefaultFail(), failTestWarn(t))
	if tmpl.Encoding != Encoding8Bit {
		t.Fatalf("encoding = %q, want 8bit", tmpl.Encoding)
	}
	if len(tmpl.Body) != 1 || tmpl.Body[0] != "café" {
		t.Fatalf("body = %#v", tmpl.Body)
	}
}

func TestParseTemplateRejectsEmptyHeaderValue(t *testing.T) {
	raw := "Subject:\n\nbody\n"
	var warned bool
	tmpl := ParseTemplate(ClassFail, raw, DefaultFail(), func(string) { warned = true })
	if !warned || tmpl.Subject == "" {
		t.Fatal("expected fallback on an empty header value")
	}
}

func TestLoadOverridesAppliesOnlyNamedClasses(t *testing.T) {
	set := LoadOverrides(map[string]string{
		ClassFail: "Subject: Custom failure subject\n\nbody\n",
	}, failTestWarn(t))

	if set.Fail.Subject != "Custom failure subject" {
		t.Fatalf("fail subject = %q", set.Fail.Subject)
	}
	if set.Delay.Subject != DefaultDelay().Subject {
		t.Fatalf("delay template should be untouched default")
	}
}

func failTestWarn(t *testing.T) func(string) {
	t.Helper()
	return func(msg string) { t.Fatalf("unexpected warning: %s", msg) }
}
