package bounce

import (
	"fmt"
	"strings"
)

// ParseTemplate overlays an operator-supplied override, in the
// Label: value pseudo-header format below, atop def and returns the
// result. Any malformed input falls back to def unchanged; warn is
// called once with the reason. Mirrors bounce_template_find.
//
//	Charset: iso-8859-1
//	From: Mail Delivery System <postmaster>
//	Subject: Undelivered mail
//	Postmaster-Subject: Postmaster copy
//
//	This is the body text, one or more lines, ending at EOF.
func ParseTemplate(name, raw string, def *Template, warn func(string)) *Template {
	if warn == nil {
		warn = func(string) {}
	}
	fallback := func(reason string) *Template {
		warn(fmt.Sprintf("%s: %s -- ignoring this template", name, reason))
		return def
	}

	tmpl := *def
	tmpl.Body = nil

	lines := strings.Split(raw, "\n")
	i := 0

	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			break
		}
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			return fallback(fmt.Sprintf("malformed header line %q", line))
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return fallback(fmt.Sprintf("empty %q header value", label))
		}
		if !isASCII(value) {
			return fallback(fmt.Sprintf("non-ASCII %q header value", label))
		}
		switch strings.ToLower(label) {
		case "charset":
			tmpl.Charset = value
		case "from":
			tmpl.From = value
		case "subject":
			tmpl.Subject = value
		case "postmaster-subject":
			if !def.HasPostmasterSubj {
				return fallback(fmt.Sprintf("inapplicable %q header label", label))
			}
			tmpl.PostmasterSubject = value
			tmpl.HasPostmasterSubj = true
		default:
			return fallback(fmt.Sprintf("unknown %q header label", label))
		}
	}

	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return fallback("missing message text")
	}

	body := lines[i:]
	// Drop a single trailing blank entry from a terminal newline.
	if len(body) > 0 && body[len(body)-1] == "" {
		body = body[:len(body)-1]
	}

	if strings.EqualFold(tmpl.Charset, "us-ascii") {
		for _, l := range body {
			if !isASCII(l) {
				return fallback("8-bit message text with charset us-ascii; " +
					"please specify a charset value other than us-ascii")
			}
		}
	} else {
		for _, l := range body {
			if !isASCII(l) {
				tmpl.Encoding = Encoding8Bit
				break
			}
		}
	}

	tmpl.Body = body
	return &tmpl
}

// Set is the four bounce templates a running instance uses, each
// either the built-in default or an operator override.
type Set struct {
	Fail    *Template
	Delay   *Template
	Success *Template
	Verify  *Template
}

// DefaultSet returns the four built-in templates with no overrides
// applied.
func DefaultSet() Set {
	return Set{
		Fail:    DefaultFail(),
		Delay:   DefaultDelay(),
		Success: DefaultSuccess(),
		Verify:  DefaultVerify(),
	}
}

// LoadOverrides applies raw, operator-supplied per-class template text
// (keyed by ClassFail/ClassDelay/ClassSuccess/ClassVerify) atop the
// built-in defaults.
func LoadOverrides(raw map[string]string, warn func(string)) Set {
	set := DefaultSet()
	if text, ok := raw[ClassFail]; ok {
		set.Fail = ParseTemplate(ClassFail, text, DefaultFail(), warn)
	}
	if text, ok := raw[ClassDelay]; ok {
		set.Delay = ParseTemplate(ClassDelay, text, DefaultDelay(), warn)
	}
	if text, ok := raw[ClassSuccess]; ok {
		set.Success = ParseTemplate(ClassSuccess, text, DefaultSuccess(), warn)
	}
	if text, ok := raw[ClassVerify]; ok {
		set.Verify = ParseTemplate(ClassVerify, text, DefaultVerify(), warn)
	}
	return set
}
