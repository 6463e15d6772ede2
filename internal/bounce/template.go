// Package bounce implements the bounce/delay/success/verify message
// template support: a handful of built-in templates, an operator
// override file format, and a $name expander that fills them in with
// the reporting host's identity and queue-lifetime parameters.
//
// Grounded on original_source/postfix/src/bounce/bounce_template.c.
package bounce

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Encoding names the two MIME content-transfer-encodings a template
// body can require, matching MAIL_ATTR_ENC_7BIT/MAIL_ATTR_ENC_8BIT.
type Encoding string

const (
	Encoding7Bit Encoding = "7bit"
	Encoding8Bit Encoding = "8bit"
)

const (
	ClassFail    = "failure"
	ClassDelay   = "delay"
	ClassSuccess = "success"
	ClassVerify  = "verify"
)

// Template is one bounce/delay/success/verify message: the envelope
// sender and subject to use, and the body text to run through Expand.
type Template struct {
	Class              string
	Charset            string
	Encoding           Encoding
	From               string
	Subject            string
	PostmasterSubject  string
	HasPostmasterSubj  bool
	Body               []string
}

func defaultTemplate(class, subject, postmasterSubject string, body []string) *Template {
	t := &Template{
		Class:    class,
		Charset:  "us-ascii",
		Encoding: Encoding7Bit,
		From:     "MAILER-DAEMON (Mail Delivery System)",
		Subject:  subject,
		Body:     body,
	}
	if postmasterSubject != "" {
		t.PostmasterSubject = postmasterSubject
		t.HasPostmasterSubj = true
	}
	return t
}

// DefaultFail returns the built-in template for permanent delivery
// failure notices.
func DefaultFail() *Template {
	return defaultTemplate(ClassFail,
		"Undelivered Mail Returned to Sender",
		"Postmaster Copy: Undelivered Mail",
		[]string{
			"This is the $mail_name program at host $myhostname.",
			"",
			"I'm sorry to have to inform you that your message could not",
			"be delivered to one or more recipients. It's attached below.",
			"",
			"For further assistance, please send mail to <postmaster>",
			"",
			"If you do so, please include this problem report. You can",
			"delete your own text from the attached returned message.",
			"",
			"                   The $mail_name program",
		})
}

// DefaultDelay returns the built-in template for delayed-mail warnings.
func DefaultDelay() *Template {
	return defaultTemplate(ClassDelay,
		"Delayed Mail (still being retried)",
		"Postmaster Warning: Delayed Mail",
		[]string{
			"This is the $mail_name program at host $myhostname.",
			"",
			"####################################################################",
			"# THIS IS A WARNING ONLY.  YOU DO NOT NEED TO RESEND YOUR MESSAGE. #",
			"####################################################################",
			"",
			"Your message could not be delivered for $delay_warning_time_hours hour(s).",
			"It will be retried until it is $maximal_queue_lifetime_days day(s) old.",
			"",
			"For further assistance, please send mail to <postmaster>",
			"",
			"If you do so, please include this problem report. You can",
			"delete your own text from the attached returned message.",
			"",
			"                   The $mail_name program",
		})
}

// DefaultSuccess returns the built-in template for delivery-confirmation
// notices ("delivered", "expanded", "relayed").
func DefaultSuccess() *Template {
	return defaultTemplate(ClassSuccess,
		"Successful Mail Delivery Report",
		"",
		[]string{
			"This is the $mail_name program at host $myhostname.",
			"",
			"Your message was successfully delivered to the destination(s)",
			"listed below. If the message was delivered to mailbox you will",
			"receive no further notifications. Otherwise you may still receive",
			"notifications of mail delivery errors from other systems.",
			"",
			"                   The $mail_name program",
		})
}

// DefaultVerify returns the built-in template used for verbose delivery
// (sendmail -v) and address verification (sendmail -bv) reports.
func DefaultVerify() *Template {
	return defaultTemplate(ClassVerify,
		"Mail Delivery Status Report",
		"",
		[]string{
			"This is the $mail_name program at host $myhostname.",
			"",
			"Enclosed is the mail delivery report that you requested.",
			"",
			"                   The $mail_name program",
		})
}

// Vars supplies the $name values a template may reference, standing in
// for the main.cf parameter lookup (mail_conf_lookup_eval) of the
// original. DelayWarningTime and MaximalQueueLifetime additionally back
// the $<param>_{seconds,minutes,hours,days,weeks} conversions.
type Vars struct {
	MailName              string
	MyHostname            string
	DelayWarningTime      time.Duration
	MaximalQueueLifetime  time.Duration
	// Extra holds any other $name value a custom template might
	// reference that isn't one of the fields above.
	Extra map[string]string
}

type timeDivisor struct {
	suffix  string
	divisor int64
}

// timeDivisors mirrors time_divisors[]: the divisor converts a
// parameter's value, in seconds, into the unit named by the suffix.
var timeDivisors = []timeDivisor{
	{"seconds", 1},
	{"minutes", 60},
	{"hours", 60 * 60},
	{"days", 24 * 60 * 60},
	{"weeks", 7 * 24 * 60 * 60},
}

// timeParam mirrors time_parameter[]: the small set of main.cf
// parameters that support automatic _days/_hours/etc. conversion.
func (v Vars) timeParam(name string) (time.Duration, bool) {
	switch name {
	case "delay_warning_time":
		return v.DelayWarningTime, true
	case "maximal_queue_lifetime":
		return v.MaximalQueueLifetime, true
	default:
		return 0, false
	}
}

// lookup implements bounce_template_lookup: $name values that end in a
// recognized time parameter name plus a time-unit suffix are scaled
// accordingly; everything else defers to a generic value.
func (v Vars) lookup(key, class string, warn func(string)) (string, bool, error) {
	if idx := strings.LastIndexByte(key, '_'); idx > 0 {
		paramName, suffix := key[:idx], key[idx+1:]
		if base, ok := v.timeParam(paramName); ok {
			for _, d := range timeDivisors {
				if d.suffix != suffix {
					continue
				}
				seconds := int64(base / time.Second)
				result := seconds / d.divisor
				if result > 999 && d.divisor < 86400 {
					warn(fmt.Sprintf("excessive result %q in %s template conversion of parameter %q; "+
						"please increase time unit %q", strconv.FormatInt(result, 10), class, key, suffix))
				} else if result == 0 && seconds != 0 && d.divisor > 1 {
					warn(fmt.Sprintf("zero result in %s template conversion of parameter %q; "+
						"please reduce time unit %q", class, key, suffix))
				}
				return strconv.FormatInt(result, 10), true, nil
			}
			return "", false, fmt.Errorf("bounce: unrecognized time unit suffix %q in parameter %q", suffix, key)
		}
	}
	if v.Extra != nil {
		if val, ok := v.Extra[key]; ok {
			return val, true, nil
		}
	}
	switch key {
	case "mail_name":
		return v.MailName, true, nil
	case "myhostname":
		return v.MyHostname, true, nil
	}
	return "", false, nil
}

// Expand fills in a template's body text, returning one expanded line
// per line of Template.Body. Mirrors bounce_template_expand; an
// undefined $name or a malformed $name both come back as an error
// rather than the original's process-ending msg_fatal.
func Expand(tmpl *Template, vars Vars, warn func(string)) ([]string, error) {
	if warn == nil {
		warn = func(string) {}
	}
	out := make([]string, len(tmpl.Body))
	for i, line := range tmpl.Body {
		expanded, err := expandLine(line, func(name string) (string, bool, error) {
			return vars.lookup(name, tmpl.Class, warn)
		})
		if err != nil {
			return nil, fmt.Errorf("bounce: %s template: %w", tmpl.Class, err)
		}
		out[i] = expanded
	}
	return out, nil
}

func expandLine(line string, lookup func(name string) (string, bool, error)) (string, error) {
	var buf strings.Builder
	i := 0
	for i < len(line) {
		c := line[i]
		if c != '$' {
			buf.WriteByte(c)
			i++
			continue
		}
		i++
		if i >= len(line) {
			return "", fmt.Errorf("bad $name syntax: %q", line)
		}

		var name string
		if line[i] == '{' || line[i] == '(' {
			closing := byte('}')
			if line[i] == '(' {
				closing = ')'
			}
			j := i + 1
			for j < len(line) && line[j] != closing {
				j++
			}
			if j >= len(line) {
				return "", fmt.Errorf("bad $name syntax: %q", line)
			}
			name = line[i+1 : j]
			i = j + 1
		} else {
			j := i
			for j < len(line) && isMacroNameByte(line[j]) {
				j++
			}
			if j == i {
				return "", fmt.Errorf("bad $name syntax: %q", line)
			}
			name = line[i:j]
			i = j
		}

		val, ok, err := lookup(name)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("undefined $name: %s", name)
		}
		buf.WriteString(val)
	}
	return buf.String(), nil
}

func isMacroNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
