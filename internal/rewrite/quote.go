// Package rewrite implements the address rewriter: a table-driven
// token rewriter serving external-form addresses to internal-form
// callers (and back), reachable locally for quoting and remotely via
// the framed attribute IPC (internal/attr) for the full ruleset pass.
//
// Grounded on original_source/postfix/src/trivial-rewrite alongside
// it in the pack (the rewrite half of trivial-rewrite, as opposed to
// resolve.c which internal/resolve covers) and on
// framework/address's RFC 5321/6531 local-part handling, adapted for
// RFC-822 backslash-quoting rather than SMTPUTF8 validation.
package rewrite

import (
	"fmt"

	"github.com/foxcpp/postfixcore/framework/address"
)

// Externalize quotes an internal-form (unquoted) address's local part
// for wire transmission to the rewrite service, mirroring
// resolve_addr's quote_822_local call.
func Externalize(internalAddr string) (string, error) {
	mailbox, domain, err := address.Split(internalAddr)
	if err != nil {
		return "", fmt.Errorf("rewrite: externalize: %w", err)
	}
	quoted := address.QuoteMbox(mailbox)
	if domain == "" {
		return quoted, nil
	}
	return quoted + "@" + domain, nil
}

// Internalize undoes Externalize: it unquotes the local part of an
// external-form address returned by the rewrite service.
func Internalize(externalAddr string) (string, error) {
	mailbox, domain, err := address.Split(externalAddr)
	if err != nil {
		return "", fmt.Errorf("rewrite: internalize: %w", err)
	}
	unquoted, err := address.UnquoteMbox(mailbox)
	if err != nil {
		return "", fmt.Errorf("rewrite: internalize: %w", err)
	}
	if domain == "" {
		return unquoted, nil
	}
	return unquoted + "@" + domain, nil
}
