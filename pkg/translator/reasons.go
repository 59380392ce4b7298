package translator

import (
	"fmt"
	"sort"
	"strings"

	cnserrors "github.com/gridjobs/engine/pkg/errors"
)

// TranslationError is a permanent failure to materialize a job. Reason is
// the short text stored on the record.
type TranslationError struct {
	Reason string
	Err    error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

func translationErr(reason string, err error) error {
	return cnserrors.Wrap(cnserrors.ErrCodeTranslation, reason, &TranslationError{Reason: reason, Err: err})
}

const quotaKeyword = "limited: "

// QuotaReason turns a ResourceQuota rejection message into a short reason
// such as "out of quota for cpu, memory". ok is false when the message is
// not a quota rejection.
func QuotaReason(message string) (reason string, ok bool) {
	if !strings.Contains(message, "exceeded quota") {
		return "", false
	}

	var kinds []string
	if i := strings.LastIndex(message, quotaKeyword); i >= 0 {
		for _, entry := range strings.Split(message[i+len(quotaKeyword):], ",") {
			key, _, _ := strings.Cut(strings.TrimSpace(entry), "=")
			key = strings.TrimPrefix(key, "requests.")
			key = strings.TrimPrefix(key, "limits.")
			if key != "" {
				kinds = append(kinds, key)
			}
		}
	}
	sort.Strings(kinds)
	kinds = dedupe(kinds)

	return "out of quota for " + strings.Join(kinds, ", "), true
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
