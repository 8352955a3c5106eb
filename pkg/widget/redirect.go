package widget

import (
	"net/url"
	"strings"
)

// InterceptRedirect decides whether a navigation to target must be
// intercepted. Navigations starting with redirectTarget are never followed;
// their code and state query parameters become a Success signal. A missing
// parameter yields a MALFORMED_REDIRECT Failure. Provider errors reported as
// error/error_description parameters are passed through as Failure.
func InterceptRedirect(redirectTarget, target string) (Signal, bool) {
	if redirectTarget == "" || !strings.HasPrefix(target, redirectTarget) {
		return nil, false
	}

	u, err := url.Parse(target)
	if err != nil {
		return Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is not a valid URL"}, true
	}
	q := u.Query()

	if errID := q.Get("error"); errID != "" {
		return Failure{ErrorID: errID, Message: q.Get("error_description")}, true
	}

	code, state := q.Get("code"), q.Get("state")
	switch {
	case code == "" && state == "":
		return Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is missing code and state"}, true
	case code == "":
		return Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is missing code"}, true
	case state == "":
		return Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is missing state"}, true
	}
	return Success{Code: code, State: state}, true
}

// RedirectURL builds the navigation the provider performs after approval.
func RedirectURL(redirectTarget, code, state string) string {
	q := url.Values{}
	q.Set("code", code)
	q.Set("state", state)
	sep := "?"
	if strings.Contains(redirectTarget, "?") {
		sep = "&"
	}
	return redirectTarget + sep + q.Encode()
}
