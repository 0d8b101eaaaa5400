package cfg

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type parseConfigError struct {
	connString string
	msg        string
	err        error
}

func (e *parseConfigError) Error() string {
	connString := redactPW(e.connString)
	if e.err == nil {
		return fmt.Sprintf("cannot parse `%s`: %s", connString, e.msg)
	}
	return fmt.Sprintf("cannot parse `%s`: %s (%s)", connString, e.msg, e.err.Error())
}

func (e *parseConfigError) Unwrap() error {
	return e.err
}

// IsParseError reports whether err came from ParseConfig.
func IsParseError(err error) bool {
	_, ok := err.(*parseConfigError)
	return ok
}

var (
	quotedDSNPassword = regexp.MustCompile(`password='[^']*'`)
	plainDSNPassword  = regexp.MustCompile(`password=[^ ]*`)
	brokenURLPassword = regexp.MustCompile(`:[^:@]+?@`)
)

func redactPW(connString string) string {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		if u, err := url.Parse(connString); err == nil {
			return redactURL(u)
		}
	}
	connString = quotedDSNPassword.ReplaceAllLiteralString(connString, "password=xxxxx")
	connString = plainDSNPassword.ReplaceAllLiteralString(connString, "password=xxxxx")
	return brokenURLPassword.ReplaceAllLiteralString(connString, ":xxxxxx@")
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if _, pwSet := u.User.Password(); pwSet {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
