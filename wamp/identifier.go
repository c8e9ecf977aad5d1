package wamp

import "regexp"

// ID is an integer identifier in the range [1, 2^53].
type ID uint64

// URI is a dot-separated identifier naming a realm, topic, procedure, or
// error.  Components should contain only letters, numbers, and underscores.
type URI string

// Error implements the error interface, so that a URI carried as an error
// reason, such as the predefined wamp.error values, can be matched with
// errors.Is.
func (u URI) Error() string { return string(u) }

var (
	// loose URI check disallowing empty components
	looseURINonEmpty = regexp.MustCompile(`^([^\s\.#]+\.)*([^\s\.#]+)$`)
	// loose URI check disallowing empty components in all but the last
	looseURILastEmpty = regexp.MustCompile(`^([^\s\.#]+\.)*([^\s\.#]*)$`)
	// loose URI check allowing empty components
	looseURIEmpty = regexp.MustCompile(`^(([^\s\.#]+\.)|\.)*([^\s\.#]+)?$`)
	// strict URI check disallowing empty components
	strictURINonEmpty = regexp.MustCompile(`^([0-9a-z_]+\.)*([0-9a-z_]+)$`)
	// strict URI check disallowing empty components in all but the last
	strictURILastEmpty = regexp.MustCompile(`^([0-9a-z_]+\.)*([0-9a-z_]*)$`)
	// strict URI check allowing empty components
	strictURIEmpty = regexp.MustCompile(`^(([0-9a-z_]+\.)|\.)*([0-9a-z_]+)?$`)
)

// ValidURI reports whether the URI complies with the formatting rules
// selected by the strict flag and the match policy.  Prefix matching allows
// an empty last component and wildcard matching allows empty components
// anywhere.
func (u URI) ValidURI(strict bool, match string) bool {
	if strict {
		switch match {
		case MatchWildcard:
			return strictURIEmpty.MatchString(string(u))
		case MatchPrefix:
			return strictURILastEmpty.MatchString(string(u))
		}
		return strictURINonEmpty.MatchString(string(u))
	}
	switch match {
	case MatchWildcard:
		return looseURIEmpty.MatchString(string(u))
	case MatchPrefix:
		return looseURILastEmpty.MatchString(string(u))
	}
	return looseURINonEmpty.MatchString(string(u))
}
