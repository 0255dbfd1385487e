package crypto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmcleod/ironkeep/internal/util"
)

// TokenKind distinguishes what a token unlocks.
type TokenKind byte

const (
	TokenTempMaster TokenKind = 'M'
	TokenRecovery   TokenKind = 'R'
)

const (
	tokenVersion   = 1
	tokenIDLen     = 6
	tokenSecretLen = 20
)

var tokenRE = regexp.MustCompile(`^([MR])(\d)-([A-Z0-9]{6})-([A-Z0-9]{5})-([A-Z0-9]{5})-([A-Z0-9]{5})-([A-Z0-9]{5})$`)

// Token is a versioned, human-transcribable credential. The ID is stored in
// clear for lookup; the secret only ever leaves the server in the token
// string itself.
type Token interface {
	fmt.Stringer
	Kind() TokenKind
	Version() int
	ID() string
	Secret() string
}

type token struct {
	kind    TokenKind
	version int
	id      string
	secret  string
}

func (t *token) String() string {
	s := t.secret
	return fmt.Sprintf("%c%d-%s-%s-%s-%s-%s",
		t.kind, t.version, t.id,
		s[0:5], s[5:10], s[10:15], s[15:20])
}

func (t *token) Kind() TokenKind {
	return t.kind
}

func (t *token) Version() int {
	return t.version
}

func (t *token) ID() string {
	return t.id
}

func (t *token) Secret() string {
	return t.secret
}

// ParseToken parses a token from its formatted string representation.
// Surrounding whitespace and lower case input are accepted.
func ParseToken(str string) (Token, error) {
	matches := tokenRE.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(str)))
	if matches == nil {
		return nil, ErrInvalidToken
	}

	version, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, fmt.Errorf("parsing version: %w", err)
	}
	if version != tokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidToken, version)
	}

	return &token{
		kind:    TokenKind(matches[1][0]),
		version: version,
		id:      matches[3],
		secret:  strings.Join(matches[4:], ""),
	}, nil
}

// NewToken generates a new random token of the given kind.
func NewToken(kind TokenKind) (Token, error) {
	if kind != TokenTempMaster && kind != TokenRecovery {
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
	id, err := util.RandomChars(tokenIDLen)
	if err != nil {
		return nil, fmt.Errorf("generating token ID: %w", err)
	}
	secret, err := util.RandomChars(tokenSecretLen)
	if err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}
	return &token{
		kind:    kind,
		version: tokenVersion,
		id:      id,
		secret:  secret,
	}, nil
}

// HashToken returns the hex SHA-256 of a token's string form, suitable for
// storage and constant-time comparison.
func HashToken(t Token) string {
	return util.SHA256Hex([]byte(t.String()))
}
