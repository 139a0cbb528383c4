package isolate

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

var errUnterminated = errors.New("unterminated literal or comment")

// token is one lexical token. Punctuators carry their text; names, numbers,
// strings, regular expressions and template segments are atoms with an empty
// punct.
type token struct {
	start int
	end   int
	punct string
}

// Longest first.
var punctuators = []string{
	">>>=",
	"...", "===", "!==", "**=", "<<=", ">>=", ">>>", "&&=", "||=", "??=",
	"=>", "==", "!=", "<=", ">=", "&&", "||", "??", "?.", "++", "--",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "<<", ">>", "**",
}

// lexer splits source into tokens. Whether a slash opens a regular
// expression depends on the grammar, so regular expression literals are
// taken from the parsed AST (start offset to end offset) rather than
// guessed.
type lexer struct {
	src     string
	regexps map[int]int
	pos     int
	toks    []token

	// brace depth to restore when each open template substitution closes
	subst []int
	depth int
}

func tokenize(src string, regexps map[int]int) ([]token, error) {
	lx := &lexer{src: src, regexps: regexps}
	for {
		if err := lx.trivia(); err != nil {
			return nil, err
		}
		if lx.pos >= len(src) {
			break
		}
		if err := lx.next(); err != nil {
			return nil, err
		}
	}
	if len(lx.subst) > 0 {
		return nil, errUnterminated
	}
	return lx.toks, nil
}

func (lx *lexer) emit(start int, punct string) {
	lx.toks = append(lx.toks, token{start: start, end: lx.pos, punct: punct})
}

// trivia skips whitespace and comments.
func (lx *lexer) trivia() error {
	for lx.pos < len(lx.src) {
		rest := lx.src[lx.pos:]
		c := rest[0]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f':
			lx.pos++
		case strings.HasPrefix(rest, "//"):
			end := strings.IndexAny(rest, "\n\r\u2028\u2029")
			if end < 0 {
				end = len(rest)
			}
			lx.pos += end
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			if end < 0 {
				return errUnterminated
			}
			lx.pos += end + 4
		case c >= utf8.RuneSelf:
			r, size := utf8.DecodeRuneInString(rest)
			if !isSpaceRune(r) {
				return nil
			}
			lx.pos += size
		default:
			return nil
		}
	}
	return nil
}

func isSpaceRune(r rune) bool {
	return unicode.IsSpace(r) || r == '\uFEFF'
}

func (lx *lexer) next() error {
	start := lx.pos
	if end, ok := lx.regexps[start]; ok && end > start {
		lx.pos = end
		lx.emit(start, "")
		return nil
	}

	c := lx.src[start]
	switch {
	case c == '"' || c == '\'':
		return lx.quoted(c)
	case c == '`':
		lx.pos++
		return lx.template(start)
	case c == '{':
		lx.depth++
	case c == '}':
		if lx.depth == 0 && len(lx.subst) > 0 {
			lx.depth = lx.subst[len(lx.subst)-1]
			lx.subst = lx.subst[:len(lx.subst)-1]
			lx.pos++
			return lx.template(start)
		}
		lx.depth--
	case isNameByte(c) || c >= utf8.RuneSelf:
		lx.name()
		lx.emit(start, "")
		return nil
	}

	for _, p := range punctuators {
		if strings.HasPrefix(lx.src[start:], p) {
			lx.pos += len(p)
			lx.emit(start, p)
			return nil
		}
	}
	lx.pos++
	lx.emit(start, lx.src[start:lx.pos])
	return nil
}

func isNameByte(c byte) bool {
	return c == '_' || c == '$' || c == '\\' ||
		'0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

// name consumes an identifier, keyword or number.
func (lx *lexer) name() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c < utf8.RuneSelf {
			if !isNameByte(c) {
				return
			}
			lx.pos++
			continue
		}
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if isSpaceRune(r) {
			return
		}
		lx.pos += size
	}
}

func (lx *lexer) quoted(q byte) error {
	start := lx.pos
	for lx.pos++; lx.pos < len(lx.src); lx.pos++ {
		switch lx.src[lx.pos] {
		case '\\':
			if strings.HasPrefix(lx.src[lx.pos:], "\\\r\n") {
				lx.pos++
			}
			lx.pos++
		case q:
			lx.pos++
			lx.emit(start, "")
			return nil
		case '\n', '\r':
			return errUnterminated
		}
	}
	return errUnterminated
}

// template consumes a template segment up to the closing backtick or the
// next substitution, whose tokens are lexed as ordinary code.
func (lx *lexer) template(start int) error {
	for ; lx.pos < len(lx.src); lx.pos++ {
		switch lx.src[lx.pos] {
		case '\\':
			lx.pos++
		case '`':
			lx.pos++
			lx.emit(start, "")
			return nil
		case '$':
			if strings.HasPrefix(lx.src[lx.pos:], "${") {
				lx.pos += 2
				lx.emit(start, "")
				lx.subst = append(lx.subst, lx.depth)
				lx.depth = 0
				return nil
			}
		}
	}
	return errUnterminated
}
