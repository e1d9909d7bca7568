package plcuda

import (
	"fmt"
	"strings"

	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

const directivePrefix = "#plcuda_"

// tokenizeDirective splits a directive's option string. Unquoted tokens are
// lowercased; single or double quotes preserve case and whitespace; a
// backslash escapes the next character; a dot is a standalone token joining
// identifiers into a dotted path.
func tokenizeDirective(s string) ([]string, error) {
	var (
		tokens []string
		token  strings.Builder
		quote  byte
	)
	flush := func() {
		if token.Len() > 0 {
			tokens = append(tokens, token.String())
			token.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			i++
			if i >= len(s) {
				return nil, fmt.Errorf("dangling backslash")
			}
			token.WriteByte(s[i])
		case quote != 0:
			if c == quote {
				tokens = append(tokens, token.String())
				token.Reset()
				quote = 0
			} else {
				token.WriteByte(c)
			}
		case c == '.':
			flush()
			if len(tokens) == 0 {
				return nil, fmt.Errorf("dotted path has no leading identifier")
			}
			tokens = append(tokens, ".")
		case c == '"' || c == '\'':
			flush()
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			token.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}

// expansion is the preprocessor output: the two code blocks plus how many
// include directives the source carries (compilation cannot be cached at
// creation time when helpers may change the code at run time).
type expansion struct {
	decl         string
	main         string
	includeCount int
}

type expandState struct {
	fn      *Function
	catalog Catalog
	args    []Argument // nil during validation

	source string
	lineno int

	curr         *strings.Builder
	decl         strings.Builder
	main         strings.Builder
	declSeen     bool
	mainSeen     bool
	includeCount int
	includeStack []FuncID
	errs         SourceError
}

func (st *expandState) errf(kind error, format string, args ...interface{}) {
	st.errs.add(st.source, st.lineno, kind, format, args...)
}

// expandFunction runs the preprocessor over fn's source. args carries the
// invocation arguments handed to helper expansions; it is nil when only
// validating, in which case helpers are still expanded so inclusion
// problems surface at creation time.
func expandFunction(fn *Function, catalog Catalog, args []Argument) (*expansion, error) {
	st := &expandState{
		fn:      fn,
		catalog: catalog,
		args:    args,
		source:  fn.Name,
	}
	st.expandText(fn.Source)
	if !st.errs.empty() {
		return nil, &st.errs
	}
	return &expansion{
		decl:         st.decl.String(),
		main:         st.main.String(),
		includeCount: st.includeCount,
	}, nil
}

func (st *expandState) expandText(text string) {
	st.lineno = 0
	for _, raw := range strings.Split(text, "\n") {
		st.lineno++
		line := strings.TrimRight(raw, " \t\r")
		if !strings.HasPrefix(line, directivePrefix) {
			if st.curr != nil {
				st.curr.WriteString(line)
				st.curr.WriteByte('\n')
			}
			continue
		}

		cmd := line
		rest := ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			cmd, rest = line[:i], line[i:]
		}
		options, err := tokenizeDirective(rest)
		if err != nil {
			st.errf(ErrParse, "directive parse error (%v):\n%s", err, line)
			continue
		}
		st.directive(cmd, options)
	}
}

func (st *expandState) directive(cmd string, options []string) {
	switch cmd {
	case directivePrefix + "decl":
		switch {
		case st.declSeen:
			st.errf(ErrParse, "%s appeared twice", cmd)
		case len(options) > 0:
			st.errf(ErrParse, "%s cannot take options", cmd)
		default:
			st.declSeen = true
			st.curr = &st.decl
		}
	case directivePrefix + "begin":
		switch {
		case st.mainSeen:
			st.errf(ErrParse, "%s appeared twice", cmd)
		case len(options) > 0:
			st.errf(ErrParse, "%s cannot take options", cmd)
		default:
			st.mainSeen = true
			st.curr = &st.main
		}
	case directivePrefix + "end":
		if st.curr == nil {
			st.errf(ErrParse, "%s is used out of code block", cmd)
		} else {
			st.curr = nil
		}
	case directivePrefix + "include":
		st.includeCount++
		if helper := st.lookupHelper(cmd, options); helper != nil {
			st.include(helper)
		}
	default:
		st.errf(ErrUnknownDirective, "unknown command: %s", cmd)
	}
}

// lookupHelper resolves the directive's name tokens (either "name" or
// "schema . name") against the catalog and checks result type and
// ownership. Returns nil after recording a diagnostic.
func (st *expandState) lookupHelper(cmd string, options []string) *Helper {
	var names []string
	switch {
	case len(options) == 1:
		names = []string{options[0]}
	case len(options) == 3 && options[1] == ".":
		names = []string{options[0], options[2]}
	default:
		st.errf(ErrParse, "%s has invalid identifier: %s",
			cmd, strings.Join(options, " "))
		return nil
	}

	display := strings.Join(names, ".")
	helper, err := st.catalog.LookupHelper(names, st.fn.ArgTypes)
	if err != nil {
		st.errf(ErrHelperNotFound, "failed to resolve function %s: %v", display, err)
		return nil
	}
	if helper == nil {
		st.errf(ErrHelperNotFound, "function %s was not found", display)
		return nil
	}
	if helper.ResultType != pltype.Text {
		st.errf(ErrHelperWrongType,
			"function %s has unexpected result type: %s, instead of %s",
			display, pltype.Name(helper.ResultType), pltype.Name(pltype.Text))
		return nil
	}
	if helper.Owner != st.fn.Owner {
		st.errf(ErrHelperAccessDenied,
			"permission denied on helper function %s", display)
		return nil
	}
	return helper
}

func (st *expandState) include(helper *Helper) {
	for _, id := range st.includeStack {
		if id == helper.ID {
			st.errf(ErrInfiniteInclusion, "\"%s\" leads infinite inclusion", helper.Name)
			return
		}
	}
	if st.curr == nil {
		st.errf(ErrParse, "%sinclude is used out of code block", directivePrefix)
		return
	}
	text, err := helper.Expand(st.args)
	if err != nil {
		st.errf(ErrHelperWrongType, "function %s returned no text: %v", helper.Name, err)
		return
	}

	fmt.Fprintf(st.curr, "/* ------ BEGIN %s ------ */\n", helper.Name)
	st.includeStack = append(st.includeStack, helper.ID)
	savedSource, savedLineno := st.source, st.lineno
	st.source = helper.Name
	st.expandText(text)
	st.source, st.lineno = savedSource, savedLineno
	st.includeStack = st.includeStack[:len(st.includeStack)-1]
	fmt.Fprintf(st.curr, "/* ------ END %s ------ */\n", helper.Name)
}
