// Package path resolves slash-delimited expressions against live
// object graphs. Paths are data: the same expression reads, writes or
// invokes depending only on how it is applied.
package path

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/marionette"
	"github.com/zond/marionette/wire"

	goccy "github.com/goccy/go-json"
)

type SegmentKind int

const (
	SegmentName SegmentKind = iota
	SegmentIndex
	SegmentKey
	SegmentComponent
	SegmentMethod
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentName:
		return "name"
	case SegmentIndex:
		return "index"
	case SegmentKey:
		return "key"
	case SegmentComponent:
		return "component"
	case SegmentMethod:
		return "method"
	}
	return fmt.Sprintf("SegmentKind(%d)", int(k))
}

// Segment is one step of a path expression.
type Segment struct {
	Kind SegmentKind
	// Name is the member name, map key, facet tag or method name
	// depending on Kind.
	Name string
	// Index is set for SegmentIndex; negative counts from the end.
	Index int
	// Args are the parsed method arguments for SegmentMethod.
	Args []wire.Value
}

func (s Segment) String() string {
	switch s.Kind {
	case SegmentIndex:
		return fmt.Sprintf("index:%d", s.Index)
	case SegmentKey:
		return "key:" + s.Name
	case SegmentComponent:
		return "component:" + s.Name
	case SegmentMethod:
		args := make([]string, len(s.Args))
		for i, arg := range s.Args {
			args[i] = arg.Render()
		}
		return fmt.Sprintf("method:%s(%s)", s.Name, strings.Join(args, ","))
	}
	return s.Name
}

// Parse splits a path expression into segments. Slashes inside quoted
// strings or method argument lists don't split.
func Parse(expr string) ([]Segment, error) {
	parts, err := split(expr)
	if err != nil {
		return nil, marionette.WithStack(err)
	}
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		segment, err := parseSegment(part)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing segment %q of %q", part, expr)
		}
		segments = append(segments, segment)
	}
	if len(segments) == 0 {
		return nil, errors.Errorf("empty path %q", expr)
	}
	return segments, nil
}

func split(expr string) ([]string, error) {
	parts := []string{}
	buf := &strings.Builder{}
	depth := 0
	inString := false
	escaped := false
	for _, r := range expr {
		if inString {
			buf.WriteRune(r)
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
			buf.WriteRune(r)
		case '(', '[', '{':
			depth++
			buf.WriteRune(r)
		case ')', ']', '}':
			depth--
			buf.WriteRune(r)
		case '/':
			if depth > 0 {
				buf.WriteRune(r)
			} else {
				parts = append(parts, buf.String())
				buf.Reset()
			}
		default:
			buf.WriteRune(r)
		}
	}
	if inString || depth != 0 {
		return nil, errors.Errorf("unterminated quote or bracket in %q", expr)
	}
	parts = append(parts, buf.String())
	return parts, nil
}

func parseSegment(part string) (Segment, error) {
	if part == "" {
		return Segment{}, errors.New("empty segment")
	}
	kind, rest, tagged := strings.Cut(part, ":")
	if !tagged {
		return Segment{Kind: SegmentName, Name: part}, nil
	}
	switch kind {
	case "index":
		index, err := strconv.Atoi(rest)
		if err != nil {
			return Segment{}, errors.Wrapf(err, "parsing index %q", rest)
		}
		return Segment{Kind: SegmentIndex, Index: index}, nil
	case "key":
		if rest == "" {
			return Segment{}, errors.New("empty key")
		}
		return Segment{Kind: SegmentKey, Name: rest}, nil
	case "component":
		if rest == "" {
			return Segment{}, errors.New("empty component tag")
		}
		return Segment{Kind: SegmentComponent, Name: rest}, nil
	case "method":
		open := strings.IndexByte(rest, '(')
		if open < 1 || !strings.HasSuffix(rest, ")") {
			return Segment{}, errors.Errorf("method segments look like method:Name(args), not %q", part)
		}
		name := rest[:open]
		argList := rest[open+1 : len(rest)-1]
		args := []wire.Value{}
		if strings.TrimSpace(argList) != "" {
			if err := goccy.Unmarshal([]byte("["+argList+"]"), &args); err != nil {
				return Segment{}, errors.Wrapf(err, "parsing arguments %q", argList)
			}
		}
		return Segment{Kind: SegmentMethod, Name: name, Args: args}, nil
	default:
		// Unrecognized tags are plain names; member names may
		// legitimately contain colons.
		return Segment{Kind: SegmentName, Name: part}, nil
	}
}
