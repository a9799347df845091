package artifact

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Node is an element of a parsed XML document.
type Node struct {
	Name     string
	Attrs    map[string]string
	Children []*Node
	Text     string
}

// Parse reads one XML document.
func Parse(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	var root *Node
	var stack []*Node
	var text []*strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("xml: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
			text = append(text, new(strings.Builder))
		case xml.EndElement:
			n := stack[len(stack)-1]
			n.Text = text[len(text)-1].String()
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
		case xml.CharData:
			if len(text) > 0 {
				text[len(text)-1].Write(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("xml: no root element")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("xml: unexpected EOF inside <%s>", stack[len(stack)-1].Name)
	}
	return root, nil
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (string, bool) {
	if n == nil {
		return "", false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

// FloatAttr parses the named attribute as a float.
func (n *Node) FloatAttr(name string) (float64, error) {
	raw, ok := n.Attr(name)
	if !ok {
		return 0, fmt.Errorf("<%s> has no attribute %q", n.Name, name)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("<%s %s=%q>: %w", n.Name, name, raw, err)
	}
	return f, nil
}

// Find returns the first element matching path, or nil. See FindAll.
func (n *Node) Find(path string) *Node {
	all := n.findAll(path, true)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// FindAll returns, in document order, every element matching path.
//
// A path is a '/'-separated list of steps. The first step matches at any
// depth below and including n; later steps match direct children. A step is
// an element name or "*", optionally followed by predicates [@attr] or
// [@attr="value"].
func (n *Node) FindAll(path string) []*Node {
	return n.findAll(path, false)
}

func (n *Node) findAll(path string, first bool) []*Node {
	if n == nil {
		return nil
	}
	steps, err := parsePath(path)
	if err != nil || len(steps) == 0 {
		return nil
	}
	var cur []*Node
	n.walk(func(c *Node) bool {
		if steps[0].match(c) {
			cur = append(cur, c)
		}
		return true
	})
	for _, st := range steps[1:] {
		var next []*Node
		for _, c := range cur {
			for _, ch := range c.Children {
				if st.match(ch) {
					next = append(next, ch)
				}
			}
		}
		cur = next
	}
	if first && len(cur) > 1 {
		return cur[:1]
	}
	return cur
}

func (n *Node) walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.walk(fn) {
			return false
		}
	}
	return true
}

type predicate struct {
	attr     string
	value    string
	hasValue bool
}

type step struct {
	name  string
	preds []predicate
}

func (s step) match(n *Node) bool {
	if s.name != "*" && s.name != n.Name {
		return false
	}
	for _, p := range s.preds {
		v, ok := n.Attrs[p.attr]
		if !ok || (p.hasValue && v != p.value) {
			return false
		}
	}
	return true
}

func parsePath(path string) ([]step, error) {
	path = strings.TrimSpace(path)
	if p, ok := strings.CutPrefix(path, ".//"); ok {
		path = p
	} else {
		path = strings.TrimPrefix(path, "//")
	}
	var steps []step
	var cur strings.Builder
	depth := 0
	flush := func() error {
		s, err := parseStep(cur.String())
		if err != nil {
			return err
		}
		steps = append(steps, s)
		cur.Reset()
		return nil
	}
	for _, r := range path {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case r == '/' && depth == 0:
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		cur.WriteRune(r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return steps, nil
}

func parseStep(raw string) (step, error) {
	raw = strings.TrimSpace(raw)
	i := strings.IndexByte(raw, '[')
	if i < 0 {
		if raw == "" {
			return step{}, fmt.Errorf("empty path step")
		}
		return step{name: raw}, nil
	}
	s := step{name: raw[:i]}
	rest := raw[i:]
	for rest != "" {
		if rest[0] != '[' {
			return step{}, fmt.Errorf("bad predicate in %q", raw)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return step{}, fmt.Errorf("unterminated predicate in %q", raw)
		}
		body := strings.TrimSpace(rest[1:end])
		rest = rest[end+1:]
		if !strings.HasPrefix(body, "@") {
			return step{}, fmt.Errorf("unsupported predicate %q", body)
		}
		body = body[1:]
		if eq := strings.IndexByte(body, '='); eq >= 0 {
			val := strings.TrimSpace(body[eq+1:])
			val = strings.Trim(val, `"'`)
			s.preds = append(s.preds, predicate{attr: strings.TrimSpace(body[:eq]), value: val, hasValue: true})
		} else {
			s.preds = append(s.preds, predicate{attr: body})
		}
	}
	return s, nil
}
